package xdcmonitor

import (
	"fmt"
	"sync"
	"time"
)

// Severity levels for alerts, ordered least to most severe.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Clock lets tests control time instead of sleeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Alert is the universal event handed to the dispatcher. Ephemeral, never persisted here.
type Alert struct {
	Type      string
	Severity  string
	Component string
	Message   string
	ChainId   int64
	Timestamp time.Time
}

// ThresholdOperator compares a sample against a threshold value.
type ThresholdOperator string

const (
	OpGt  ThresholdOperator = "gt"
	OpLt  ThresholdOperator = "lt"
	OpGte ThresholdOperator = "gte"
	OpLte ThresholdOperator = "lte"
	OpEq  ThresholdOperator = "eq"
)

func (op ThresholdOperator) matches(value, limit float64) bool {
	switch op {
	case OpGt:
		return value > limit
	case OpLt:
		return value < limit
	case OpGte:
		return value >= limit
	case OpLte:
		return value <= limit
	case OpEq:
		return value == limit
	}
	return false
}

// Threshold describes one alerting condition on a metric.
type Threshold struct {
	Value    float64
	Operator ThresholdOperator
	Severity string
	Title    string
	// Component is reported in the alert so the receiver knows which monitor raised it.
	Component string
	Unit      string
	// MinDuration gates the alert: the violation must persist this long before the
	// single per-episode alert fires. Zero fires immediately.
	MinDuration time.Duration
}

// violation tracks one open breach episode. An entry exists only while the metric
// currently breaches its threshold, it is deleted the instant the value recovers.
type violation struct {
	since     time.Time
	lastValue float64
	alerted   bool
}

// ThresholdViolation is the read-only view of an open violation.
type ThresholdViolation struct {
	Threshold Threshold
	Since     time.Time
	LastValue float64
	Alerted   bool
}

type metricPoint struct {
	value    float64
	ts       time.Time
	metadata map[string]string
	chainId  int64
}

type metricState struct {
	name       string
	window     time.Duration
	maxPoints  int
	thresholds []Threshold
	points     []metricPoint
	violations map[int]*violation // keyed by threshold index
}

// MetricStats summarizes the points currently inside a metric's window.
type MetricStats struct {
	Count  int
	Latest float64
	Min    float64
	Max    float64
	Avg    float64
}

// AlertFunc receives threshold alerts. Dispatch failures are the dispatcher's problem,
// violation state is never rolled back.
type AlertFunc func(a *Alert)

// MetricsManager records time-windowed metric values and raises at most one alert per
// continuous threshold-violation episode.
type MetricsManager struct {
	mu      sync.Mutex
	clock   Clock
	metrics map[string]*metricState
	alertFn AlertFunc
	sink    MetricsSink
}

// NewMetricsManager builds a manager. A nil clock uses wall time, a nil sink discards
// points, a nil alertFn drops alerts.
func NewMetricsManager(clock Clock, sink MetricsSink, alertFn AlertFunc) *MetricsManager {
	if clock == nil {
		clock = realClock{}
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &MetricsManager{
		clock:   clock,
		metrics: make(map[string]*metricState),
		alertFn: alertFn,
		sink:    sink,
	}
}

// RegisterMetric declares a metric before recording. maxPoints of zero keeps every
// point inside the window. Re-registering replaces the thresholds but keeps the data.
func (mm *MetricsManager) RegisterMetric(name string, window time.Duration, maxPoints int, thresholds []Threshold) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if existing, ok := mm.metrics[name]; ok {
		existing.window = window
		existing.maxPoints = maxPoints
		existing.thresholds = thresholds
		existing.violations = make(map[int]*violation)
		return
	}
	mm.metrics[name] = &metricState{
		name:       name,
		window:     window,
		maxPoints:  maxPoints,
		thresholds: thresholds,
		violations: make(map[int]*violation),
	}
}

// RecordMetric appends a value and evaluates every threshold for the metric. Unknown
// metrics are registered implicitly with no thresholds so callers never lose data.
func (mm *MetricsManager) RecordMetric(name string, value float64, metadata map[string]string, chainId int64) {
	mm.mu.Lock()
	m, ok := mm.metrics[name]
	if !ok {
		m = &metricState{name: name, window: time.Hour, violations: make(map[int]*violation)}
		mm.metrics[name] = m
	}
	now := mm.clock.Now()
	m.points = append(m.points, metricPoint{value: value, ts: now, metadata: metadata, chainId: chainId})
	m.prune(now)

	var fired []*Alert
	for i, t := range m.thresholds {
		v := m.violations[i]
		if !t.Operator.matches(value, t.Value) {
			// recovery clears the episode immediately, the next breach is a new one
			delete(m.violations, i)
			continue
		}
		if v == nil {
			v = &violation{since: now, lastValue: value}
			m.violations[i] = v
		}
		v.lastValue = value
		if !v.alerted && now.Sub(v.since) >= t.MinDuration {
			v.alerted = true
			fired = append(fired, &Alert{
				Type:      name,
				Severity:  t.Severity,
				Component: t.Component,
				Message:   fmt.Sprintf("%s: %s is %.4g%s (threshold %s %.4g%s)", t.Title, name, value, t.Unit, t.Operator, t.Value, t.Unit),
				ChainId:   chainId,
				Timestamp: now,
			})
		}
	}
	alertFn := mm.alertFn
	mm.mu.Unlock()

	tags := map[string]string{"chain_id": fmt.Sprintf("%d", chainId)}
	for k, val := range metadata {
		tags[k] = val
	}
	mm.sink.WritePoint(name, tags, map[string]interface{}{"value": value})

	if alertFn != nil {
		for _, a := range fired {
			alertFn(a)
		}
	}
}

// prune drops points outside the window, then enforces maxPoints. Callers hold mu.
func (m *metricState) prune(now time.Time) {
	if m.window > 0 {
		cutoff := now.Add(-m.window)
		first := 0
		for first < len(m.points) && m.points[first].ts.Before(cutoff) {
			first++
		}
		if first > 0 {
			m.points = m.points[first:]
		}
	}
	if m.maxPoints > 0 && len(m.points) > m.maxPoints {
		m.points = m.points[len(m.points)-m.maxPoints:]
	}
}

// GetLatestValue returns the most recent value recorded for a metric.
func (mm *MetricsManager) GetLatestValue(name string) (float64, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	m, ok := mm.metrics[name]
	if !ok || len(m.points) == 0 {
		return 0, false
	}
	return m.points[len(m.points)-1].value, true
}

// GetMetricStats summarizes the points currently held for a metric.
func (mm *MetricsManager) GetMetricStats(name string) (MetricStats, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	m, ok := mm.metrics[name]
	if !ok || len(m.points) == 0 {
		return MetricStats{}, false
	}
	stats := MetricStats{
		Count: len(m.points),
		Min:   m.points[0].value,
		Max:   m.points[0].value,
	}
	sum := 0.0
	for _, p := range m.points {
		if p.value < stats.Min {
			stats.Min = p.value
		}
		if p.value > stats.Max {
			stats.Max = p.value
		}
		sum += p.value
	}
	stats.Latest = m.points[len(m.points)-1].value
	stats.Avg = sum / float64(len(m.points))
	return stats, true
}

// GetThresholdViolations returns the open violation episodes for a metric.
func (mm *MetricsManager) GetThresholdViolations(name string) []ThresholdViolation {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	m, ok := mm.metrics[name]
	if !ok {
		return nil
	}
	out := make([]ThresholdViolation, 0, len(m.violations))
	for i, v := range m.violations {
		out = append(out, ThresholdViolation{
			Threshold: m.thresholds[i],
			Since:     v.since,
			LastValue: v.lastValue,
			Alerted:   v.alerted,
		})
	}
	return out
}
