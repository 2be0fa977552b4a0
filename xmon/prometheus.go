package xdcmonitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var promMux sync.RWMutex

type metricType uint8

const (
	metricBlockHeight metricType = iota
	metricLastBlockSeconds
	metricEpoch
	metricMasternodes
	metricStandbyNodes
	metricPenaltyNodes
	metricActiveAlerts

	metricTotalEndpoints
	metricHealthyEndpoints
	metricEndpointUp
	metricEndpointLatency
	metricEndpointDownSeconds
)

type promUpdate struct {
	metric   metricType
	counter  float64
	name     string
	chainId  string
	endpoint string
}

type promMetrics map[metricType]*prometheus.GaugeVec

func (m promMetrics) setStat(update *promUpdate) {
	lbls := map[string]string{
		"name":     update.name,
		"chain_id": update.chainId,
	}
	promMux.RLock()
	defer promMux.RUnlock()
	switch update.metric {
	case metricEndpointUp, metricEndpointLatency, metricEndpointDownSeconds:
		lbls["endpoint"] = update.endpoint
	}
	m[update.metric].With(lbls).Set(update.counter)
}

func prometheusExporter(ctx context.Context, updates chan *promUpdate) {
	// attributes used to uniquely identify each chain
	var chainLabels = []string{"name", "chain_id"}
	var hostLabels = []string{"name", "chain_id", "endpoint"}

	blockHeight := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_block_height",
		Help: "the last block height observed for a chain",
	}, chainLabels)
	lastBlockSec := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_time_since_last_block",
		Help: "how many seconds elapsed between the two most recent blocks",
	}, chainLabels)
	epoch := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_current_epoch",
		Help: "the current XDPoS epoch computed from the masternode list round",
	}, chainLabels)
	masternodes := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_masternode_count",
		Help: "the count of active masternodes in the current epoch",
	}, chainLabels)
	standby := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_standby_count",
		Help: "the count of standby nodes in the current epoch",
	}, chainLabels)
	penalty := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_penalty_count",
		Help: "the count of penalized nodes in the current epoch",
	}, chainLabels)
	activeAlerts := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_active_alerts",
		Help: "the count of open alarms for a chain",
	}, chainLabels)

	// endpoint health gauges:
	endpointsMonitored := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_total_monitored_endpoints",
		Help: "the count of rpc and websocket endpoints being monitored for a chain",
	}, chainLabels)
	endpointsHealthy := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_total_healthy_endpoints",
		Help: "the count of healthy endpoints for a chain",
	}, chainLabels)

	// extra labels for individual endpoint stats
	endpointUp := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_endpoint_up",
		Help: "1 when the endpoint responds to probes, 0 when it is down",
	}, hostLabels)
	endpointLatency := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_endpoint_latency_seconds",
		Help: "how long the last successful probe of the endpoint took",
	}, hostLabels)
	endpointDownSec := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdcmonitor_endpoint_down_seconds",
		Help: "how many seconds an endpoint has been marked as unhealthy",
	}, hostLabels)

	m := promMetrics{
		metricBlockHeight:         blockHeight,
		metricLastBlockSeconds:    lastBlockSec,
		metricEpoch:               epoch,
		metricMasternodes:         masternodes,
		metricStandbyNodes:        standby,
		metricPenaltyNodes:        penalty,
		metricActiveAlerts:        activeAlerts,
		metricTotalEndpoints:      endpointsMonitored,
		metricHealthyEndpoints:    endpointsHealthy,
		metricEndpointUp:          endpointUp,
		metricEndpointLatency:     endpointLatency,
		metricEndpointDownSeconds: endpointDownSec,
	}

	go func() {
		for {
			select {
			case u := <-updates:
				m.setStat(u)
			case <-ctx.Done():
				return
			}
		}
	}()

	mux := http.NewServeMux()

	l(fmt.Sprintf("serving prometheus metrics at 0.0.0.0:%d/metrics", td.PrometheusListenPort))
	mux.Handle("/metrics", promhttp.Handler())
	promSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", td.PrometheusListenPort),
		Handler:           mux,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 20 * time.Second,
	}
	if err := promSrv.ListenAndServe(); err != nil {
		l("🛑 prometheus exporter failed:", err.Error())
	}
}
