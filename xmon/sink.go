package xdcmonitor

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MetricsSink is the write contract for the time-series store: append a point with a
// measurement name, a tag set, and numeric fields. Delivery is best-effort, a failed
// write is logged and dropped.
type MetricsSink interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]interface{})
}

type noopSink struct{}

func (noopSink) WritePoint(string, map[string]string, map[string]interface{}) {}

// influxSink writes points to InfluxDB. Writes block briefly but run on the caller's
// goroutine, monitors already record metrics off the hot path.
type influxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func newInfluxSink(cfg InfluxConfig) *influxSink {
	client := influxdb2.NewClient(cfg.Url, cfg.Token)
	return &influxSink{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

func (s *influxSink) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	pt := write.NewPoint(measurement, tags, fields, time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.write.WritePoint(ctx, pt); err != nil {
		l("⚠️ influx write failed for", measurement, "-", err.Error())
	}
}

func (s *influxSink) Close() {
	s.client.Close()
}
