// Package metrics exports pool occupancy as statsd gauges.
//
// Every report emits the pool totals and one set of gauges per known route,
// tagged with the route:
//
//	<prefix>pool.leased      pool.available      pool.pending      pool.max
//	<prefix>route.leased,route=http://a.example:80 ...
package metrics

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smira/go-statsd"

	"mini-pool/pool"
	"mini-pool/route"
)

// StatsSource is the read side of a pooling manager.
type StatsSource interface {
	TotalStats() pool.Stats
	Routes() []route.Route
	Stats(r route.Route) pool.Stats
}

// Sink receives gauges. *statsd.Client implements it.
type Sink interface {
	Gauge(stat string, value int64, tags ...statsd.Tag)
}

// NewStatsdClient returns a buffered UDP statsd client with InfluxDB style
// tags. Send failures are reported by the client itself and never reach
// the pool.
func NewStatsdClient(addr, prefix string) *statsd.Client {
	return statsd.NewClient(addr,
		statsd.MetricPrefix(prefix),
		statsd.TagStyle(statsd.TagFormatInfluxDB),
	)
}

type Reporter struct {
	source StatsSource
	sink   Sink
	logger logrus.FieldLogger
}

func NewReporter(source StatsSource, sink Sink, logger logrus.FieldLogger) *Reporter {
	return &Reporter{source: source, sink: sink, logger: logger}
}

// Report emits one snapshot.
func (r *Reporter) Report() {
	gauge(r.sink, "pool.", r.source.TotalStats())
	routes := r.source.Routes()
	for _, rt := range routes {
		gauge(r.sink, "route.", r.source.Stats(rt), statsd.StringTag("route", rt.String()))
	}
	r.logger.WithField("routes", len(routes)).Debug("pool stats reported")
}

func gauge(sink Sink, prefix string, s pool.Stats, tags ...statsd.Tag) {
	sink.Gauge(prefix+"leased", int64(s.Leased), tags...)
	sink.Gauge(prefix+"available", int64(s.Available), tags...)
	sink.Gauge(prefix+"pending", int64(s.Pending), tags...)
	sink.Gauge(prefix+"max", int64(s.Max), tags...)
}

// Run reports every interval until ctx is done, then sends a final
// snapshot.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Report()
		case <-ctx.Done():
			r.Report()
			return
		}
	}
}
