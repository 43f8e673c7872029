// Package metrics holds the prometheus collectors for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EventsIngested prometheus.Counter
	EventsRejected prometheus.Counter
	BatchSize      prometheus.Histogram
	RollupRefresh  prometheus.Counter
	RollupSeconds  prometheus.Histogram
	HTTPDuration   *prometheus.HistogramVec
}

// New registers the engine collectors on reg. Pass a fresh registry in tests
// to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "insight_events_ingested_total",
			Help: "Events accepted and written to the store.",
		}),
		EventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "insight_events_rejected_total",
			Help: "Events rejected by validation or failed at the store.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "insight_ingest_batch_size",
			Help:    "Size of ingested batches.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		RollupRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "insight_rollup_refresh_total",
			Help: "Completed rollup refreshes.",
		}),
		RollupSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "insight_rollup_refresh_seconds",
			Help:    "Duration of rollup refreshes.",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insight_http_request_seconds",
			Help:    "HTTP request latency by route and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsIngested,
			m.EventsRejected,
			m.BatchSize,
			m.RollupRefresh,
			m.RollupSeconds,
			m.HTTPDuration,
		)
	}
	return m
}

// NewNop returns unregistered collectors for tests that do not assert on
// metrics.
func NewNop() *Metrics { return New(nil) }
