// Package metrics holds the Prometheus collectors for the cache core. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatcache"

type Metrics struct {
	frames    *prometheus.CounterVec
	malformed prometheus.Counter
	refetches *prometheus.CounterVec
	fetches   *prometheus.CounterVec
	fetchTime *prometheus.HistogramVec
	writes    *prometheus.CounterVec
	pending   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_applied_total",
			Help:      "Subscription frames folded into the cache, by event kind.",
		}, []string{"kind"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Subscription frames dropped because they could not be decoded or applied.",
		}),
		refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "Invalidation scheduler fires, by refetch type and edge.",
		}, []string{"type", "edge"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_fetches_total",
			Help:      "Page fetches issued to the source, by direction and result.",
		}, []string{"direction", "result"}),
		fetchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_fetch_seconds",
			Help:      "Page fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_transitions_total",
			Help:      "Tracked write status transitions, by target status.",
		}, []string{"status"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "writes_tracked",
			Help:      "Writes currently tracked by the outbox.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.frames, m.malformed, m.refetches, m.fetches, m.fetchTime, m.writes, m.pending)
	}
	return m
}

func (m *Metrics) FrameApplied(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) Invalidation(refetch, edge string) {
	if m == nil {
		return
	}
	m.refetches.WithLabelValues(refetch, edge).Inc()
}

// Fetch records one page fetch that started at start.
func (m *Metrics) Fetch(direction string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(direction, result).Inc()
	m.fetchTime.WithLabelValues(direction).Observe(time.Since(start).Seconds())
}

func (m *Metrics) WriteTransition(status string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(status).Inc()
}

func (m *Metrics) TrackedWrites(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
