// Package observability registers Prometheus metrics for the clustering
// engine and exposes a /metrics handler.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the engine's Prometheus metrics. A nil Collector is
// valid and records nothing, so callers never need to branch on metrics
// being enabled.
type Collector struct {
	gatherer prometheus.Gatherer

	Decisions       *prometheus.CounterVec
	ReportDurations prometheus.Histogram
}

// NewCollector registers the engine metrics against reg, defaulting to the
// global Prometheus registry when nil. Re-registering an identical collector
// is tolerated so repeated bootstraps stay idempotent.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ripple_decisions_total",
		Help: "Total location-report decisions, labeled by decision kind.",
	}, []string{"decision"})
	decisions, err := registerCounterVec(reg, decisions, "ripple_decisions_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ripple_report_duration_seconds",
		Help:    "Location-report handling latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
	durations, err = registerHistogram(reg, durations, "ripple_report_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:        gatherer,
		Decisions:       decisions,
		ReportDurations: durations,
	}, nil
}

// RecordDecision increments the counter for a decision kind.
func (c *Collector) RecordDecision(decision string) {
	if c == nil || c.Decisions == nil {
		return
	}
	c.Decisions.WithLabelValues(decision).Inc()
}

// ObserveReport records the latency of one location report.
func (c *Collector) ObserveReport(d time.Duration) {
	if c == nil || c.ReportDurations == nil {
		return
	}
	c.ReportDurations.Observe(d.Seconds())
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
