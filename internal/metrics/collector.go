// Package metrics exposes batch progress as Prometheus metrics and a small
// HTTP status endpoint.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rust4c/c2rust-agent-sub001/internal/model"
)

const namespace = "c2rust_agent"

// Collector turns scheduler events into Prometheus metrics. Handle must be
// called from one goroutine; scraping is safe concurrently.
type Collector struct {
	registry *prometheus.Registry

	inFlight        prometheus.Gauge
	attempts        *prometheus.CounterVec
	units           *prometheus.CounterVec
	stages          *prometheus.CounterVec
	attemptDuration prometheus.Histogram

	running map[string]bool
	counted map[string]int
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_in_flight",
			Help:      "Units currently holding a concurrency permit.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Pipeline attempts by outcome.",
		}, []string{"outcome"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Units that reached a terminal status.",
		}, []string{"status"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Pipeline stages entered.",
		}, []string{"stage"}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of finished pipeline attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		running: make(map[string]bool),
		counted: make(map[string]int),
	}
	c.registry.MustRegister(
		c.inFlight,
		c.attempts,
		c.units,
		c.stages,
		c.attemptDuration,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry is the gatherer served on /metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handle(ev model.Event) {
	switch ev.Kind {
	case model.EventStarted:
		if !c.running[ev.UnitID] {
			c.running[ev.UnitID] = true
			c.inFlight.Inc()
		}
	case model.EventStage:
		c.stages.WithLabelValues(stageLabel(ev.Stage)).Inc()
	case model.EventRetrying:
		c.countAttempt(ev, model.OutcomeRetryableFailure)
	case model.EventSucceeded:
		c.countAttempt(ev, model.OutcomeSuccess)
		c.units.WithLabelValues(model.StatusSucceeded).Inc()
		c.finish(ev.UnitID)
	case model.EventFailed:
		c.countAttempt(ev, model.OutcomeTerminalFailure)
		c.units.WithLabelValues(model.StatusFailed).Inc()
		c.finish(ev.UnitID)
	}
}

// countAttempt records each attempt number of a unit once; a unit canceled
// during backoff reports its last attempt again in the failed event.
func (c *Collector) countAttempt(ev model.Event, outcome string) {
	if ev.Attempt <= c.counted[ev.UnitID] {
		return
	}
	c.counted[ev.UnitID] = ev.Attempt
	c.attempts.WithLabelValues(outcome).Inc()
	c.attemptDuration.Observe(ev.Elapsed.Seconds())
}

func (c *Collector) finish(unitID string) {
	if c.running[unitID] {
		c.inFlight.Dec()
	}
	delete(c.running, unitID)
	delete(c.counted, unitID)
}

// stageLabel keeps label cardinality fixed: "repair 2/3" becomes "repair".
func stageLabel(stage string) string {
	fields := strings.Fields(stage)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}
