// Package metrics exposes triage counters on a dedicated Prometheus
// registry.  A nil *Collector is valid and records nothing, so components
// can take one unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"triage-dispatcher/pkg"
)

const namespace = "triage"

// Assignment outcomes.
const (
	OutcomeAssigned = "assigned"
	OutcomeQueued   = "queued"
	OutcomeConflict = "conflict"
)

// Collector holds the triage metric vectors.
type Collector struct {
	registry *prometheus.Registry

	Turns        *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec
	Fallbacks    *prometheus.CounterVec
	Escalations  *prometheus.CounterVec
	Assignments  *prometheus.CounterVec
	Resolutions  prometheus.Counter
	SendFailures prometheus.Counter
	PendingQueue prometheus.Gauge
}

// New creates a Collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Inbound turns processed, by state at the start of the turn",
		}, []string{"state"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of inbound turn processing in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Turns answered by the deterministic fallback because the completion service failed",
		}, []string{"state"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations created or updated, by priority",
		}, []string{"priority"}),
		Assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Clinician assignment attempts, by outcome",
		}, []string{"outcome"}),
		Resolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Escalation cases resolved",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound messages the channel failed to deliver",
		}),
		PendingQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_escalations",
			Help:      "Unassigned escalations at the last queue read",
		}),
	}
	reg.MustRegister(
		c.Turns, c.TurnDuration, c.Fallbacks, c.Escalations, c.Assignments,
		c.Resolutions, c.SendFailures, c.PendingQueue,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveTurn(state pkg.State, d time.Duration) {
	if c == nil {
		return
	}
	c.Turns.WithLabelValues(string(state)).Inc()
	c.TurnDuration.WithLabelValues(string(state)).Observe(d.Seconds())
}

func (c *Collector) Fallback(state pkg.State) {
	if c == nil {
		return
	}
	c.Fallbacks.WithLabelValues(string(state)).Inc()
}

func (c *Collector) Escalated(p pkg.Priority) {
	if c == nil {
		return
	}
	c.Escalations.WithLabelValues(string(p)).Inc()
}

func (c *Collector) Assignment(outcome string) {
	if c == nil {
		return
	}
	c.Assignments.WithLabelValues(outcome).Inc()
}

func (c *Collector) Resolved() {
	if c == nil {
		return
	}
	c.Resolutions.Inc()
}

func (c *Collector) SendFailed() {
	if c == nil {
		return
	}
	c.SendFailures.Inc()
}

func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.PendingQueue.Set(float64(n))
}
