// Package metrics holds the Prometheus collectors for the careerpath service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	GenerationAttempts *prometheus.CounterVec
	GenerationLatency  *prometheus.HistogramVec
	PlanBuilds         *prometheus.CounterVec
	ChatTurns          *prometheus.CounterVec
	PhaseTransitions   *prometheus.CounterVec
	SyncCommits        *prometheus.CounterVec
	SyncDeliveries     prometheus.Counter
	ActiveSessions     prometheus.Gauge
	LiveConnections    prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		GenerationAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careerpath_generation_attempts_total",
			Help: "Generative endpoint attempts by outcome",
		}, []string{"outcome"}), // success, transport_error, empty_response

		GenerationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careerpath_generation_duration_seconds",
			Help:    "Logical generation latency including retries",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"result"}),

		PlanBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careerpath_plan_builds_total",
			Help: "Plan build actions by result",
		}, []string{"result"}),

		ChatTurns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careerpath_chat_turns_total",
			Help: "Chat turns by result",
		}, []string{"result"}),

		PhaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careerpath_phase_transitions_total",
			Help: "Session phase transitions",
		}, []string{"from", "to"}),

		SyncCommits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careerpath_sync_commits_total",
			Help: "Plan record commits by result",
		}, []string{"result"}),

		SyncDeliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "careerpath_sync_deliveries_total",
			Help: "Snapshots delivered to subscribers",
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "careerpath_sessions_active",
			Help: "Sessions currently held in memory",
		}),

		LiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "careerpath_live_connections_active",
			Help: "Open websocket connections",
		}),
	}
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAttempt counts one endpoint attempt.
func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.GenerationAttempts.WithLabelValues(outcome).Inc()
}

// ObserveGeneration records the latency of a logical generation call.
func (m *Metrics) ObserveGeneration(start time.Time, result string) {
	if m == nil {
		return
	}
	m.GenerationLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

// ObservePlanBuild counts a plan build result.
func (m *Metrics) ObservePlanBuild(result string) {
	if m == nil {
		return
	}
	m.PlanBuilds.WithLabelValues(result).Inc()
}

// ObserveChat counts a chat turn result.
func (m *Metrics) ObserveChat(result string) {
	if m == nil {
		return
	}
	m.ChatTurns.WithLabelValues(result).Inc()
}

// ObserveTransition counts a phase transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

// ObserveCommit counts a commit result.
func (m *Metrics) ObserveCommit(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SyncCommits.WithLabelValues(result).Inc()
}

// ObserveDelivery counts a snapshot handed to a subscriber.
func (m *Metrics) ObserveDelivery() {
	if m == nil {
		return
	}
	m.SyncDeliveries.Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.LiveConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.LiveConnections.Dec()
}
