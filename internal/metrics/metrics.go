// Package metrics exposes Prometheus collectors for the process engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures metric collection.
type Config struct {
	Enabled       bool   `json:"enabled"`
	Namespace     string `json:"namespace"`
	ListenAddress string `json:"listen_address"`
	Path          string `json:"path"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Namespace:     "bpelrt",
		ListenAddress: ":9464",
		Path:          "/metrics",
	}
}

// Metrics holds the engine collectors. A nil *Metrics or one built from a
// disabled config records nothing.
type Metrics struct {
	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	instanceDuration  *prometheus.HistogramVec
	activeInstances   prometheus.Gauge

	activityEvents *prometheus.CounterVec
	faults         *prometheus.CounterVec

	messagesRouted *prometheus.CounterVec
	queuedMessages prometheus.Gauge

	partnerCalls    *prometheus.CounterVec
	partnerDuration *prometheus.HistogramVec
	circuitChanges  *prometheus.CounterVec

	checkpointDuration prometheus.Histogram
	checkpointErrors   prometheus.Counter

	pendingRecoveries prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a private registry.
func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		instancesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "instances_started_total",
			Help:      "Process instances created.",
		}, []string{"process"}),
		instancesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "instances_finished_total",
			Help:      "Process instances that reached a terminal status.",
		}, []string{"process", "status"}),
		instanceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "instance_duration_seconds",
			Help:      "Wall time from instance creation to its terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
		}, []string{"process", "status"}),
		activeInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_instances",
			Help:      "Process instances currently held in memory.",
		}),
		activityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "activity_events_total",
			Help:      "Activity lifecycle events by activity kind.",
		}, []string{"kind", "event"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "faults_total",
			Help:      "Faults that ended a process instance.",
		}, []string{"process", "fault"}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_routed_total",
			Help:      "Inbound messages by routing outcome.",
		}, []string{"process", "outcome"}),
		queuedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "queued_messages",
			Help:      "Inbound messages waiting for a matching receive.",
		}),
		partnerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "partner_invocations_total",
			Help:      "Partner invocations by outcome.",
		}, []string{"partner_link", "operation", "outcome"}),
		partnerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "partner_invocation_duration_seconds",
			Help:      "Duration of partner invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"partner_link", "operation"}),
		circuitChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "partner_circuit_transitions_total",
			Help:      "Circuit breaker state changes per partner.",
		}, []string{"partner", "to"}),
		checkpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time spent writing instance checkpoints.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		checkpointErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "checkpoint_errors_total",
			Help:      "Checkpoints that could not be written.",
		}),
		pendingRecoveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pending_recoveries",
			Help:      "Failed activities waiting for an operator action.",
		}),
	}

	registry.MustRegister(
		m.instancesStarted, m.instancesFinished, m.instanceDuration, m.activeInstances,
		m.activityEvents, m.faults,
		m.messagesRouted, m.queuedMessages,
		m.partnerCalls, m.partnerDuration, m.circuitChanges,
		m.checkpointDuration, m.checkpointErrors,
		m.pendingRecoveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// InstanceStarted counts a new instance.
func (m *Metrics) InstanceStarted(process string) {
	if !m.enabled() {
		return
	}
	m.instancesStarted.WithLabelValues(process).Inc()
	m.activeInstances.Inc()
}

// InstanceFinished records a terminal instance and its lifetime.
func (m *Metrics) InstanceFinished(process, status string, lifetime time.Duration) {
	if !m.enabled() {
		return
	}
	m.instancesFinished.WithLabelValues(process, status).Inc()
	m.instanceDuration.WithLabelValues(process, status).Observe(lifetime.Seconds())
	m.activeInstances.Dec()
}

// Fault counts a fault that ended an instance.
func (m *Metrics) Fault(process, fault string) {
	if !m.enabled() {
		return
	}
	m.faults.WithLabelValues(process, fault).Inc()
}

// ActivityEvent counts one activity lifecycle event.
func (m *Metrics) ActivityEvent(kind, event string) {
	if !m.enabled() {
		return
	}
	m.activityEvents.WithLabelValues(kind, event).Inc()
}

// Routing outcomes for MessageRouted.
const (
	RouteMatched = "matched"
	RouteCreated = "created"
	RouteQueued  = "queued"
	RouteDropped = "dropped"
)

// MessageRouted counts an inbound message by outcome.
func (m *Metrics) MessageRouted(process, outcome string) {
	if !m.enabled() {
		return
	}
	m.messagesRouted.WithLabelValues(process, outcome).Inc()
}

// SetQueuedMessages sets the number of waiting inbound messages.
func (m *Metrics) SetQueuedMessages(n int) {
	if !m.enabled() {
		return
	}
	m.queuedMessages.Set(float64(n))
}

// PartnerCall records one partner invocation. outcome is replied, faulted
// or failed.
func (m *Metrics) PartnerCall(partnerLink, operation, outcome string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.partnerCalls.WithLabelValues(partnerLink, operation, outcome).Inc()
	m.partnerDuration.WithLabelValues(partnerLink, operation).Observe(d.Seconds())
}

// CircuitTransition counts a breaker state change.
func (m *Metrics) CircuitTransition(partner, to string) {
	if !m.enabled() {
		return
	}
	m.circuitChanges.WithLabelValues(partner, to).Inc()
}

// Checkpoint records one checkpoint write.
func (m *Metrics) Checkpoint(d time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.checkpointDuration.Observe(d.Seconds())
	if err != nil {
		m.checkpointErrors.Inc()
	}
}

// AddPendingRecoveries adjusts the number of activities awaiting recovery.
func (m *Metrics) AddPendingRecoveries(delta int) {
	if !m.enabled() {
		return
	}
	m.pendingRecoveries.Add(float64(delta))
}

// Registry returns the registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
