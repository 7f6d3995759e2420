// Package metrics holds the Prometheus collectors for the security core.
// Fail-open paths (envelope creation and commit, policy adapter errors,
// plugin hook failures) are only observable here and through attestation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chainseal"

// Envelope failure stages.
const (
	StageCreate = "create"
	StageCommit = "commit"
)

// Metrics groups every collector. All methods are safe on a nil receiver.
type Metrics struct {
	Runs                *prometheus.CounterVec
	RunDuration         *prometheus.HistogramVec
	HookFailures        *prometheus.CounterVec
	EnvelopeFailures    *prometheus.CounterVec
	EnvelopesCommitted  prometheus.Counter
	PolicyAdapterErrors prometheus.Counter
	FlowEvents          prometheus.Counter
	SessionTransitions  *prometheus.CounterVec
	Denials             *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Orchestrated runs by outcome.",
		}, []string{"component", "operation", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of orchestrated runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "operation"}),
		HookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_hook_failures_total",
			Help:      "Plugin hooks that returned an error or panicked.",
		}, []string{"plugin", "hook"}),
		EnvelopeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelope_failures_total",
			Help:      "Forensic envelopes that failed to be created or committed.",
		}, []string{"stage"}),
		EnvelopesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_committed_total",
			Help:      "Forensic envelopes durably appended to the ledger.",
		}),
		PolicyAdapterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_adapter_errors_total",
			Help:      "Instrumentation predicate errors treated as allow.",
		}),
		FlowEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "info_flow_events_total",
			Help:      "Label derivation events emitted.",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Security session state transitions.",
		}, []string{"transition"}),
		Denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mac_denials_total",
			Help:      "Access refused by the MAC engine.",
		}, []string{"code"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Runs, m.RunDuration, m.HookFailures, m.EnvelopeFailures,
			m.EnvelopesCommitted, m.PolicyAdapterErrors, m.FlowEvents,
			m.SessionTransitions, m.Denials,
		)
	}
	return m
}

// RunFinished records one run outcome and its duration.
func (m *Metrics) RunFinished(component, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(component, operation, outcome).Inc()
	m.RunDuration.WithLabelValues(component, operation).Observe(d.Seconds())
}

// HookFailed counts an isolated plugin hook failure.
func (m *Metrics) HookFailed(plugin, hook string) {
	if m == nil {
		return
	}
	m.HookFailures.WithLabelValues(plugin, hook).Inc()
}

// EnvelopeFailed counts a fail-open envelope error at the given stage.
func (m *Metrics) EnvelopeFailed(stage string) {
	if m == nil {
		return
	}
	m.EnvelopeFailures.WithLabelValues(stage).Inc()
}

// EnvelopeCommitted counts a durable append.
func (m *Metrics) EnvelopeCommitted() {
	if m == nil {
		return
	}
	m.EnvelopesCommitted.Inc()
}

// PolicyAdapterError counts a predicate error converted to allow.
func (m *Metrics) PolicyAdapterError() {
	if m == nil {
		return
	}
	m.PolicyAdapterErrors.Inc()
}

// FlowEvent counts one emitted derivation event.
func (m *Metrics) FlowEvent() {
	if m == nil {
		return
	}
	m.FlowEvents.Inc()
}

// SessionTransition counts a session state change ("set", "cleared", "expired").
func (m *Metrics) SessionTransition(transition string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(transition).Inc()
}

// Denied counts a MAC refusal by code.
func (m *Metrics) Denied(code string) {
	if m == nil {
		return
	}
	m.Denials.WithLabelValues(code).Inc()
}
