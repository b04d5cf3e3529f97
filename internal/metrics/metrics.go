package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes counters for structural violations the state machines
// otherwise swallow silently: invalid transitions, duplicate confirmations,
// rejected progress values, stalls, and error-pattern detections. State
// behavior is unchanged; these only make the no-ops observable.
type Metrics struct {
	InvalidTransitions     *prometheus.CounterVec
	DuplicateConfirmations prometheus.Counter
	RejectedProgress       prometheus.Counter
	StallWarnings          prometheus.Counter
	ErrorPatterns          prometheus.Counter
	MalformedEnvelopes     prometheus.Counter
}

// New registers the engine's counters with reg. A nil registerer yields
// unregistered (but still functional) collectors, which keeps tests simple.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InvalidTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dailyfix",
			Name:      "invalid_transitions_total",
			Help:      "State transitions rejected by a legal-transition table.",
		}, []string{"component"}),
		DuplicateConfirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dailyfix",
			Name:      "duplicate_confirmations_total",
			Help:      "Connection confirmations ignored because the session was already connected.",
		}),
		RejectedProgress: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dailyfix",
			Name:      "rejected_progress_total",
			Help:      "Sync progress updates dropped as malformed or out of range.",
		}),
		StallWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dailyfix",
			Name:      "stall_warnings_total",
			Help:      "Sync stall warnings emitted.",
		}),
		ErrorPatterns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dailyfix",
			Name:      "error_patterns_total",
			Help:      "Error-pattern detections from the rolling error history.",
		}),
		MalformedEnvelopes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dailyfix",
			Name:      "malformed_envelopes_total",
			Help:      "Realtime envelopes dropped during validation or decoding.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.InvalidTransitions,
			m.DuplicateConfirmations,
			m.RejectedProgress,
			m.StallWarnings,
			m.ErrorPatterns,
			m.MalformedEnvelopes,
		)
	}
	return m
}

// IncInvalidTransition counts a rejected transition. Nil-safe.
func (m *Metrics) IncInvalidTransition(component string) {
	if m == nil {
		return
	}
	m.InvalidTransitions.WithLabelValues(component).Inc()
}

// IncDuplicateConfirmation counts an ignored duplicate confirmation. Nil-safe.
func (m *Metrics) IncDuplicateConfirmation() {
	if m == nil {
		return
	}
	m.DuplicateConfirmations.Inc()
}

// IncRejectedProgress counts a dropped progress update. Nil-safe.
func (m *Metrics) IncRejectedProgress() {
	if m == nil {
		return
	}
	m.RejectedProgress.Inc()
}

// IncStallWarning counts a stall warning. Nil-safe.
func (m *Metrics) IncStallWarning() {
	if m == nil {
		return
	}
	m.StallWarnings.Inc()
}

// IncErrorPattern counts an error-pattern detection. Nil-safe.
func (m *Metrics) IncErrorPattern() {
	if m == nil {
		return
	}
	m.ErrorPatterns.Inc()
}

// IncMalformedEnvelope counts a dropped realtime envelope. Nil-safe.
func (m *Metrics) IncMalformedEnvelope() {
	if m == nil {
		return
	}
	m.MalformedEnvelopes.Inc()
}
