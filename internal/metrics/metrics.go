// Package metrics holds the Prometheus collectors exported by InnerGuide.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "innerguide"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	turns       *prometheus.CounterVec
	directives  *prometheus.CounterVec
	llmDuration *prometheus.HistogramVec
	scheduled   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Conversation turns handled, by outcome",
			},
			[]string{"outcome"}, // outcome: ok, error, off_topic, deferred
		),
		directives: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "directives_total",
				Help:      "Next-action directives chosen for a turn",
			},
			[]string{"directive"},
		),
		llmDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "Latency of LLM completions",
				Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 10, 15, 20, 30},
			},
			[]string{"provider", "outcome"},
		),
		scheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_messages_total",
				Help:      "Proactive scheduled messages, by outcome",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.turns, m.directives, m.llmDuration, m.scheduled)
	}
	return m
}

// ObserveTurn counts a finished conversation turn.
func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

// ObserveDirective counts a decided directive.
func (m *Metrics) ObserveDirective(directive string) {
	if m == nil {
		return
	}
	m.directives.WithLabelValues(directive).Inc()
}

// ObserveLLMRequest records the latency of one completion call.
func (m *Metrics) ObserveLLMRequest(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

// ObserveScheduledMessage counts one proactive message attempt.
func (m *Metrics) ObserveScheduledMessage(outcome string) {
	if m == nil {
		return
	}
	m.scheduled.WithLabelValues(outcome).Inc()
}
