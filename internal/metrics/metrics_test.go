package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTurn("ok")
	m.ObserveTurn("ok")
	m.ObserveTurn("error")
	m.ObserveDirective("RESPOND")
	m.ObserveScheduledMessage("sent")

	if got := testutil.ToFloat64(m.turns.WithLabelValues("ok")); got != 2 {
		t.Errorf("turns_total{ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.turns.WithLabelValues("error")); got != 1 {
		t.Errorf("turns_total{error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.directives.WithLabelValues("RESPOND")); got != 1 {
		t.Errorf("directives_total{RESPOND} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.scheduled.WithLabelValues("sent")); got != 1 {
		t.Errorf("scheduled_messages_total{sent} = %v, want 1", got)
	}
}

func TestLLMHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveLLMRequest("openai", "ok", 1500*time.Millisecond)

	if n := testutil.CollectAndCount(m.llmDuration, "innerguide_llm_request_duration_seconds"); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTurn("ok")
	m.ObserveDirective("RESPOND")
	m.ObserveLLMRequest("gemini", "error", time.Second)
	m.ObserveScheduledMessage("failed")
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.ObserveTurn("ok")
	if got := testutil.ToFloat64(m.turns.WithLabelValues("ok")); got != 1 {
		t.Errorf("turns_total{ok} = %v, want 1", got)
	}
}
