package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTurn(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTurn("stream", "ok", 1.5)
	m.RecordTurn("stream", "ok", 0.7)
	m.RecordTurn("headless", "error", 12)

	expected := `
		# HELP troupe_turns_total Total number of chat turns by mode and status
		# TYPE troupe_turns_total counter
		troupe_turns_total{mode="headless",status="error"} 1
		troupe_turns_total{mode="stream",status="ok"} 2
	`
	if err := testutil.CollectAndCompare(m.TurnCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected counter state: %v", err)
	}
	if count := testutil.CollectAndCount(m.TurnDuration); count != 2 {
		t.Errorf("TurnDuration label sets = %d, want 2", count)
	}
}

func TestRecordLLMRequestSkipsZeroTokens(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", "success", 2.1, 120, 0)

	expected := `
		# HELP troupe_llm_tokens_total Total number of tokens used by provider, model, and type
		# TYPE troupe_llm_tokens_total counter
		troupe_llm_tokens_total{model="claude-sonnet-4-20250514",provider="anthropic",type="prompt"} 120
	`
	if err := testutil.CollectAndCompare(m.LLMTokensUsed, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected token counter state: %v", err)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordToolExecution("gmailSearchMessages", "success", 0.8)
	m.RecordToolExecution("gmailSearchMessages", "error", 1.2)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("gmailSearchMessages", "success")); got != 1 {
		t.Errorf("success executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("gmailSearchMessages", "error")); got != 1 {
		t.Errorf("error executions = %v, want 1", got)
	}
}

func TestNilRegistererStaysUsable(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordTurn("stream", "ok", 0.1)
	m.RecordHTTPRequest("GET", "/api/roles", "200", 0.002)
	m.RecordJobRun("once", "ok", 3)
	m.FrameDropped()

	if got := testutil.ToFloat64(m.DroppedFrames); got != 1 {
		t.Errorf("dropped frames = %v, want 1", got)
	}
}
