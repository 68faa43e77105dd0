package agent

import (
	"strings"
	"testing"

	"github.com/whale-sh/whale/internal/providers"
)

func TestSanitizeDropsOrphanToolResult(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "hi"},
		{Role: "tool", ToolCallID: "nope", Content: "stale"},
		{Role: "assistant", Content: "hello"},
	}
	out := sanitizeHistory(msgs)
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(out), out)
	}
	for _, m := range out {
		if m.Role == "tool" {
			t.Error("orphan tool result survived")
		}
	}
}

func TestSanitizeSynthesizesMissingResult(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "run it"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{
			{ID: "a", Name: "shell"},
			{ID: "b", Name: "read_file"},
		}},
		{Role: "tool", ToolCallID: "a", Content: "done"},
		// Result for "b" lost to an abort.
		{Role: "user", Content: "next"},
	}
	out := sanitizeHistory(msgs)

	var synth *providers.Message
	for i := range out {
		if out[i].Role == "tool" && out[i].ToolCallID == "b" {
			synth = &out[i]
		}
	}
	if synth == nil {
		t.Fatal("missing result for call b was not synthesized")
	}
	if !synth.IsError || !strings.Contains(synth.Content, "read_file") {
		t.Errorf("synthesized result = %+v", synth)
	}
}

func TestSanitizeKeepsValidPairs(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "go"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "x", Name: "glob"}}},
		{Role: "tool", ToolCallID: "x", Content: "main.go"},
		{Role: "assistant", Content: "found it"},
	}
	out := sanitizeHistory(msgs)
	if len(out) != len(msgs) {
		t.Errorf("valid history mutated: %d -> %d", len(msgs), len(out))
	}
}

func TestCleanAssistantText(t *testing.T) {
	in := "<thinking>private</thinking>The fix is in main.go.\n\n<final>done</final>"
	got := cleanAssistantText(in)
	if strings.Contains(got, "private") || strings.Contains(got, "<final>") {
		t.Errorf("artifacts survived: %q", got)
	}
	if !strings.Contains(got, "The fix is in main.go.") {
		t.Errorf("content lost: %q", got)
	}
}

func TestCleanAssistantTextDropsRepeatedBlocks(t *testing.T) {
	block := strings.Repeat("the same long paragraph repeated verbatim ", 3)
	in := block + "\n\n" + block
	got := cleanAssistantText(in)
	if strings.Count(got, strings.TrimSpace(block)) != 1 {
		t.Errorf("duplicate block kept: %q", got)
	}
}

func TestEstimatorCalibration(t *testing.T) {
	e := newTokenEstimator()
	msgs := []providers.Message{{Role: "user", Content: strings.Repeat("a", 4000)}}
	before := e.Estimate(msgs)

	// Provider reports fewer tokens than the initial guess implies.
	e.Calibrate(4000, 500)
	after := e.Estimate(msgs)
	if after >= before {
		t.Errorf("calibration had no effect: before=%d after=%d", before, after)
	}

	// Implausible ratios are rejected.
	e.Calibrate(4000, 1)
	if e.Estimate(msgs) == 0 {
		t.Error("absurd calibration accepted")
	}
}
