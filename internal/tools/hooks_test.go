package tools

import (
	"context"
	"testing"

	"github.com/whale-sh/whale/internal/config"
)

func TestHookBlockMarkerVetoes(t *testing.T) {
	h := NewHookRunner([]config.HookSpec{
		{Event: HookPreTool, Command: `echo "[blocked] write not allowed here"`},
	}, t.TempDir())

	reason := h.Run(context.Background(), HookInput{
		Event:     HookPreTool,
		ToolName:  "write_file",
		ToolInput: map[string]any{"path": "x.txt"},
	})
	if reason == "" {
		t.Fatal("expected veto from block marker")
	}
	if reason != "write not allowed here" {
		t.Errorf("reason = %q", reason)
	}
}

func TestHookExitCodeVetoes(t *testing.T) {
	h := NewHookRunner([]config.HookSpec{
		{Event: HookPreTool, Command: "exit 77"},
	}, t.TempDir())

	reason := h.Run(context.Background(), HookInput{
		Event:     HookPreTool,
		ToolName:  "exec",
		ToolInput: map[string]any{"command": "ls"},
	})
	if reason == "" {
		t.Fatal("expected veto from exit 77")
	}
}

func TestHookOrdinaryFailureIgnored(t *testing.T) {
	h := NewHookRunner([]config.HookSpec{
		{Event: HookPreTool, Command: "exit 1"},
	}, t.TempDir())

	reason := h.Run(context.Background(), HookInput{
		Event:     HookPreTool,
		ToolName:  "exec",
		ToolInput: map[string]any{},
	})
	if reason != "" {
		t.Errorf("exit 1 should not veto, got %q", reason)
	}
}

func TestHookMatcherFiltersTools(t *testing.T) {
	h := NewHookRunner([]config.HookSpec{
		{Event: HookPreTool, Matcher: "write_*", Command: "exit 77"},
	}, t.TempDir())

	if reason := h.Run(context.Background(), HookInput{Event: HookPreTool, ToolName: "read_file", ToolInput: map[string]any{}}); reason != "" {
		t.Errorf("matcher should skip read_file, got %q", reason)
	}
	if reason := h.Run(context.Background(), HookInput{Event: HookPreTool, ToolName: "write_file", ToolInput: map[string]any{}}); reason == "" {
		t.Error("matcher should catch write_file")
	}
}

func TestHookEnvContract(t *testing.T) {
	h := NewHookRunner([]config.HookSpec{
		{Event: HookPreTool, Command: `[ "$WHALE_TOOL_NAME" = "write_file" ] && [ "$WHALE_FILE_PATH" = "a.txt" ] && [ -n "$WHALE_TOOL_INPUT" ] && [ -n "$WHALE_CWD" ] || echo "[blocked] env missing"`},
	}, t.TempDir())

	reason := h.Run(context.Background(), HookInput{
		Event:     HookPreTool,
		ToolName:  "write_file",
		ToolInput: map[string]any{"path": "a.txt", "content": "hi"},
	})
	if reason != "" {
		t.Errorf("env contract not satisfied: %q", reason)
	}
}
