package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/whale-sh/whale/internal/config"
)

// Hook events.
const (
	HookPreTool    = "pre_tool"
	HookPostTool   = "post_tool"
	HookUserPrompt = "user_prompt"
)

const hookTimeout = 10 * time.Second

// blockMarker in hook output vetoes the action, as does exit code 77.
const (
	blockMarker   = "[blocked]"
	blockExitCode = 77
)

// HookRunner executes user-configured shell hooks around tool calls.
type HookRunner struct {
	hooks []config.HookSpec
	cwd   string
}

func NewHookRunner(hooks []config.HookSpec, cwd string) *HookRunner {
	return &HookRunner{hooks: hooks, cwd: cwd}
}

// HookInput is the payload passed to a hook via environment variables.
type HookInput struct {
	Event      string
	ToolName   string
	ToolInput  map[string]any
	ToolOutput string
	FilePath   string
	UserPrompt string
}

// Run executes every hook matching the event and tool name. It returns a
// non-empty block reason if any hook vetoed the action. Hook failures other
// than a veto are logged and ignored.
func (h *HookRunner) Run(ctx context.Context, in HookInput) (blockReason string) {
	for _, spec := range h.hooks {
		if spec.Event != in.Event {
			continue
		}
		if !matchesTool(spec.Matcher, in.ToolName) {
			continue
		}
		if reason := h.runOne(ctx, spec, in); reason != "" {
			return reason
		}
	}
	return ""
}

func matchesTool(matcher, tool string) bool {
	if matcher == "" || matcher == "*" {
		return true
	}
	ok, err := filepath.Match(matcher, tool)
	return err == nil && ok
}

func (h *HookRunner) runOne(ctx context.Context, spec config.HookSpec, in HookInput) string {
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
	cmd.Dir = h.cwd
	cmd.Env = append(os.Environ(), hookEnv(in, h.cwd)...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := strings.TrimSpace(out.String())

	if strings.Contains(output, blockMarker) {
		return blockReasonFrom(output)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == blockExitCode {
		if output != "" {
			return output
		}
		return fmt.Sprintf("blocked by hook: %s", spec.Command)
	}
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		slog.Warn("hook timed out", "command", spec.Command, "event", in.Event)
	} else if err != nil {
		slog.Warn("hook failed", "command", spec.Command, "event", in.Event, "error", err)
	}
	return ""
}

// blockReasonFrom extracts the text after the block marker, or the full
// output when the marker carries no message.
func blockReasonFrom(output string) string {
	if idx := strings.Index(output, blockMarker); idx >= 0 {
		rest := strings.TrimSpace(output[idx+len(blockMarker):])
		if rest != "" {
			return rest
		}
	}
	return output
}

func hookEnv(in HookInput, cwd string) []string {
	inputJSON, _ := json.Marshal(in.ToolInput)
	env := []string{
		"WHALE_EVENT=" + in.Event,
		"WHALE_TOOL_NAME=" + in.ToolName,
		"WHALE_TOOL_INPUT=" + string(inputJSON),
		"WHALE_CWD=" + cwd,
	}
	if in.ToolOutput != "" {
		outJSON, _ := json.Marshal(in.ToolOutput)
		env = append(env, "WHALE_TOOL_OUTPUT="+string(outJSON))
	}
	if path, ok := in.ToolInput["path"].(string); ok {
		env = append(env, "WHALE_FILE_PATH="+path)
	} else if path, ok := in.ToolInput["file_path"].(string); ok {
		env = append(env, "WHALE_FILE_PATH="+path)
	}
	if in.UserPrompt != "" {
		env = append(env, "WHALE_USER_PROMPT="+in.UserPrompt)
	}
	return env
}
