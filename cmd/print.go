package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/whale-sh/whale/internal/agent"
	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/internal/store"
)

// runPrint executes one prompt headlessly and returns the process exit
// code: 0 ok, 1 error, 2 budget exceeded, 130 interrupted.
func runPrint(prompt string) int {
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "whale:", err)
			return 1
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "whale: no prompt (pass one as an argument or on stdin)")
		return 1
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "whale:", err)
		return 1
	}
	// Headless runs have nobody to confirm writes.
	if flagPermission == "" {
		cfg.PermissionMode = config.PermissionYolo
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := buildEngine(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "whale:", err)
		return 1
	}
	defer e.close()

	session, err := resolveSession(e)
	if err != nil {
		fmt.Fprintln(os.Stderr, "whale:", err)
		return 1
	}
	e.bindSession(session, debugMode)

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	var render func(bus.Event)
	switch flagOutputFormat {
	case "text":
		render = func(ev bus.Event) {
			if ev.Type == bus.EventText && ev.AgentID == "" {
				out.WriteString(ev.Text)
				out.Flush()
			}
		}
	case "stream-json":
		enc := json.NewEncoder(out)
		render = func(ev bus.Event) {
			enc.Encode(streamEvent(ev))
			out.Flush()
		}
	case "json":
		// Nothing streamed; the result object prints at the end.
	default:
		fmt.Fprintf(os.Stderr, "whale: unknown output format %q\n", flagOutputFormat)
		return 1
	}

	// The bus delivers asynchronously; wait for the terminal event so the
	// tail of the stream is rendered before the process exits.
	terminal := make(chan struct{}, 1)
	e.events.Subscribe("print", func(ev bus.Event) {
		if render != nil {
			render(ev)
		}
		if ev.AgentID == "" && (ev.Type == bus.EventDone || ev.Type == bus.EventError) {
			select {
			case terminal <- struct{}{}:
			default:
			}
		}
	})

	loop := e.newLoop(session, cfg.PermissionMode, nil)
	result, runErr := loop.Run(ctx, prompt)

	select {
	case <-terminal:
	case <-time.After(2 * time.Second):
	}

	switch flagOutputFormat {
	case "text":
		out.WriteString("\n")
		if runErr != nil {
			fmt.Fprintln(os.Stderr, "whale:", runErr)
		}
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		enc.Encode(printResult(session, result, runErr))
	case "stream-json":
		// Terminal done/error events already streamed from the bus.
	}

	return exitCode(runErr)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch agent.KindOf(err) {
	case agent.KindBudgetExceeded:
		return 2
	case agent.KindCancelled:
		return 130
	}
	return 1
}

// printResult is the -p --output-format=json document.
func printResult(session *store.Session, result *agent.RunResult, runErr error) map[string]any {
	doc := map[string]any{
		"conversation_id": session.ID,
		"success":         runErr == nil,
	}
	if result != nil {
		doc["content"] = result.Content
		doc["turns"] = result.Turns
		doc["input_tokens"] = result.InputTokens
		doc["output_tokens"] = result.OutputTokens
		doc["cost_usd"] = result.CostUSD
	}
	if runErr != nil {
		doc["error"] = runErr.Error()
		doc["error_kind"] = string(agent.KindOf(runErr))
	}
	return doc
}

// streamEvent flattens a bus event into one ndjson line.
func streamEvent(ev bus.Event) map[string]any {
	doc := map[string]any{"type": string(ev.Type)}
	if ev.AgentID != "" {
		doc["agent_id"] = ev.AgentID
	}
	switch {
	case ev.Type == bus.EventText || ev.Type == bus.EventThinking:
		doc["text"] = ev.Text
	case ev.Tool != nil:
		doc["tool"] = ev.Tool
	case ev.Usage != nil:
		doc["usage"] = ev.Usage
	case ev.Compact != nil:
		doc["compact"] = ev.Compact
	case ev.Done != nil:
		doc["done"] = ev.Done
	case ev.Err != nil:
		doc["error"] = ev.Err
	case ev.Subagent != nil:
		doc["subagent"] = ev.Subagent
	case ev.Team != nil:
		doc["team"] = ev.Team
	}
	return doc
}

// resolveSession picks the conversation for this run from the resume,
// continue, and session-id flags.
func resolveSession(e *engine) (*store.Session, error) {
	switch {
	case flagResume != "":
		return e.sessions.Load(flagResume)
	case flagContinue:
		infos, err := e.sessions.List()
		if err != nil {
			return nil, err
		}
		if len(infos) == 0 {
			return nil, errors.New("no conversation to continue")
		}
		return e.sessions.Load(infos[0].ID)
	}
	session := store.NewSession()
	if flagSessionID != "" {
		session.ID = flagSessionID
	}
	return session, nil
}
