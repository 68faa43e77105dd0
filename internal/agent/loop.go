// Package agent runs the turn loop: one user message in, a stream of
// events out, and exactly one terminal event per run.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/internal/loopdetect"
	"github.com/whale-sh/whale/internal/providers"
	"github.com/whale-sh/whale/internal/store"
	"github.com/whale-sh/whale/internal/store/debuglog"
	"github.com/whale-sh/whale/internal/tools"
	"github.com/whale-sh/whale/internal/tracing"
)

const defaultMaxTurns = 50

// LoopConfig wires a Loop.
type LoopConfig struct {
	Config       *config.Config
	Provider     providers.Provider
	Dispatcher   *tools.Dispatcher
	Detector     *loopdetect.Detector
	Publisher    bus.Publisher
	Sessions     store.SessionStore // nil for ephemeral runs
	Session      *store.Session
	Hooks        *tools.HookRunner
	Debug        *debuglog.Logger
	SystemPrompt string
}

// Loop drives one conversation: request, stream, dispatch, repeat.
type Loop struct {
	cfg        *config.Config
	provider   providers.Provider
	dispatcher *tools.Dispatcher
	detector   *loopdetect.Detector
	pub        bus.Publisher
	sessions   store.SessionStore
	session    *store.Session
	hooks      *tools.HookRunner
	debug      *debuglog.Logger
	system     string
	est        *tokenEstimator
}

func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{
		cfg:        cfg.Config,
		provider:   cfg.Provider,
		dispatcher: cfg.Dispatcher,
		detector:   cfg.Detector,
		pub:        cfg.Publisher,
		sessions:   cfg.Sessions,
		session:    cfg.Session,
		hooks:      cfg.Hooks,
		debug:      cfg.Debug,
		system:     cfg.SystemPrompt,
		est:        newTokenEstimator(),
	}
}

// Session returns the conversation the loop mutates.
func (l *Loop) Session() *store.Session { return l.session }

// RunResult summarizes a successful run.
type RunResult struct {
	Content      string
	Turns        int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Run processes one user message to completion. It publishes exactly one
// terminal event: done on success, error otherwise. The returned error
// carries the same kind as the error event.
func (l *Loop) Run(ctx context.Context, prompt string) (*RunResult, error) {
	ctx, span := tracing.StartRun(ctx, l.session.ID)
	defer span.End()

	if l.hooks != nil {
		if reason := l.hooks.Run(ctx, tools.HookInput{Event: tools.HookUserPrompt, UserPrompt: prompt}); reason != "" {
			return nil, l.fail(NewError(KindInvalidInput, "prompt blocked by hook: %s", reason))
		}
	}

	l.session.SetTitleFromPrompt(prompt)
	l.session.Messages = append(l.session.Messages, providers.Message{Role: "user", Content: prompt})
	l.save()

	maxTurns := l.cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	var finalContent string
	startTurns := l.session.TurnCount

	for turn := 1; turn <= maxTurns; turn++ {
		if ctx.Err() != nil {
			return nil, l.fail(WrapError(KindCancelled, ctx.Err(), "run aborted"))
		}

		if l.shouldCompact(l.session.Messages) {
			if err := l.compact(ctx); err != nil {
				// A failed compaction is not terminal; the request may
				// still fit.
				slog.Warn("compaction failed", "error", err)
			}
		}

		resp, err := l.requestTurn(ctx, turn)
		if err != nil {
			return nil, l.fail(classifyLLMError(err))
		}

		assistant := providers.Message{
			Role:      "assistant",
			Content:   cleanAssistantText(resp.Content),
			ToolCalls: resp.ToolCalls,
		}
		l.session.Messages = append(l.session.Messages, assistant)
		l.session.TurnCount++
		finalContent = assistant.Content

		if l.overBudget() {
			l.save()
			return nil, l.fail(NewError(KindBudgetExceeded,
				"session cost $%.4f exceeded the $%.2f budget", l.session.CostUSD, l.cfg.MaxBudgetUSD))
		}

		if len(resp.ToolCalls) == 0 {
			l.save()
			return l.finish(finalContent, l.session.TurnCount-startTurns), nil
		}

		outcomes := l.dispatcher.Dispatch(ctx, resp.ToolCalls)
		for _, out := range outcomes {
			l.recordToolSpan(ctx, out)
			l.session.Messages = append(l.session.Messages, providers.Message{
				Role:       "tool",
				ToolCallID: out.Call.ID,
				Content:    out.Result.ForLLM,
				IsError:    out.Result.IsError,
			})
		}

		if v := l.detector.EndTurn(); v.Blocked {
			l.save()
			return nil, l.fail(NewError(KindBailed, "%s", v.Reason))
		}
		l.detector.ResetTurn()
		l.save()
	}

	l.save()
	return nil, l.fail(NewError(KindTurnLimit, "run stopped after %d turns without completing", maxTurns))
}

// requestTurn builds and streams one provider request, forwarding deltas
// to the bus. The assistant message is committed by the caller only after
// the stream ends cleanly.
func (l *Loop) requestTurn(ctx context.Context, turn int) (*providers.ChatResponse, error) {
	history := sanitizeHistory(l.session.Messages)
	messages := make([]providers.Message, 0, len(history)+1)
	if l.system != "" {
		messages = append(messages, providers.Message{Role: "system", Content: l.system})
	}
	messages = append(messages, history...)

	req := providers.ChatRequest{
		Model:    l.cfg.Model,
		Messages: messages,
		Tools:    l.dispatcher.Definitions(),
		Options:  l.requestOptions(),
	}

	ctx, span := tracing.StartLLMCall(ctx, l.provider.Name(), l.cfg.Model, turn)
	defer span.End()

	start := time.Now()
	resp, err := l.provider.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
		switch {
		case chunk.Content != "":
			l.publish(bus.Event{Type: bus.EventText, Text: chunk.Content})
		case chunk.Thinking != "":
			l.publish(bus.Event{Type: bus.EventThinking, Text: chunk.Thinking})
		}
	})
	if err != nil {
		return nil, err
	}

	if resp.Usage != nil {
		l.addUsage(resp.Model, resp.Usage)
		l.est.Calibrate(messageChars(messages), resp.Usage.PromptTokens)
		tracing.RecordUsage(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
			providers.CostUSD(resp.Model, resp.Usage))
	}
	if l.debug != nil {
		l.debug.Event("llm_response", map[string]any{
			"turn": turn, "model": resp.Model, "finish": resp.FinishReason,
			"tool_calls": len(resp.ToolCalls), "duration_ms": time.Since(start).Milliseconds(),
		})
	}
	return resp, nil
}

func (l *Loop) requestOptions() map[string]any {
	opts := map[string]any{}
	if l.cfg.MaxTokens > 0 {
		opts[providers.OptMaxTokens] = l.cfg.MaxTokens
	}
	if l.cfg.Temperature > 0 {
		opts[providers.OptTemperature] = l.cfg.Temperature
	}
	if l.cfg.Effort != "" {
		opts[providers.OptEffort] = l.cfg.Effort
	}
	return opts
}

// addUsage folds one request's usage into the session counters and reports
// it on the bus.
func (l *Loop) addUsage(model string, u *providers.Usage) {
	cost := providers.CostUSD(model, u)
	l.session.TotalInputTokens += u.PromptTokens
	l.session.TotalOutputTokens += u.CompletionTokens
	l.session.CostUSD += cost
	l.publish(bus.Event{Type: bus.EventUsage, Usage: &bus.UsageEvent{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		CostUSD:      cost,
	}})
}

func (l *Loop) overBudget() bool {
	return l.cfg.MaxBudgetUSD > 0 && l.session.CostUSD > l.cfg.MaxBudgetUSD
}

// recordToolSpan emits a post-hoc span for one dispatched call. Execution
// already happened inside the dispatcher; the span carries the metadata.
func (l *Loop) recordToolSpan(ctx context.Context, out tools.Outcome) {
	_, span := tracing.StartToolCall(ctx, out.Call.Name, out.Call.ID)
	span.SetAttributes(
		attribute.Int64("tool.duration_ms", out.DurationMs),
		attribute.Bool("tool.is_error", out.Result.IsError),
		attribute.Bool("tool.blocked", out.Blocked),
	)
	span.End()
}

// finish emits the successful terminal event.
func (l *Loop) finish(content string, turns int) *RunResult {
	l.publish(bus.Event{Type: bus.EventDone, Done: &bus.DoneEvent{
		ConversationID: l.session.ID,
		InputTokens:    l.session.TotalInputTokens,
		OutputTokens:   l.session.TotalOutputTokens,
		CostUSD:        l.session.CostUSD,
		Turns:          turns,
	}})
	return &RunResult{
		Content:      content,
		Turns:        turns,
		InputTokens:  l.session.TotalInputTokens,
		OutputTokens: l.session.TotalOutputTokens,
		CostUSD:      l.session.CostUSD,
	}
}

// fail emits the abnormal terminal event and returns err unchanged.
func (l *Loop) fail(err *Error) error {
	l.publish(bus.Event{Type: bus.EventError, Err: &bus.ErrorEvent{
		Kind:    string(err.Kind),
		Message: err.Message,
	}})
	if l.debug != nil {
		l.debug.Event("run_error", map[string]any{"kind": string(err.Kind), "message": err.Message})
	}
	return err
}

func (l *Loop) publish(ev bus.Event) {
	if l.pub == nil {
		return
	}
	l.pub.Publish(ev)
}

func (l *Loop) save() {
	if l.sessions == nil {
		return
	}
	l.session.Touch()
	if err := l.sessions.Save(l.session); err != nil {
		slog.Warn("session save failed", "session", l.session.ID, "error", err)
	}
}

// classifyLLMError maps a provider failure onto a terminal kind.
func classifyLLMError(err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindCancelled, err, "run aborted")
	}
	var he *providers.HTTPError
	if errors.As(err, &he) && he.Retryable() {
		return WrapError(KindLLMTransient, err, "provider unavailable after retries")
	}
	return WrapError(KindLLMFatal, err, "llm request failed")
}
