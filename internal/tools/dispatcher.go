package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/internal/loopdetect"
	"github.com/whale-sh/whale/internal/providers"
)

// ConfirmFunc asks the user to approve a mutating tool call. Returning
// false blocks the call.
type ConfirmFunc func(ctx context.Context, name string, input map[string]any) bool

// Outcome is one dispatched call with its result, in request order.
type Outcome struct {
	Call       providers.ToolCall
	Result     *Result
	Blocked    bool
	DurationMs int64

	executed bool
}

// Dispatcher resolves and executes tool calls from one model turn.
type Dispatcher struct {
	registry   *Registry
	detector   *loopdetect.Detector
	hooks      *HookRunner
	pub        bus.Publisher
	mode       string
	allowed    []string
	disallowed []string
	confirm    ConfirmFunc
	hasStore   bool
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Registry   *Registry
	Detector   *loopdetect.Detector
	Hooks      *HookRunner
	Publisher  bus.Publisher
	Mode       string
	Allowed    []string
	Disallowed []string
	Confirm    ConfirmFunc
	HasStore   bool
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	mode := cfg.Mode
	if mode == "" {
		mode = config.PermissionDefault
	}
	return &Dispatcher{
		registry:   cfg.Registry,
		detector:   cfg.Detector,
		hooks:      cfg.Hooks,
		pub:        cfg.Publisher,
		mode:       mode,
		allowed:    cfg.Allowed,
		disallowed: cfg.Disallowed,
		confirm:    cfg.Confirm,
		hasStore:   cfg.HasStore,
	}
}

// Definitions returns the tool definitions visible to the model under the
// current allow/deny lists.
func (d *Dispatcher) Definitions() []providers.ToolDefinition {
	return d.registry.Definitions(d.allowed, d.disallowed)
}

// Dispatch executes all tool calls of one turn. Calls run concurrently, but
// outcomes are returned in the order the model requested them, and the loop
// detector's RecordCall runs sequentially before each launch so Block
// decisions are deterministic.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []providers.ToolCall) []Outcome {
	outcomes := make([]Outcome, len(calls))

	type job struct {
		idx  int
		tool Tool
	}
	var jobs []job

	for i, call := range calls {
		outcomes[i].Call = call
		d.publishToolStart(call)

		tool, res, blocked := d.gate(ctx, call)
		if res != nil {
			outcomes[i].Result = res
			outcomes[i].Blocked = blocked
			continue
		}
		jobs = append(jobs, job{idx: i, tool: tool})
	}

	type execResult struct {
		idx        int
		result     *Result
		durationMs int64
	}
	resultCh := make(chan execResult, len(jobs))
	for _, j := range jobs {
		go func(j job) {
			start := time.Now()
			res := safeExecute(ctx, j.tool, outcomes[j.idx].Call.Arguments)
			resultCh <- execResult{idx: j.idx, result: res, durationMs: time.Since(start).Milliseconds()}
		}(j)
	}

	collected := make([]execResult, 0, len(jobs))
	for range jobs {
		collected = append(collected, <-resultCh)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	for _, er := range collected {
		outcomes[er.idx].Result = er.result
		outcomes[er.idx].DurationMs = er.durationMs
		outcomes[er.idx].executed = true
	}

	// Commit phase: record executed results and emit tool_end in request order.
	for i := range outcomes {
		out := &outcomes[i]
		if out.executed {
			d.detector.RecordResult(out.Call.Name, !out.Result.IsError, out.Call.Arguments)
			d.runPostHook(ctx, out)
		}
		d.publishToolEnd(out)
	}
	return outcomes
}

// gate runs the sequential pre-execution pipeline for one call. A non-nil
// result short-circuits execution; blocked marks loop-detector and hook
// vetoes (which skip RecordResult).
func (d *Dispatcher) gate(ctx context.Context, call providers.ToolCall) (Tool, *Result, bool) {
	tool, meta, ok := d.registry.Get(call.Name)
	if !ok {
		return nil, ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name)), false
	}
	if d.denied(call.Name) {
		return nil, ErrorResult(fmt.Sprintf("tool %s is not allowed in this session", call.Name)), false
	}
	if err := ValidateInput(call.Name, tool.Parameters(), call.Arguments); err != nil {
		return nil, ErrorResult(err.Error()), false
	}
	if meta.RequiresStoreContext && !d.hasStore {
		return nil, ErrorResult(fmt.Sprintf("%s requires an active conversation store; none is bound", call.Name)), false
	}

	if v := d.detector.RecordCall(call.Name, call.Arguments); v.Blocked {
		return nil, ErrorResult(v.Reason), true
	}

	if !meta.ReadOnly {
		switch d.mode {
		case config.PermissionPlan:
			return nil, SilentResult(fmt.Sprintf("%s was not executed: the session is in plan mode; describe the change instead", call.Name)), false
		case config.PermissionDefault:
			if d.confirm != nil && !d.confirm(ctx, call.Name, call.Arguments) {
				return nil, ErrorResult(fmt.Sprintf("%s was declined by the user", call.Name)), true
			}
		}
	}

	if d.hooks != nil {
		reason := d.hooks.Run(ctx, HookInput{
			Event:     HookPreTool,
			ToolName:  call.Name,
			ToolInput: call.Arguments,
		})
		if reason != "" {
			return nil, ErrorResult("blocked by hook: " + reason), true
		}
	}
	return tool, nil, false
}

func (d *Dispatcher) runPostHook(ctx context.Context, out *Outcome) {
	if d.hooks == nil || out.Result == nil {
		return
	}
	d.hooks.Run(ctx, HookInput{
		Event:      HookPostTool,
		ToolName:   out.Call.Name,
		ToolInput:  out.Call.Arguments,
		ToolOutput: out.Result.ForLLM,
	})
}

func (d *Dispatcher) denied(name string) bool {
	for _, n := range d.disallowed {
		if n == name {
			return true
		}
	}
	if len(d.allowed) == 0 {
		return false
	}
	for _, n := range d.allowed {
		if n == name {
			return false
		}
	}
	return true
}

// safeExecute shields the loop from a panicking tool.
func safeExecute(ctx context.Context, tool Tool, args map[string]any) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", tool.Name(), "panic", r)
			res = ErrorResult(fmt.Sprintf("%s crashed: %v", tool.Name(), r))
		}
	}()
	res = tool.Execute(ctx, args)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("%s returned no result", tool.Name()))
	}
	return res
}

func (d *Dispatcher) publishToolStart(call providers.ToolCall) {
	if d.pub == nil {
		return
	}
	input, _ := json.Marshal(call.Arguments)
	d.pub.Publish(bus.Event{
		Type: bus.EventToolStart,
		Tool: &bus.ToolEvent{ID: call.ID, Name: call.Name, Input: string(input)},
	})
}

func (d *Dispatcher) publishToolEnd(out *Outcome) {
	if d.pub == nil {
		return
	}
	d.pub.Publish(bus.Event{
		Type: bus.EventToolEnd,
		Tool: &bus.ToolEvent{
			ID:         out.Call.ID,
			Name:       out.Call.Name,
			Result:     out.Result.ForLLM,
			IsError:    out.Result.IsError,
			DurationMs: out.DurationMs,
		},
	})
}
