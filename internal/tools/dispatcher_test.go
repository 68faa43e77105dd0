package tools

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/internal/loopdetect"
	"github.com/whale-sh/whale/internal/providers"
)

// fakeTool executes fn, defaulting to an echo of its "v" argument.
type fakeTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) *Result
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }
func (f *fakeTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{
		"v": map[string]any{"type": "string"},
	}}
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]any) *Result {
	if f.fn != nil {
		return f.fn(ctx, args)
	}
	v, _ := args["v"].(string)
	return SilentResult("echo:" + v)
}

func newTestDispatcher(t *testing.T, reg *Registry, mode string) *Dispatcher {
	t.Helper()
	return NewDispatcher(DispatcherConfig{
		Registry: reg,
		Detector: loopdetect.New(),
		Mode:     mode,
	})
}

func TestDispatchPreservesRequestOrder(t *testing.T) {
	reg := NewRegistry()
	// Earlier calls sleep longer so completion order inverts request order.
	for i := 0; i < 4; i++ {
		idx := i
		reg.Register(&fakeTool{
			name: fmt.Sprintf("tool%d", idx),
			fn: func(ctx context.Context, args map[string]any) *Result {
				time.Sleep(time.Duration(40-idx*10) * time.Millisecond)
				return SilentResult(fmt.Sprintf("result%d", idx))
			},
		}, Meta{ReadOnly: true})
	}

	d := newTestDispatcher(t, reg, config.PermissionYolo)
	var calls []providers.ToolCall
	for i := 0; i < 4; i++ {
		calls = append(calls, providers.ToolCall{
			ID:        fmt.Sprintf("c%d", i),
			Name:      fmt.Sprintf("tool%d", i),
			Arguments: map[string]any{},
		})
	}

	outcomes := d.Dispatch(context.Background(), calls)
	for i, out := range outcomes {
		want := fmt.Sprintf("result%d", i)
		if out.Result.ForLLM != want {
			t.Errorf("outcome %d = %q, want %q", i, out.Result.ForLLM, want)
		}
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newTestDispatcher(t, NewRegistry(), config.PermissionYolo)
	outcomes := d.Dispatch(context.Background(), []providers.ToolCall{
		{ID: "1", Name: "nope", Arguments: map[string]any{}},
	})
	if !outcomes[0].Result.IsError {
		t.Fatal("expected error for unknown tool")
	}
}

func TestDispatchBlocksRepeatedIdenticalCalls(t *testing.T) {
	reg := NewRegistry()
	var executed atomic.Int32
	reg.Register(&fakeTool{
		name: "probe",
		fn: func(ctx context.Context, args map[string]any) *Result {
			executed.Add(1)
			return SilentResult("ok")
		},
	}, Meta{ReadOnly: true})
	d := newTestDispatcher(t, reg, config.PermissionYolo)

	args := map[string]any{"v": "same"}
	for i := 0; i < 3; i++ {
		outs := d.Dispatch(context.Background(), []providers.ToolCall{
			{ID: fmt.Sprintf("c%d", i), Name: "probe", Arguments: args},
		})
		if outs[0].Result.IsError {
			t.Fatalf("call %d blocked early: %s", i, outs[0].Result.ForLLM)
		}
	}
	outs := d.Dispatch(context.Background(), []providers.ToolCall{
		{ID: "c4", Name: "probe", Arguments: args},
	})
	if !outs[0].Result.IsError || !outs[0].Blocked {
		t.Fatal("4th identical call should be blocked")
	}
	if executed.Load() != 3 {
		t.Errorf("executed %d times, want 3", executed.Load())
	}
}

func TestDispatchPlanModeSynthesizesResult(t *testing.T) {
	reg := NewRegistry()
	var executed atomic.Int32
	reg.Register(&fakeTool{
		name: "write_thing",
		fn: func(ctx context.Context, args map[string]any) *Result {
			executed.Add(1)
			return SilentResult("wrote")
		},
	}, Meta{ReadOnly: false})
	d := newTestDispatcher(t, reg, config.PermissionPlan)

	outs := d.Dispatch(context.Background(), []providers.ToolCall{
		{ID: "1", Name: "write_thing", Arguments: map[string]any{}},
	})
	if outs[0].Result.IsError {
		t.Fatalf("plan mode result should not be an error: %s", outs[0].Result.ForLLM)
	}
	if executed.Load() != 0 {
		t.Error("mutating tool executed in plan mode")
	}
}

func TestDispatchDefaultModeConfirms(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "write_thing"}, Meta{ReadOnly: false})
	declined := NewDispatcher(DispatcherConfig{
		Registry: reg,
		Detector: loopdetect.New(),
		Mode:     config.PermissionDefault,
		Confirm: func(ctx context.Context, name string, input map[string]any) bool {
			return false
		},
	})
	outs := declined.Dispatch(context.Background(), []providers.ToolCall{
		{ID: "1", Name: "write_thing", Arguments: map[string]any{"v": "x"}},
	})
	if !outs[0].Result.IsError {
		t.Fatal("declined call should error")
	}
}

func TestDispatchDenyListWins(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "risky"}, Meta{ReadOnly: true})
	d := NewDispatcher(DispatcherConfig{
		Registry:   reg,
		Detector:   loopdetect.New(),
		Mode:       config.PermissionYolo,
		Allowed:    []string{"risky"},
		Disallowed: []string{"risky"},
	})
	outs := d.Dispatch(context.Background(), []providers.ToolCall{
		{ID: "1", Name: "risky", Arguments: map[string]any{}},
	})
	if !outs[0].Result.IsError {
		t.Fatal("disallowed tool should be rejected even when allowed")
	}
}

func TestDispatchRequiresStoreContext(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "store_op"}, Meta{ReadOnly: true, RequiresStoreContext: true})
	d := newTestDispatcher(t, reg, config.PermissionYolo)
	outs := d.Dispatch(context.Background(), []providers.ToolCall{
		{ID: "1", Name: "store_op", Arguments: map[string]any{}},
	})
	if !outs[0].Result.IsError {
		t.Fatal("store-context tool should error without a store")
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{
		name: "boom",
		fn: func(ctx context.Context, args map[string]any) *Result {
			panic("kaboom")
		},
	}, Meta{ReadOnly: true})
	d := newTestDispatcher(t, reg, config.PermissionYolo)
	outs := d.Dispatch(context.Background(), []providers.ToolCall{
		{ID: "1", Name: "boom", Arguments: map[string]any{}},
	})
	if !outs[0].Result.IsError {
		t.Fatal("panicking tool should yield an error result")
	}
}
