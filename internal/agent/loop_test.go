package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/internal/loopdetect"
	"github.com/whale-sh/whale/internal/providers"
	"github.com/whale-sh/whale/internal/store"
	"github.com/whale-sh/whale/internal/tools"
)

// scriptedProvider replays canned responses and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	err       error
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.ChatStream(ctx, req, func(providers.StreamChunk) {})
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	if resp.Content != "" {
		onChunk(providers.StreamChunk{Content: resp.Content})
	}
	onChunk(providers.StreamChunk{Done: true})
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

// collector is a synchronous Publisher for assertions.
type collector struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *collector) Publish(ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) terminals() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Event
	for _, ev := range c.events {
		if ev.Type == bus.EventDone || ev.Type == bus.EventError {
			out = append(out, ev)
		}
	}
	return out
}

type stubTool struct {
	name string
	fn   func(args map[string]any) *tools.Result
}

func (t *stubTool) Name() string               { return t.name }
func (t *stubTool) Description() string        { return "stub" }
func (t *stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *stubTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	return t.fn(args)
}

func newTestLoop(t *testing.T, p providers.Provider, reg *tools.Registry, pub bus.Publisher, cfg *config.Config) *Loop {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{Model: "test-model"}
	}
	det := loopdetect.New()
	disp := tools.NewDispatcher(tools.DispatcherConfig{
		Registry:  reg,
		Detector:  det,
		Publisher: pub,
		Mode:      config.PermissionYolo,
	})
	return NewLoop(LoopConfig{
		Config:     cfg,
		Provider:   p,
		Dispatcher: disp,
		Detector:   det,
		Publisher:  pub,
		Session:    store.NewSession(),
	})
}

func TestRunPlainAnswer(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "four", FinishReason: "stop", Model: "test-model",
			Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 2}},
	}}
	pub := &collector{}
	l := newTestLoop(t, p, tools.NewRegistry(), pub, nil)

	res, err := l.Run(context.Background(), "what is 2+2")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "four" || res.Turns != 1 {
		t.Errorf("result = %+v", res)
	}
	terms := pub.terminals()
	if len(terms) != 1 || terms[0].Type != bus.EventDone {
		t.Fatalf("terminals = %+v", terms)
	}
	if l.Session().TotalInputTokens != 10 || l.Session().TotalOutputTokens != 2 {
		t.Errorf("usage not accumulated: %+v", l.Session())
	}
	if l.Session().Title == "" {
		t.Error("title not set from prompt")
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "lookup", fn: func(args map[string]any) *tools.Result {
		return tools.NewResult("42")
	}}, tools.Meta{ReadOnly: true})

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{FinishReason: "tool_calls", ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "lookup", Arguments: map[string]any{"q": "answer"}},
		}},
		{Content: "the answer is 42", FinishReason: "stop"},
	}}
	pub := &collector{}
	l := newTestLoop(t, p, reg, pub, nil)

	res, err := l.Run(context.Background(), "look it up")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "the answer is 42" || res.Turns != 2 {
		t.Errorf("result = %+v", res)
	}

	// The second request must carry the tool result paired to c1.
	second := p.requests[1]
	found := false
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "c1" && m.Content == "42" {
			found = true
		}
	}
	if !found {
		t.Errorf("tool result missing from follow-up request: %+v", second.Messages)
	}
}

func TestRunParallelToolOrder(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "echo", fn: func(args map[string]any) *tools.Result {
		return tools.NewResult(args["v"].(string))
	}}, tools.Meta{ReadOnly: true})

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{FinishReason: "tool_calls", ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo", Arguments: map[string]any{"v": "first"}},
			{ID: "c2", Name: "echo", Arguments: map[string]any{"v": "second"}},
			{ID: "c3", Name: "echo", Arguments: map[string]any{"v": "third"}},
		}},
		{Content: "done", FinishReason: "stop"},
	}}
	l := newTestLoop(t, p, reg, &collector{}, nil)

	if _, err := l.Run(context.Background(), "echo all"); err != nil {
		t.Fatal(err)
	}

	var order []string
	for _, m := range p.requests[1].Messages {
		if m.Role == "tool" {
			order = append(order, m.Content)
		}
	}
	want := []string{"first", "second", "third"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("tool results out of request order: %v", order)
	}
}

func TestRunTurnLimit(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "spin", fn: func(args map[string]any) *tools.Result {
		return tools.NewResult("ok")
	}}, tools.Meta{ReadOnly: true})

	// The model keeps calling tools forever, with varying input so the
	// loop detector does not trip first.
	var responses []*providers.ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, &providers.ChatResponse{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "c", Name: "spin", Arguments: map[string]any{"i": i}},
			},
		})
	}
	p := &scriptedProvider{responses: responses}
	pub := &collector{}
	cfg := &config.Config{Model: "test-model", MaxTurns: 3}
	l := newTestLoop(t, p, reg, pub, cfg)

	_, err := l.Run(context.Background(), "spin")
	if KindOf(err) != KindTurnLimit {
		t.Fatalf("err = %v, want TurnLimit", err)
	}
	terms := pub.terminals()
	if len(terms) != 1 || terms[0].Err.Kind != string(KindTurnLimit) {
		t.Errorf("terminals = %+v", terms)
	}
}

func TestRunBudgetExceeded(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "pricey", FinishReason: "stop", Model: "claude-opus-4-20250514",
			Usage: &providers.Usage{PromptTokens: 1000000, CompletionTokens: 100000}},
	}}
	pub := &collector{}
	cfg := &config.Config{Model: "test-model", MaxBudgetUSD: 0.01}
	l := newTestLoop(t, p, tools.NewRegistry(), pub, cfg)

	_, err := l.Run(context.Background(), "expensive")
	if KindOf(err) != KindBudgetExceeded {
		t.Fatalf("err = %v, want BudgetExceeded", err)
	}
	if len(pub.terminals()) != 1 {
		t.Errorf("terminals = %+v", pub.terminals())
	}
}

func TestRunBailsAfterFailedTurns(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "flaky", fn: func(args map[string]any) *tools.Result {
		return tools.ErrorResult("boom")
	}}, tools.Meta{ReadOnly: true})

	var responses []*providers.ChatResponse
	for i := 0; i < 5; i++ {
		responses = append(responses, &providers.ChatResponse{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "c", Name: "flaky", Arguments: map[string]any{"i": i}},
			},
		})
	}
	p := &scriptedProvider{responses: responses}
	pub := &collector{}
	l := newTestLoop(t, p, reg, pub, nil)

	_, err := l.Run(context.Background(), "keep failing")
	if KindOf(err) != KindBailed {
		t.Fatalf("err = %v, want Bailed", err)
	}
}

func TestRunLLMFatal(t *testing.T) {
	p := &scriptedProvider{err: &providers.HTTPError{Status: 400, Body: "bad request"}}
	pub := &collector{}
	l := newTestLoop(t, p, tools.NewRegistry(), pub, nil)

	_, err := l.Run(context.Background(), "hi")
	if KindOf(err) != KindLLMFatal {
		t.Fatalf("err = %v, want LLMFatal", err)
	}
}

func TestRunCancelled(t *testing.T) {
	p := &scriptedProvider{err: context.Canceled}
	pub := &collector{}
	l := newTestLoop(t, p, tools.NewRegistry(), pub, nil)

	_, err := l.Run(context.Background(), "hi")
	if KindOf(err) != KindCancelled {
		t.Fatalf("err = %v, want Cancelled", err)
	}
}

func TestCompactPreservesRecentUserMessage(t *testing.T) {
	long := strings.Repeat("output ", 200)
	var msgs []providers.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs,
			providers.Message{Role: "user", Content: "step " + long},
			providers.Message{Role: "assistant", Content: "done " + long},
		)
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: "the final question"})

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "a compact summary", FinishReason: "stop"},
	}}
	l := newTestLoop(t, p, tools.NewRegistry(), &collector{}, nil)
	l.session.Messages = msgs

	if err := l.compact(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := l.session.Messages
	if len(got) >= len(msgs) {
		t.Fatalf("no reduction: %d -> %d", len(msgs), len(got))
	}
	if !strings.Contains(got[0].Content, "a compact summary") {
		t.Errorf("head is not the summary: %q", got[0].Content)
	}
	last := got[len(got)-1]
	if last.Role != "user" || last.Content != "the final question" {
		t.Errorf("most recent user message lost, tail = %+v", last)
	}
	if l.session.CompactionCount != 1 {
		t.Errorf("compaction count = %d", l.session.CompactionCount)
	}
}

func TestManualCompact(t *testing.T) {
	long := strings.Repeat("text ", 100)
	var msgs []providers.Message
	for i := 0; i < 12; i++ {
		msgs = append(msgs,
			providers.Message{Role: "user", Content: "q " + long},
			providers.Message{Role: "assistant", Content: "a " + long},
		)
	}

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "summary on demand", FinishReason: "stop"},
	}}
	pub := &collector{}
	l := newTestLoop(t, p, tools.NewRegistry(), pub, nil)
	l.session.Messages = msgs

	// Well under the automatic threshold, but the user asked.
	if l.shouldCompact(msgs) {
		t.Fatal("history unexpectedly over the automatic threshold")
	}
	if err := l.Compact(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(l.session.Messages[0].Content, "summary on demand") {
		t.Errorf("head is not the summary: %q", l.session.Messages[0].Content)
	}
	if l.session.CompactionCount != 1 {
		t.Errorf("compaction count = %d", l.session.CompactionCount)
	}

	sawCompact := false
	pub.mu.Lock()
	for _, ev := range pub.events {
		if ev.Type == bus.EventCompact {
			sawCompact = true
		}
	}
	pub.mu.Unlock()
	if !sawCompact {
		t.Error("no compact event published")
	}
}

func TestManualCompactRejectsShortHistory(t *testing.T) {
	l := newTestLoop(t, &scriptedProvider{}, tools.NewRegistry(), &collector{}, nil)
	l.session.Messages = []providers.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	if err := l.Compact(context.Background()); err == nil {
		t.Fatal("compacting a short history succeeded")
	}
}
