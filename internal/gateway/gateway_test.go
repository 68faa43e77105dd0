package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/internal/store"
	"github.com/whale-sh/whale/internal/store/file"
	"github.com/whale-sh/whale/internal/tools"
	"github.com/whale-sh/whale/pkg/protocol"
)

func startServer(t *testing.T, run RunFunc) (*Client, *protocol.Frame) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sessions, err := file.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{Model: "test-model"}
	srv := NewServer(cfg, sessions, tools.NewRegistry(), run)

	addr, err := StartTestServer(ctx, srv)
	if err != nil {
		t.Fatal(err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	client, ready, err := Dial(dialCtx, "ws://"+addr+"/ws")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return client, ready
}

func TestReadyFrameOnConnect(t *testing.T) {
	_, ready := startServer(t, nil)
	if ready.Version != protocol.ProtocolVersion {
		t.Errorf("ready version = %d", ready.Version)
	}
	if ready.Model != "test-model" {
		t.Errorf("ready model = %q", ready.Model)
	}
}

func TestQueryStreamsToDone(t *testing.T) {
	run := func(ctx context.Context, session *store.Session, prompt string, pub bus.Publisher) error {
		pub.Publish(bus.Event{Type: bus.EventText, Text: "hello "})
		pub.Publish(bus.Event{Type: bus.EventText, Text: "world"})
		pub.Publish(bus.Event{Type: bus.EventDone, Done: &bus.DoneEvent{
			ConversationID: session.ID, Turns: 1, CostUSD: 0.01,
		}})
		return nil
	}
	client, _ := startServer(t, run)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Query(ctx, "hi"); err != nil {
		t.Fatal(err)
	}

	// started frame precedes the stream.
	f, err := client.Read(ctx)
	if err != nil || f.Type != protocol.FrameStarted {
		t.Fatalf("first frame = %+v err=%v", f, err)
	}

	var text strings.Builder
	terminal, err := client.Stream(ctx, &text)
	if err != nil {
		t.Fatal(err)
	}
	if terminal.Type != protocol.FrameDone || terminal.Usage.Turns != 1 {
		t.Errorf("terminal = %+v", terminal)
	}
	if text.String() != "hello world" {
		t.Errorf("text = %q", text.String())
	}
}

func TestAbortYieldsSingleTerminalFrame(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, session *store.Session, prompt string, pub bus.Publisher) error {
		close(started)
		<-ctx.Done()
		pub.Publish(bus.Event{Type: bus.EventError, Err: &bus.ErrorEvent{Kind: "Cancelled", Message: "run aborted"}})
		return ctx.Err()
	}
	client, _ := startServer(t, run)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Query(ctx, "spin forever"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("run never started")
	}

	if err := client.Abort(ctx); err != nil {
		t.Fatal(err)
	}

	// Drain until the first terminal frame; it must be aborted, not an
	// error wearing the Cancelled kind.
	var terminals []string
	for {
		f, err := client.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if f.Type == protocol.FrameDone || f.Type == protocol.FrameError || f.Type == protocol.FrameAborted {
			terminals = append(terminals, f.Type+"/"+f.Kind)
			break
		}
	}
	if terminals[0] != protocol.FrameAborted+"/" {
		t.Fatalf("terminal frame = %q, want aborted", terminals[0])
	}

	// No second terminal may follow for the same query.
	extraCtx, extraCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer extraCancel()
	if f, err := client.Read(extraCtx); err == nil {
		t.Fatalf("unexpected frame after aborted: %+v", f)
	}
}

func TestAbortWithoutRunAcksImmediately(t *testing.T) {
	client, _ := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Abort(ctx); err != nil {
		t.Fatal(err)
	}
	f, err := client.Read(ctx)
	if err != nil || f.Type != protocol.FrameAborted {
		t.Fatalf("frame = %+v err=%v", f, err)
	}
}

func TestSecondQueryWhileRunningRejected(t *testing.T) {
	release := make(chan struct{})
	run := func(ctx context.Context, session *store.Session, prompt string, pub bus.Publisher) error {
		<-release
		pub.Publish(bus.Event{Type: bus.EventDone, Done: &bus.DoneEvent{ConversationID: session.ID}})
		return nil
	}
	client, _ := startServer(t, run)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Query(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	if f, err := client.Read(ctx); err != nil || f.Type != protocol.FrameStarted {
		t.Fatalf("frame = %+v err=%v", f, err)
	}

	if err := client.Query(ctx, "second"); err != nil {
		t.Fatal(err)
	}
	f, err := client.Read(ctx)
	if err != nil || f.Type != protocol.FrameError || !strings.Contains(f.Error, "already running") {
		t.Fatalf("frame = %+v err=%v", f, err)
	}
}

func TestConversationLifecycle(t *testing.T) {
	client, _ := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.send(ctx, protocol.Inbound{Type: protocol.MsgNewConversation}); err != nil {
		t.Fatal(err)
	}
	created, err := client.Read(ctx)
	if err != nil || created.Type != protocol.FrameConversationCreated || created.ConversationID == "" {
		t.Fatalf("frame = %+v err=%v", created, err)
	}

	if err := client.send(ctx, protocol.Inbound{Type: protocol.MsgGetConversations}); err != nil {
		t.Fatal(err)
	}
	list, err := client.Read(ctx)
	if err != nil || list.Type != protocol.FrameConversations || len(list.Conversations) != 1 {
		t.Fatalf("frame = %+v err=%v", list, err)
	}

	if err := client.send(ctx, protocol.Inbound{Type: protocol.MsgLoadConversation, ConversationID: created.ConversationID}); err != nil {
		t.Fatal(err)
	}
	loaded, err := client.Read(ctx)
	if err != nil || loaded.Type != protocol.FrameConversationLoaded || loaded.ConversationID != created.ConversationID {
		t.Fatalf("frame = %+v err=%v", loaded, err)
	}
}

func TestToolResultTruncation(t *testing.T) {
	big := strings.Repeat("x", protocol.MaxResultBytes+100)
	run := func(ctx context.Context, session *store.Session, prompt string, pub bus.Publisher) error {
		pub.Publish(bus.Event{Type: bus.EventToolEnd, Tool: &bus.ToolEvent{ID: "t1", Name: "exec", Result: big}})
		pub.Publish(bus.Event{Type: bus.EventDone, Done: &bus.DoneEvent{ConversationID: session.ID}})
		return nil
	}
	client, _ := startServer(t, run)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Query(ctx, "big output"); err != nil {
		t.Fatal(err)
	}
	for {
		f, err := client.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if f.Type == protocol.FrameToolResult {
			if len(f.Tool.Result) > protocol.MaxResultBytes+len(protocol.TruncationMarker) {
				t.Errorf("result not truncated: %d bytes", len(f.Tool.Result))
			}
			if !strings.HasSuffix(f.Tool.Result, protocol.TruncationMarker) {
				t.Error("truncation marker missing")
			}
			return
		}
		if f.Type == protocol.FrameDone {
			t.Fatal("done before tool_result")
		}
	}
}
