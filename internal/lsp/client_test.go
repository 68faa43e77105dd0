package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// pipeServer is a scripted language server on in-memory pipes.
type pipeServer struct {
	in  *io.PipeReader // what the client wrote
	out *io.PipeWriter // what the server answers with
}

func newPipePair() (*client, *pipeServer) {
	clientToServer, clientIn := io.Pipe()
	serverOut, serverWrite := io.Pipe()
	c := newClient(clientIn, serverOut)
	return c, &pipeServer{in: clientToServer, out: serverWrite}
}

func (s *pipeServer) read(t *testing.T) *rpcMessage {
	t.Helper()
	msg, err := readMessage(bufio.NewReader(s.in))
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	return msg
}

func (s *pipeServer) send(t *testing.T, msg rpcMessage) {
	t.Helper()
	data, _ := json.Marshal(msg)
	fmt.Fprintf(s.out, "Content-Length: %d\r\n\r\n%s", len(data), data)
}

func TestCallRoundtrip(t *testing.T) {
	c, srv := newPipePair()
	defer c.close()

	go func() {
		req := srv.read(t)
		if req.Method != "textDocument/hover" {
			t.Errorf("method = %q", req.Method)
		}
		srv.send(t, rpcMessage{JSONRPC: "2.0", ID: req.ID,
			Result: json.RawMessage(`{"contents":{"kind":"markdown","value":"func Foo()"}}`)})
	}()

	var hover Hover
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Call(ctx, "textDocument/hover", map[string]any{}, &hover); err != nil {
		t.Fatal(err)
	}
	if hover.Contents.Value != "func Foo()" {
		t.Errorf("hover = %+v", hover)
	}
}

func TestCallServerError(t *testing.T) {
	c, srv := newPipePair()
	defer c.close()

	go func() {
		req := srv.read(t)
		srv.send(t, rpcMessage{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: -32601, Message: "method not found"}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Call(ctx, "nope", nil, nil)
	var re *rpcError
	if !errors.As(err, &re) || re.Code != -32601 {
		t.Fatalf("err = %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	c, srv := newPipePair()
	defer c.close()

	go func() { srv.read(t) }() // swallow the request, never answer

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "textDocument/definition", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// The pending entry must be gone so a late reply is discarded quietly.
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending entries leaked: %d", pending)
	}
}

func TestServerInitiatedConfigurationGetsNulls(t *testing.T) {
	c, srv := newPipePair()
	defer c.close()

	id := json.RawMessage(`"cfg-1"`)
	srv.send(t, rpcMessage{JSONRPC: "2.0", ID: &id, Method: "workspace/configuration",
		Params: json.RawMessage(`{"items":[{"section":"gopls"},{"section":"other"}]}`)})

	reply := srv.read(t)
	if reply.ID == nil || string(*reply.ID) != `"cfg-1"` {
		t.Fatalf("reply id = %v", reply.ID)
	}
	var result []any
	if err := json.Unmarshal(reply.Result, &result); err != nil || len(result) != 2 {
		t.Errorf("result = %s", reply.Result)
	}
}

func TestCallAfterServerDeath(t *testing.T) {
	c, srv := newPipePair()
	srv.out.Close() // server dies

	deadline := time.Now().Add(time.Second)
	for c.Alive() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Call(context.Background(), "textDocument/hover", nil, nil); !errors.Is(err, ErrServerDown) {
		t.Fatalf("err = %v, want ErrServerDown", err)
	}
}

func TestReadMessageRejectsMissingLength(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("X-Other: 1\r\n\r\n{}"))
	if _, err := readMessage(r); err == nil {
		t.Fatal("missing Content-Length accepted")
	}
}

func TestFormatLocationsGroupsByFile(t *testing.T) {
	root := "/proj"
	locs := []Location{
		{URI: "file:///proj/b.go", Range: Range{Start: Position{Line: 9, Character: 0}}},
		{URI: "file:///proj/a.go", Range: Range{Start: Position{Line: 4, Character: 2}}},
		{URI: "file:///proj/a.go", Range: Range{Start: Position{Line: 1, Character: 0}}},
	}
	out := formatLocations(locs, root)

	// Files sorted, lines sorted within a file, 1-based positions.
	wantOrder := []string{"a.go:", "line 2, col 1", "line 5, col 3", "b.go:", "line 10, col 1"}
	pos := 0
	for _, want := range wantOrder {
		i := strings.Index(out[pos:], want)
		if i < 0 {
			t.Fatalf("missing %q in order, output:\n%s", want, out)
		}
		pos += i
	}
}

func TestFindRoot(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "pkg", "sub")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := findRoot(nested); got != dir {
		t.Errorf("findRoot = %q, want %q", got, dir)
	}

	// No marker: the starting directory is its own root.
	plain := t.TempDir()
	if got := findRoot(plain); got != plain {
		t.Errorf("findRoot without marker = %q, want %q", got, plain)
	}
}
