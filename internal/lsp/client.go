// Package lsp manages language servers over stdio and exposes code
// intelligence queries as tools.
package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Errors surfaced to callers; the tool layer renders them.
var (
	ErrTimeout    = errors.New("lsp: request timed out")
	ErrServerDown = errors.New("lsp: server is not running")
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("lsp: server error %d: %s", e.Code, e.Message)
}

// rpcMessage is a JSON-RPC 2.0 envelope; ID is raw so we can echo whatever
// shape the server sent.
type rpcMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *rpcError        `json:"error,omitempty"`
}

// client speaks Content-Length framed JSON-RPC over a server's stdio.
type client struct {
	writeMu sync.Mutex
	in      io.WriteCloser
	out     *bufio.Reader

	mu      sync.Mutex
	pending map[int64]chan *rpcMessage
	nextID  atomic.Int64
	closed  atomic.Bool
	done    chan struct{}
}

func newClient(in io.WriteCloser, out io.Reader) *client {
	c := &client{
		in:      in,
		out:     bufio.NewReaderSize(out, 64*1024),
		pending: make(map[int64]chan *rpcMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a request and decodes the result into result (which may be
// nil). ctx governs the wait; on expiry the pending entry is dropped and
// the server's late reply is discarded.
func (c *client) Call(ctx context.Context, method string, params, result any) error {
	if c.closed.Load() {
		return ErrServerDown
	}
	id := c.nextID.Add(1)
	ch := make(chan *rpcMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	raw := json.RawMessage(strconv.FormatInt(id, 10))
	if err := c.write(rpcMessage{JSONRPC: "2.0", ID: &raw, Method: method, Params: marshal(params)}); err != nil {
		c.drop(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.drop(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		return ctx.Err()
	case <-c.done:
		return ErrServerDown
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("lsp: decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no reply expected).
func (c *client) Notify(method string, params any) error {
	if c.closed.Load() {
		return ErrServerDown
	}
	return c.write(rpcMessage{JSONRPC: "2.0", Method: method, Params: marshal(params)})
}

// Alive reports whether the read loop is still attached to the server.
func (c *client) Alive() bool { return !c.closed.Load() }

func (c *client) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		c.in.Close()
	}
}

func (c *client) drop(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *client) write(msg rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.in, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return fmt.Errorf("lsp: write header: %w", err)
	}
	if _, err := c.in.Write(data); err != nil {
		return fmt.Errorf("lsp: write body: %w", err)
	}
	return nil
}

func (c *client) readLoop() {
	defer c.close()
	for {
		msg, err := readMessage(c.out)
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				slog.Debug("lsp read loop ended", "error", err)
			}
			return
		}
		switch {
		case msg.ID != nil && msg.Method == "":
			// Response to one of our requests.
			var id int64
			if json.Unmarshal(*msg.ID, &id) != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[id]
			delete(c.pending, id)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case msg.ID != nil:
			// Server-initiated request: answer permissively so servers
			// that insist on configuration round-trips keep working.
			c.respondToServer(msg)
		default:
			// Notification (diagnostics, progress, logs): dropped.
		}
	}
}

// respondToServer replies to the handful of reverse requests language
// servers commonly issue during startup.
func (c *client) respondToServer(msg *rpcMessage) {
	var result any
	switch msg.Method {
	case "workspace/configuration":
		// One null per requested item.
		var params struct {
			Items []json.RawMessage `json:"items"`
		}
		json.Unmarshal(msg.Params, &params)
		nulls := make([]any, len(params.Items))
		result = nulls
	case "window/workDoneProgress/create", "client/registerCapability",
		"client/unregisterCapability", "window/showMessageRequest",
		"workspace/applyEdit":
		result = nil
	default:
		result = nil
	}
	reply := rpcMessage{JSONRPC: "2.0", ID: msg.ID, Result: marshal(result)}
	if err := c.write(reply); err != nil {
		slog.Debug("lsp reverse reply failed", "method", msg.Method, "error", err)
	}
}

// readMessage parses one Content-Length framed message.
func readMessage(r *bufio.Reader) (*rpcMessage, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, err = strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("lsp: bad Content-Length: %w", err)
			}
		}
	}
	if length < 0 {
		return nil, errors.New("lsp: missing Content-Length header")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("lsp: decode message: %w", err)
	}
	return &msg, nil
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
