package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/coder/websocket"

	"github.com/whale-sh/whale/pkg/protocol"
)

// Client drives a serve-mode peer from a terminal.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to a serve-mode endpoint and waits for the ready frame.
func Dial(ctx context.Context, url string) (*Client, *protocol.Frame, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("attach: dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)

	c := &Client{conn: conn}
	ready, err := c.Read(ctx)
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("attach: waiting for ready: %w", err)
	}
	if ready.Type != protocol.FrameReady {
		c.Close()
		return nil, nil, fmt.Errorf("attach: expected ready frame, got %s", ready.Type)
	}
	return c, ready, nil
}

// Query submits a prompt.
func (c *Client) Query(ctx context.Context, prompt string) error {
	return c.send(ctx, protocol.Inbound{Type: protocol.MsgQuery, Prompt: prompt})
}

// Abort cancels the in-flight query.
func (c *Client) Abort(ctx context.Context) error {
	return c.send(ctx, protocol.Inbound{Type: protocol.MsgAbort})
}

// Read returns the next frame from the server.
func (c *Client) Read(ctx context.Context) (*protocol.Frame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("attach: malformed frame: %w", err)
	}
	return &f, nil
}

// Stream reads frames until the current query reaches a terminal frame,
// rendering text and tool activity to out. Returns the terminal frame.
func (c *Client) Stream(ctx context.Context, out io.Writer) (*protocol.Frame, error) {
	for {
		f, err := c.Read(ctx)
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case protocol.FrameText:
			fmt.Fprint(out, f.Text)
		case protocol.FrameToolStart:
			fmt.Fprintf(out, "\n[%s ...]\n", f.Tool.Name)
		case protocol.FrameToolResult:
			status := "ok"
			if f.Tool.IsError {
				status = "error"
			}
			fmt.Fprintf(out, "[%s %s in %dms]\n", f.Tool.Name, status, f.Tool.DurationMs)
		case protocol.FrameDone, protocol.FrameError, protocol.FrameAborted:
			fmt.Fprintln(out)
			return f, nil
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Client) send(ctx context.Context, msg protocol.Inbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}
