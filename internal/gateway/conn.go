package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/store"
	"github.com/whale-sh/whale/pkg/protocol"
)

// wsConn is one websocket connection with its conversation and the abort
// handle of the in-flight query.
type wsConn struct {
	srv     *Server
	ws      *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu        sync.Mutex
	session   *store.Session
	running   bool
	runCancel context.CancelFunc
	aborted   bool
}

func newConn(ws *websocket.Conn, srv *Server) *wsConn {
	return &wsConn{srv: srv, ws: ws, limiter: srv.rateLimiter()}
}

func (c *wsConn) close() {
	c.abort()
	c.ws.Close()
}

func (c *wsConn) run(ctx context.Context) {
	c.send(protocol.Frame{
		Type:    protocol.FrameReady,
		Version: protocol.ProtocolVersion,
		Model:   c.srv.cfg.Model,
		Tools:   c.toolInfos(),
	})

	idle := c.srv.idleTimeout()
	for {
		c.ws.SetReadDeadline(time.Now().Add(idle))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket closed", "error", err)
			}
			return
		}
		var msg protocol.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(protocol.Frame{Type: protocol.FrameError, Error: "malformed message"})
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *wsConn) handle(ctx context.Context, msg protocol.Inbound) {
	switch msg.Type {
	case protocol.MsgPing:
		c.send(protocol.Frame{Type: protocol.FramePong})
	case protocol.MsgQuery:
		c.handleQuery(ctx, msg)
	case protocol.MsgAbort:
		// With a query in flight, the cancelled run's terminal event becomes
		// the single aborted frame. With nothing running, ack directly.
		if !c.abort() {
			c.send(protocol.Frame{Type: protocol.FrameAborted})
		}
	case protocol.MsgGetTools:
		c.send(protocol.Frame{Type: protocol.FrameTools, Tools: c.toolInfos()})
	case protocol.MsgNewConversation:
		c.handleNewConversation()
	case protocol.MsgLoadConversation:
		c.handleLoadConversation(msg.ConversationID)
	case protocol.MsgGetConversations:
		c.handleListConversations()
	default:
		c.send(protocol.Frame{Type: protocol.FrameError, Error: "unknown message type: " + msg.Type})
	}
}

func (c *wsConn) handleQuery(ctx context.Context, msg protocol.Inbound) {
	if msg.Prompt == "" {
		c.send(protocol.Frame{Type: protocol.FrameError, Error: "query requires a prompt"})
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.send(protocol.Frame{Type: protocol.FrameError, Error: "rate limit exceeded; slow down"})
		return
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.send(protocol.Frame{Type: protocol.FrameError, Error: "a query is already running; abort it first"})
		return
	}
	if c.session == nil {
		c.session = store.NewSession()
	}
	session := c.session
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.runCancel = cancel
	c.aborted = false
	c.mu.Unlock()

	c.send(protocol.Frame{Type: protocol.FrameStarted, ConversationID: session.ID})

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			c.running = false
			c.runCancel = nil
			c.mu.Unlock()
		}()
		if err := c.srv.run(runCtx, session, msg.Prompt, &framePublisher{conn: c, convID: session.ID}); err != nil {
			slog.Debug("query ended with error", "error", err)
		}
	}()
}

// abort cancels the in-flight query, if any, and reports whether one was
// running. The flag is set before the cancel so the run's terminal event
// always observes it.
func (c *wsConn) abort() bool {
	c.mu.Lock()
	cancel := c.runCancel
	if cancel != nil {
		c.aborted = true
	}
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// consumeAbort takes the pending abort acknowledgement, if any.
func (c *wsConn) consumeAbort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.aborted
	c.aborted = false
	return a
}

func (c *wsConn) handleNewConversation() {
	session := store.NewSession()
	if err := c.srv.sessions.Save(session); err != nil {
		c.send(protocol.Frame{Type: protocol.FrameError, Error: "create conversation: " + err.Error()})
		return
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.send(protocol.Frame{Type: protocol.FrameConversationCreated, ConversationID: session.ID})
}

func (c *wsConn) handleLoadConversation(id string) {
	if id == "" {
		c.send(protocol.Frame{Type: protocol.FrameError, Error: "load_conversation requires conversationId"})
		return
	}
	session, err := c.srv.sessions.Load(id)
	if err != nil {
		c.send(protocol.Frame{Type: protocol.FrameError, Error: "load conversation: " + err.Error()})
		return
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.send(protocol.Frame{Type: protocol.FrameConversationLoaded, ConversationID: session.ID})
}

func (c *wsConn) handleListConversations() {
	infos, err := c.srv.sessions.List()
	if err != nil {
		c.send(protocol.Frame{Type: protocol.FrameError, Error: "list conversations: " + err.Error()})
		return
	}
	convs := make([]protocol.ConvInfo, 0, len(infos))
	for _, info := range infos {
		convs = append(convs, protocol.ConvInfo{
			ID:           info.ID,
			Title:        info.Title,
			MessageCount: info.Messages,
			UpdatedAt:    info.UpdatedAt.Unix(),
		})
	}
	c.send(protocol.Frame{Type: protocol.FrameConversations, Conversations: convs})
}

func (c *wsConn) toolInfos() []protocol.ToolInfo {
	var infos []protocol.ToolInfo
	for _, name := range c.srv.registry.Names() {
		tool, meta, ok := c.srv.registry.Get(name)
		if !ok {
			continue
		}
		infos = append(infos, protocol.ToolInfo{
			Name:        name,
			Description: tool.Description(),
			Category:    meta.Category,
			ReadOnly:    meta.ReadOnly,
		})
	}
	return infos
}

func (c *wsConn) send(f protocol.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(f); err != nil {
		slog.Debug("websocket write failed", "error", err)
	}
}

// framePublisher converts engine events into wire frames.
type framePublisher struct {
	conn   *wsConn
	convID string
}

func (p *framePublisher) Publish(ev bus.Event) error {
	switch ev.Type {
	case bus.EventText:
		p.conn.send(protocol.Frame{Type: protocol.FrameText, Text: ev.Text, ConversationID: p.convID})
	case bus.EventToolStart:
		p.conn.send(protocol.Frame{Type: protocol.FrameToolStart, Tool: &protocol.ToolFrame{
			ID: ev.Tool.ID, Name: ev.Tool.Name, Input: protocol.Truncate(ev.Tool.Input),
		}})
	case bus.EventToolEnd:
		p.conn.send(protocol.Frame{Type: protocol.FrameToolResult, Tool: &protocol.ToolFrame{
			ID: ev.Tool.ID, Name: ev.Tool.Name, Result: protocol.Truncate(ev.Tool.Result),
			IsError: ev.Tool.IsError, DurationMs: ev.Tool.DurationMs,
		}})
	case bus.EventDone:
		p.conn.send(protocol.Frame{Type: protocol.FrameDone, ConversationID: ev.Done.ConversationID,
			Usage: &protocol.UsageFrame{
				InputTokens:  ev.Done.InputTokens,
				OutputTokens: ev.Done.OutputTokens,
				CostUSD:      ev.Done.CostUSD,
				Turns:        ev.Done.Turns,
			}})
	case bus.EventError:
		// An abort-cancelled run terminates in a single aborted frame, never
		// an error frame on top of it.
		if ev.Err.Kind == "Cancelled" && p.conn.consumeAbort() {
			p.conn.send(protocol.Frame{Type: protocol.FrameAborted, ConversationID: p.convID})
			return nil
		}
		p.conn.send(protocol.Frame{Type: protocol.FrameError, Kind: ev.Err.Kind, Error: ev.Err.Message})
	}
	return nil
}
