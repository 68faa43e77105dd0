// Package protocol defines the serve-mode websocket wire protocol.
//
// Every frame is a single JSON object with a "type" discriminator. The
// server greets each connection with a ready frame; clients drive the
// conversation with query/abort and the session-management messages.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 3

// Inbound message types (client → server).
const (
	MsgQuery            = "query"
	MsgAbort            = "abort"
	MsgPing             = "ping"
	MsgGetTools         = "get_tools"
	MsgNewConversation  = "new_conversation"
	MsgLoadConversation = "load_conversation"
	MsgGetConversations = "get_conversations"
)

// Outbound frame types (server → client).
const (
	FrameReady               = "ready"
	FrameStarted             = "started"
	FrameText                = "text"
	FrameToolStart           = "tool_start"
	FrameToolResult          = "tool_result"
	FrameDone                = "done"
	FrameError               = "error"
	FrameAborted             = "aborted"
	FramePong                = "pong"
	FrameTools               = "tools"
	FrameConversationCreated = "conversation_created"
	FrameConversations       = "conversations"
	FrameConversationLoaded  = "conversation_loaded"
	FrameDebug               = "debug"
)

// MaxResultBytes caps tool_result bodies on the wire. Larger results are
// truncated with TruncationMarker appended.
const MaxResultBytes = 10 * 1024

// TruncationMarker is appended to truncated tool_result bodies.
const TruncationMarker = "\n[... output truncated ...]"

// Inbound is a client → server message.
type Inbound struct {
	Type           string          `json:"type"`
	ID             string          `json:"id,omitempty"`
	Prompt         string          `json:"prompt,omitempty"`
	StoreID        string          `json:"storeId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
}

// Frame is a server → client message.
type Frame struct {
	Type           string      `json:"type"`
	Version        int         `json:"version,omitempty"`
	Model          string      `json:"model,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	Text           string      `json:"text,omitempty"`
	Tool           *ToolFrame  `json:"tool,omitempty"`
	Tools          []ToolInfo  `json:"tools,omitempty"`
	Usage          *UsageFrame `json:"usage,omitempty"`
	Conversations  []ConvInfo  `json:"conversations,omitempty"`
	Error          string      `json:"error,omitempty"`
	Kind           string      `json:"kind,omitempty"`
	Debug          string      `json:"debug,omitempty"`
}

// ToolFrame carries one tool_start or tool_result.
type ToolFrame struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
	Result     string `json:"result,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// ToolInfo describes one registered tool for ready/tools frames.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	ReadOnly    bool   `json:"readOnly"`
}

// UsageFrame reports token totals on done frames.
type UsageFrame struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
	Turns        int     `json:"turns"`
}

// ConvInfo is one entry in a conversations listing.
type ConvInfo struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	MessageCount int    `json:"messageCount"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Truncate enforces MaxResultBytes on a tool result body.
func Truncate(s string) string {
	if len(s) <= MaxResultBytes {
		return s
	}
	return s[:MaxResultBytes] + TruncationMarker
}
