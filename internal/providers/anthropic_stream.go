package providers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// SSE event payloads from the Messages streaming API.

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Message      *anthropicResponse     `json:"message,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta  `json:"delta,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
	Error        *anthropicStreamError  `json:"error,omitempty"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicStreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// streamToolCall accumulates one tool_use block's partial JSON input.
type streamToolCall struct {
	id   string
	name string
	args strings.Builder
}

// parseStream consumes the SSE body, calling onChunk per delta, and
// assembles the final ChatResponse.
func (p *AnthropicProvider) parseStream(body io.Reader, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp := &ChatResponse{Usage: &Usage{}}
	toolCalls := map[int]*streamToolCall{}
	var toolOrder []int
	stopReason := ""

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				resp.Model = ev.Message.Model
				resp.Usage.PromptTokens = ev.Message.Usage.InputTokens
				resp.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationTokens
				resp.Usage.CacheReadTokens = ev.Message.Usage.CacheReadTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				toolCalls[ev.Index] = &streamToolCall{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				toolOrder = append(toolOrder, ev.Index)
				onChunk(StreamChunk{ToolName: ev.ContentBlock.Name})
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				resp.Content += ev.Delta.Text
				onChunk(StreamChunk{Content: ev.Delta.Text})
			case "thinking_delta":
				resp.Thinking += ev.Delta.Thinking
				onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
			case "input_json_delta":
				if tc, ok := toolCalls[ev.Index]; ok {
					tc.args.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				resp.Usage.CompletionTokens = ev.Usage.OutputTokens
			}
		case "error":
			if ev.Error != nil {
				return nil, fmt.Errorf("stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
		case "message_stop":
			// Final event; scanner drains any trailing blank lines.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	for _, idx := range toolOrder {
		tc := toolCalls[idx]
		args := map[string]any{}
		if raw := tc.args.String(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: tc.id, Name: tc.name, Arguments: args})
	}

	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	resp.FinishReason = mapStopReason(stopReason, len(resp.ToolCalls) > 0)
	onChunk(StreamChunk{Done: true})
	return resp, nil
}
