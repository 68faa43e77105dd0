package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultModel   = "claude-sonnet-4-5-20250929"
)

// AnthropicProvider implements Provider against the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey        string
	baseURL       string
	model         string
	fallbackModel string
	maxTokens     int
	httpClient    *http.Client

	// Set after persistent overload; the session finishes on the fallback.
	onFallback atomic.Bool
}

// AnthropicOption customizes the provider.
type AnthropicOption func(*AnthropicProvider)

func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if model != "" {
			p.model = model
		}
	}
}

func WithAnthropicFallbackModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) { p.fallbackModel = model }
}

func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(p *AnthropicProvider) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

// NewAnthropicProvider builds a provider with the given API key.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:    apiKey,
		baseURL:   anthropicDefaultBaseURL,
		model:     anthropicDefaultModel,
		maxTokens: 8192,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.model }

// effectiveModel resolves the model for one request, honoring a fallback
// switch made earlier in the session.
func (p *AnthropicProvider) effectiveModel(requested string) string {
	model := requested
	if model == "" {
		model = p.model
	}
	if p.onFallback.Load() && p.fallbackModel != "" {
		model = p.fallbackModel
	}
	return model
}

// Chat sends a non-streaming request.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := p.effectiveModel(req.Model)
	resp, err := RetryDo(ctx, DefaultRetry, func() (*ChatResponse, error) {
		return p.doChat(ctx, req, model, nil)
	})
	if err != nil && p.shouldFallback(err) {
		p.onFallback.Store(true)
		return RetryDo(ctx, DefaultRetry, func() (*ChatResponse, error) {
			return p.doChat(ctx, req, p.fallbackModel, nil)
		})
	}
	return resp, err
}

// ChatStream sends a streaming request, invoking onChunk per delta.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := p.effectiveModel(req.Model)
	resp, err := RetryDo(ctx, DefaultRetry, func() (*ChatResponse, error) {
		return p.doChat(ctx, req, model, onChunk)
	})
	if err != nil && p.shouldFallback(err) {
		p.onFallback.Store(true)
		return RetryDo(ctx, DefaultRetry, func() (*ChatResponse, error) {
			return p.doChat(ctx, req, p.fallbackModel, onChunk)
		})
	}
	return resp, err
}

// shouldFallback reports whether retries were exhausted on an overload class
// error and a fallback model is available and not yet active.
func (p *AnthropicProvider) shouldFallback(err error) bool {
	if p.fallbackModel == "" || p.onFallback.Load() {
		return false
	}
	he, ok := asHTTPError(err)
	return ok && he.Retryable()
}

func (p *AnthropicProvider) doChat(ctx context.Context, req ChatRequest, model string, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body, err := p.buildRequestBody(req, model, onChunk != nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if onChunk != nil {
		return p.parseStream(httpResp.Body, onChunk)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseAnthropicResponse(data)
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header),
		}
	}
	return resp, nil
}

func (p *AnthropicProvider) buildRequestBody(req ChatRequest, model string, stream bool) ([]byte, error) {
	body := map[string]any{
		"model":      model,
		"max_tokens": p.maxTokens,
	}
	if stream {
		body["stream"] = true
	}
	if v, ok := req.Options[OptMaxTokens].(int); ok && v > 0 {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature].(float64); ok {
		body["temperature"] = v
	}
	if effort, ok := req.Options[OptEffort].(string); ok && effort != "" {
		if budget := thinkingBudget(effort); budget > 0 {
			body["thinking"] = map[string]any{
				"type":          "enabled",
				"budget_tokens": budget,
			}
			// Thinking requires temperature 1 and headroom above the budget.
			delete(body, "temperature")
			if mt, _ := body["max_tokens"].(int); mt <= budget {
				body["max_tokens"] = budget + 4096
			}
		}
	}

	var system string
	var messages []map[string]any
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
					"is_error":    msg.IsError,
				}},
			})
		case "assistant":
			var content []map[string]any
			if msg.Content != "" {
				content = append(content, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			if len(content) == 0 {
				continue
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": content})
		default:
			messages = append(messages, map[string]any{"role": "user", "content": msg.Content})
		}
	}
	if system != "" {
		body["system"] = system
	}
	body["messages"] = messages

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := CleanSchema(t.Parameters)
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		body["tools"] = tools
	}

	return json.Marshal(body)
}

// thinkingBudget maps effort to a thinking token budget.
func thinkingBudget(effort string) int {
	switch effort {
	case "low":
		return 4096
	case "medium":
		return 10000
	case "high":
		return 32000
	}
	return 0
}

// Anthropic Messages API wire types.

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Content    []anthropicContentBlock `json:"content"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

func parseAnthropicResponse(data []byte) (*ChatResponse, error) {
	var ar anthropicResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	resp := &ChatResponse{
		Model: ar.Model,
		Usage: &Usage{
			PromptTokens:        ar.Usage.InputTokens,
			CompletionTokens:    ar.Usage.OutputTokens,
			TotalTokens:         ar.Usage.InputTokens + ar.Usage.OutputTokens,
			CacheCreationTokens: ar.Usage.CacheCreationTokens,
			CacheReadTokens:     ar.Usage.CacheReadTokens,
		},
	}
	for _, block := range ar.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "thinking":
			resp.Thinking += block.Thinking
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &args)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	resp.FinishReason = mapStopReason(ar.StopReason, len(resp.ToolCalls) > 0)
	return resp, nil
}

func mapStopReason(stop string, hasTools bool) string {
	switch stop {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence":
		if hasTools {
			return "tool_calls"
		}
		return "stop"
	}
	if hasTools {
		return "tool_calls"
	}
	return "stop"
}
