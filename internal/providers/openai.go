package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openaiDefaultBaseURL = "https://api.openai.com/v1"
	openaiDefaultModel   = "gpt-4o"
)

// OpenAIProvider implements Provider against any OpenAI-compatible
// chat/completions endpoint.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// OpenAIOption customizes the provider.
type OpenAIOption func(*OpenAIProvider)

func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if model != "" {
			p.model = model
		}
	}
}

// NewOpenAIProvider builds a provider with the given API key.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:    apiKey,
		baseURL:   openaiDefaultBaseURL,
		model:     openaiDefaultModel,
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

func (p *OpenAIProvider) Name() string         { return "openai" }
func (p *OpenAIProvider) DefaultModel() string { return p.model }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return RetryDo(ctx, DefaultRetry, func() (*ChatResponse, error) {
		return p.doChat(ctx, req, nil)
	})
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	return RetryDo(ctx, DefaultRetry, func() (*ChatResponse, error) {
		return p.doChat(ctx, req, onChunk)
	})
}

func (p *OpenAIProvider) doChat(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body, err := p.buildRequestBody(req, onChunk != nil)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header),
		}
	}

	if onChunk != nil {
		return p.parseStream(resp.Body, onChunk)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseOpenAIResponse(data)
}

func (p *OpenAIProvider) buildRequestBody(req ChatRequest, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := map[string]any{
		"model":      model,
		"max_tokens": p.maxTokens,
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if v, ok := req.Options[OptMaxTokens].(int); ok && v > 0 {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature].(float64); ok {
		body["temperature"] = v
	}

	var messages []map[string]any
	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			messages = append(messages, map[string]any{
				"role":         "tool",
				"tool_call_id": msg.ToolCallID,
				"content":      msg.Content,
			})
		case "assistant":
			m := map[string]any{"role": "assistant"}
			if msg.Content != "" {
				m["content"] = msg.Content
			}
			if len(msg.ToolCalls) > 0 {
				var calls []map[string]any
				for _, tc := range msg.ToolCalls {
					args, _ := json.Marshal(tc.Arguments)
					calls = append(calls, map[string]any{
						"id":   tc.ID,
						"type": "function",
						"function": map[string]any{
							"name":      tc.Name,
							"arguments": string(args),
						},
					})
				}
				m["tool_calls"] = calls
			}
			messages = append(messages, m)
		default:
			messages = append(messages, map[string]any{"role": msg.Role, "content": msg.Content})
		}
	}
	body["messages"] = messages

	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}

	return json.Marshal(body)
}

// OpenAI chat/completions wire types.

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string        `json:"finish_reason"`
		Message      openaiMessage `json:"message"`
		Delta        openaiMessage `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiMessage struct {
	Content   string `json:"content"`
	ToolCalls []struct {
		Index    int    `json:"index"`
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

func parseOpenAIResponse(data []byte) (*ChatResponse, error) {
	var or openaiResponse
	if err := json.Unmarshal(data, &or); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(or.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	choice := or.Choices[0]
	resp := &ChatResponse{
		Model:   or.Model,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	switch choice.FinishReason {
	case "tool_calls":
		resp.FinishReason = "tool_calls"
	case "length":
		resp.FinishReason = "length"
	default:
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = "tool_calls"
		} else {
			resp.FinishReason = "stop"
		}
	}
	if or.Usage != nil {
		resp.Usage = &Usage{
			PromptTokens:     or.Usage.PromptTokens,
			CompletionTokens: or.Usage.CompletionTokens,
			TotalTokens:      or.Usage.TotalTokens,
		}
	}
	return resp, nil
}

func (p *OpenAIProvider) parseStream(body io.Reader, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp := &ChatResponse{Usage: &Usage{}}
	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	calls := map[int]*pendingCall{}
	var order []int
	finish := ""

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

		var or openaiResponse
		if err := json.Unmarshal([]byte(payload), &or); err != nil {
			continue
		}
		if or.Usage != nil {
			resp.Usage.PromptTokens = or.Usage.PromptTokens
			resp.Usage.CompletionTokens = or.Usage.CompletionTokens
			resp.Usage.TotalTokens = or.Usage.TotalTokens
		}
		if len(or.Choices) == 0 {
			continue
		}
		choice := or.Choices[0]
		if or.Model != "" {
			resp.Model = or.Model
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			resp.Content += choice.Delta.Content
			onChunk(StreamChunk{Content: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc, ok := calls[tc.Index]
			if !ok {
				pc = &pendingCall{}
				calls[tc.Index] = pc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
				onChunk(StreamChunk{ToolName: tc.Function.Name})
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	for _, idx := range order {
		pc := calls[idx]
		args := map[string]any{}
		if raw := pc.args.String(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: pc.id, Name: pc.name, Arguments: args})
	}

	if finish == "tool_calls" || len(resp.ToolCalls) > 0 {
		resp.FinishReason = "tool_calls"
	} else if finish == "length" {
		resp.FinishReason = "length"
	} else {
		resp.FinishReason = "stop"
	}
	onChunk(StreamChunk{Done: true})
	return resp, nil
}
