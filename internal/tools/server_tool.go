package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const serverToolTimeout = 120 * time.Second

// ServerTool forwards a call to a remote tool gateway as an HTTP JSON
// request and returns the gateway's JSON result verbatim.
type ServerTool struct {
	name        string
	description string
	params      map[string]any
	endpoint    string
	token       string
	client      *http.Client
}

func NewServerTool(name, description string, params map[string]any, endpoint, token string) *ServerTool {
	return &ServerTool{
		name:        name,
		description: description,
		params:      params,
		endpoint:    endpoint,
		token:       token,
		client:      &http.Client{Timeout: serverToolTimeout},
	}
}

func (t *ServerTool) Name() string        { return t.name }
func (t *ServerTool) Description() string { return t.description }
func (t *ServerTool) Parameters() map[string]any {
	if t.params == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.params
}

func (t *ServerTool) Execute(ctx context.Context, args map[string]any) *Result {
	payload, err := json.Marshal(map[string]any{
		"tool":  t.name,
		"input": args,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return ErrorResult(fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("gateway request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read gateway response: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, string(body)))
	}
	return SilentResult(string(body))
}

// remoteToolDef is the gateway's tool listing entry.
type remoteToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// FetchServerTools lists the tools a gateway exposes and wraps each as a
// ServerTool ready for registration.
func FetchServerTools(ctx context.Context, endpoint, token string) ([]*ServerTool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/tools", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list gateway tools: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway tools listing returned %d", resp.StatusCode)
	}

	var defs []remoteToolDef
	if err := json.NewDecoder(resp.Body).Decode(&defs); err != nil {
		return nil, fmt.Errorf("decode gateway tools: %w", err)
	}
	out := make([]*ServerTool, 0, len(defs))
	for _, def := range defs {
		out = append(out, NewServerTool(def.Name, def.Description, def.Parameters, endpoint, token))
	}
	return out, nil
}
