// Package config holds the whale runtime configuration and the user-scoped
// data directory layout.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Permission modes for tool execution.
const (
	PermissionDefault = "default"
	PermissionPlan    = "plan"
	PermissionYolo    = "yolo"
)

// Config is the root configuration, persisted as config.json (mode 0600)
// in the data directory.
type Config struct {
	Model         string  `json:"model"`
	FallbackModel string  `json:"fallback_model,omitempty"`
	ContextWindow int     `json:"context_window,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	Effort        string  `json:"effort,omitempty"` // low | medium | high

	MaxTurns     int     `json:"max_turns,omitempty"`
	MaxBudgetUSD float64 `json:"max_budget_usd,omitempty"`

	PermissionMode string `json:"permission_mode,omitempty"`

	Providers ProvidersConfig `json:"providers"`
	Tools     ToolsConfig     `json:"tools"`
	Serve     ServeConfig     `json:"serve"`
	LSP       LSPConfig       `json:"lsp,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	Hooks     []HookSpec      `json:"hooks,omitempty"`

	// MCP is the plugin registry: each entry is a named remote tool source.
	MCP map[string]MCPServer `json:"mcp,omitempty"`

	mu sync.RWMutex
}

// ProvidersConfig holds LLM provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// ProviderConfig is one provider's connection settings.
type ProviderConfig struct {
	APIKey  string `json:"-"` // env only (WHALE_API_KEY / WHALE_OPENAI_API_KEY), never persisted
	BaseURL string `json:"base_url,omitempty"`
}

// ToolsConfig configures tool execution.
type ToolsConfig struct {
	Allowed       []string `json:"allowed,omitempty"`    // empty = all
	Disallowed    []string `json:"disallowed,omitempty"` // always wins
	ShellTimeout  int      `json:"shell_timeout_sec,omitempty"`
	GatewayURL    string   `json:"gateway_url,omitempty"` // remote tool gateway (server category)
	GatewayToken  string   `json:"-"`                     // env WHALE_GATEWAY_TOKEN only
	SandboxShell  *bool    `json:"sandbox_shell,omitempty"`
	FetchMaxBytes int      `json:"fetch_max_bytes,omitempty"`
}

// ServeConfig configures the websocket serve mode.
type ServeConfig struct {
	Host           string   `json:"host,omitempty"`
	Port           int      `json:"port,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`
	IdleTimeoutSec int      `json:"idle_timeout_sec,omitempty"`
}

// LSPConfig configures the language server manager.
type LSPConfig struct {
	Disabled bool              `json:"disabled,omitempty"`
	Servers  map[string]string `json:"servers,omitempty"` // languageId → binary override
}

// StoreConfig selects the session persistence backend.
type StoreConfig struct {
	Backend string `json:"backend,omitempty"` // "file" (default) | "sqlite"
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // host:port for OTLP/HTTP
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener for serve mode.
// Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // env WHALE_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// HookSpec is one user-configured pre/post tool hook.
type HookSpec struct {
	Event   string `json:"event"` // "pre_tool" | "post_tool" | "user_prompt"
	Matcher string `json:"matcher,omitempty"`
	Command string `json:"command"`
}

// MCPServer is one named remote tool source in the plugin registry.
type MCPServer struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// DataDir returns the user-scoped data directory (~/.whale), creating it
// with mode 0700 on first use.
func DataDir() (string, error) {
	if v := os.Getenv("WHALE_DATA_DIR"); v != "" {
		return v, os.MkdirAll(v, 0700)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	dir := filepath.Join(home, ".whale")
	return dir, os.MkdirAll(dir, 0700)
}

// SessionsDir returns the sessions blob directory under the data dir.
func SessionsDir(dataDir string) string { return filepath.Join(dataDir, "sessions") }

// FileHistoryDir returns the pre-edit backup directory for one session.
func FileHistoryDir(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "file-history", sessionID)
}

// DebugDir returns the ndjson diagnostic log directory.
func DebugDir(dataDir string) string { return filepath.Join(dataDir, "debug") }

// SandboxDir returns the temporary sandbox profile directory.
func SandboxDir(dataDir string) string { return filepath.Join(dataDir, "sandbox") }

// ShellTimeout returns the shell tool timeout in seconds (default 60).
func (c *Config) ShellTimeout() int {
	if c.Tools.ShellTimeout > 0 {
		return c.Tools.ShellTimeout
	}
	return 60
}

// EffectiveContextWindow returns the configured context window (default 200k).
func (c *Config) EffectiveContextWindow() int {
	if c.ContextWindow > 0 {
		return c.ContextWindow
	}
	return 200000
}
