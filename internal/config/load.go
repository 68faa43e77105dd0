package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Model:          "claude-sonnet-4-5-20250929",
		ContextWindow:  200000,
		MaxTokens:      8192,
		Temperature:    0.7,
		MaxTurns:       40,
		PermissionMode: PermissionDefault,
		Serve: ServeConfig{
			Host:           "127.0.0.1",
			Port:           18790,
			RateLimitRPM:   20,
			IdleTimeoutSec: 300,
		},
	}
}

// Path returns the config file path inside the data directory.
func Path(dataDir string) string {
	if v := os.Getenv("WHALE_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(dataDir, "config.json")
}

// Load reads config.json (json5-tolerant), then overlays env vars.
// A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars; env takes precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("WHALE_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("WHALE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("WHALE_MODEL", &c.Model)
	envStr("WHALE_FALLBACK_MODEL", &c.FallbackModel)
	envStr("WHALE_PERMISSION_MODE", &c.PermissionMode)
	envStr("WHALE_GATEWAY_URL", &c.Tools.GatewayURL)
	envStr("WHALE_GATEWAY_TOKEN", &c.Tools.GatewayToken)
	envStr("WHALE_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("WHALE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)

	if v := os.Getenv("WHALE_SERVE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Serve.Port = port
		}
	}
	if v := os.Getenv("WHALE_MAX_BUDGET_USD"); v != "" {
		if b, err := strconv.ParseFloat(v, 64); err == nil && b > 0 {
			c.MaxBudgetUSD = b
		}
	}
	if v := os.Getenv("WHALE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Save writes the config to path with mode 0600. Secret fields are tagged
// `json:"-"` so they never persist.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Get returns a dotted-path value from the marshalled config, for
// `whale config <key>`.
func (c *Config) Get(key string) (any, bool) {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	cur := any(m)
	for _, part := range splitKey(key) {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitKey(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	return append(parts, key[start:])
}
