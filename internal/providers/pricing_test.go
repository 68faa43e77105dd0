package providers

import (
	"math"
	"testing"
)

func TestCostUSDKnownModel(t *testing.T) {
	u := &Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}
	got := CostUSD("claude-sonnet-4-5-20250929", u)
	if math.Abs(got-18.0) > 1e-9 {
		t.Errorf("got %f, want 18.0", got)
	}
}

func TestCostUSDUnknownModelUsesDefault(t *testing.T) {
	u := &Usage{PromptTokens: 2_000_000}
	got := CostUSD("some-future-model", u)
	if math.Abs(got-6.0) > 1e-9 {
		t.Errorf("got %f, want 6.0 (default input rate)", got)
	}
}

func TestCostUSDLongestPrefixWins(t *testing.T) {
	u := &Usage{PromptTokens: 1_000_000}
	mini := CostUSD("gpt-4o-mini", u)
	full := CostUSD("gpt-4o", u)
	if mini >= full {
		t.Errorf("gpt-4o-mini (%f) should be cheaper than gpt-4o (%f)", mini, full)
	}
}

func TestCostUSDCacheRates(t *testing.T) {
	u := &Usage{CacheReadTokens: 1_000_000}
	got := CostUSD("claude-sonnet-4-5", u)
	if math.Abs(got-0.3) > 1e-9 {
		t.Errorf("cache read cost = %f, want 0.3", got)
	}
}

func TestCostUSDNilUsage(t *testing.T) {
	if got := CostUSD("claude-sonnet-4-5", nil); got != 0 {
		t.Errorf("got %f, want 0", got)
	}
}
