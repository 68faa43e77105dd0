package providers

import "strings"

// modelPrice is USD per million tokens.
type modelPrice struct {
	input  float64
	output float64
}

// Prices keyed by model name prefix. Unknown models fall back to the
// conservative default so budget enforcement never under-counts.
var modelPrices = map[string]modelPrice{
	"claude-opus-4":     {15.0, 75.0},
	"claude-sonnet-4":   {3.0, 15.0},
	"claude-haiku-4":    {1.0, 5.0},
	"claude-3-5-haiku":  {0.8, 4.0},
	"gpt-4o":            {2.5, 10.0},
	"gpt-4o-mini":       {0.15, 0.6},
	"gpt-4.1":           {2.0, 8.0},
	"gpt-4.1-mini":      {0.4, 1.6},
	"deepseek-chat":     {0.27, 1.1},
	"deepseek-reasoner": {0.55, 2.19},
	"qwen-max":          {1.6, 6.4},
	"gemini-2.5-pro":    {1.25, 10.0},
	"gemini-2.5-flash":  {0.3, 2.5},
}

var defaultPrice = modelPrice{3.0, 15.0}

// CostUSD estimates the dollar cost of one usage record for model.
// Cache reads bill at a tenth of the input rate; cache writes at 1.25x.
func CostUSD(model string, u *Usage) float64 {
	if u == nil {
		return 0
	}
	price := defaultPrice
	best := 0
	for prefix, p := range modelPrices {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			price = p
			best = len(prefix)
		}
	}
	const mtok = 1_000_000
	cost := float64(u.PromptTokens) * price.input / mtok
	cost += float64(u.CompletionTokens) * price.output / mtok
	cost += float64(u.CacheReadTokens) * price.input * 0.1 / mtok
	cost += float64(u.CacheCreationTokens) * price.input * 1.25 / mtok
	return cost
}
