package agent

import (
	"sync"
	"unicode/utf8"

	"github.com/whale-sh/whale/internal/providers"
)

// tokenEstimator approximates token counts from text length, and narrows
// the approximation by calibrating against the usage the provider reports.
type tokenEstimator struct {
	mu            sync.Mutex
	charsPerToken float64
}

func newTokenEstimator() *tokenEstimator {
	return &tokenEstimator{charsPerToken: 3.5}
}

// Estimate returns the approximate token count of messages.
func (e *tokenEstimator) Estimate(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += utf8.RuneCountInString(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + 64
			for k, v := range tc.Arguments {
				chars += len(k)
				if s, ok := v.(string); ok {
					chars += len(s)
				} else {
					chars += 16
				}
			}
		}
		chars += 8 // role and framing overhead
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(float64(chars) / e.charsPerToken)
}

// Calibrate blends the observed chars-per-token ratio into the estimate.
// actualTokens comes from the provider's reported prompt usage.
func (e *tokenEstimator) Calibrate(chars, actualTokens int) {
	if chars <= 0 || actualTokens <= 0 {
		return
	}
	observed := float64(chars) / float64(actualTokens)
	if observed < 1 || observed > 10 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.charsPerToken = 0.8*e.charsPerToken + 0.2*observed
}

// messageChars is the raw size Calibrate pairs with reported usage.
func messageChars(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	return chars
}
