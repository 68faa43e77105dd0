package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/providers"
)

const (
	// compactThreshold is the share of the context window the history may
	// occupy before it is summarized.
	compactThreshold = 0.7

	// compactKeepTail is how many recent messages survive verbatim.
	compactKeepTail = 8
)

const summaryInstruction = `Summarize the conversation above for an AI coding assistant that will continue the work. Preserve: the user's goals and constraints, file paths and their current state, decisions made and why, commands run with outcomes, and anything still unfinished. Be specific; omit pleasantries.`

// shouldCompact reports whether the history plus response headroom would
// exceed the compaction threshold.
func (l *Loop) shouldCompact(messages []providers.Message) bool {
	window := l.cfg.EffectiveContextWindow()
	headroom := l.cfg.MaxTokens
	if headroom <= 0 {
		headroom = 8192
	}
	return float64(l.est.Estimate(messages)+headroom) > compactThreshold*float64(window)
}

// Compact summarizes the conversation now, regardless of the size
// threshold. Transports expose it as an explicit user action; the compact
// event is published on success.
func (l *Loop) Compact(ctx context.Context) error {
	if len(l.session.Messages) <= compactKeepTail {
		return fmt.Errorf("nothing to compact: %d messages", len(l.session.Messages))
	}
	if err := l.compact(ctx); err != nil {
		return err
	}
	l.save()
	return nil
}

// compact replaces the older part of the history with a model-written
// summary, keeping the most recent user message and the tail verbatim.
func (l *Loop) compact(ctx context.Context) error {
	msgs := l.session.Messages
	if len(msgs) <= compactKeepTail {
		return nil
	}

	split := len(msgs) - compactKeepTail
	// Never cut between a tool call and its result.
	for split > 0 && msgs[split].Role == "tool" {
		split--
	}
	// The message being answered must survive compaction.
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			if i < split {
				split = i
			}
			break
		}
	}
	if split <= 0 {
		return nil
	}

	before := l.est.Estimate(msgs)
	summary, err := l.summarize(ctx, msgs[:split])
	if err != nil {
		return fmt.Errorf("compact history: %w", err)
	}

	compacted := make([]providers.Message, 0, 1+len(msgs)-split)
	compacted = append(compacted, providers.Message{
		Role:    "user",
		Content: "[Summary of the conversation so far]\n\n" + summary,
	})
	compacted = append(compacted, msgs[split:]...)
	compacted = sanitizeHistory(compacted)

	l.session.Messages = compacted
	l.session.CompactionCount++
	l.session.Touch()

	after := l.est.Estimate(compacted)
	l.publish(bus.Event{Type: bus.EventCompact, Compact: &bus.CompactEvent{
		BeforeCount: len(msgs),
		AfterCount:  len(compacted),
		TokensSaved: before - after,
	}})
	if l.debug != nil {
		l.debug.Event("compact", map[string]any{
			"before": len(msgs), "after": len(compacted), "tokens_saved": before - after,
		})
	}
	return nil
}

// summarize renders the head of the history as a transcript and asks the
// model for a continuation summary.
func (l *Loop) summarize(ctx context.Context, head []providers.Message) (string, error) {
	var b strings.Builder
	for _, m := range head {
		switch m.Role {
		case "user":
			fmt.Fprintf(&b, "User: %s\n\n", m.Content)
		case "assistant":
			if m.Content != "" {
				fmt.Fprintf(&b, "Assistant: %s\n\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "Assistant called %s\n\n", tc.Name)
			}
		case "tool":
			fmt.Fprintf(&b, "Tool result: %s\n\n", truncateForSummary(m.Content))
		}
	}
	b.WriteString(summaryInstruction)

	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Model:    l.cfg.Model,
		Messages: []providers.Message{{Role: "user", Content: b.String()}},
		Options:  map[string]any{providers.OptMaxTokens: 2048},
	})
	if err != nil {
		return "", err
	}
	if resp.Usage != nil {
		l.addUsage(resp.Model, resp.Usage)
	}
	return strings.TrimSpace(resp.Content), nil
}

func truncateForSummary(s string) string {
	const max = 600
	if len(s) <= max {
		return s
	}
	return s[:max] + " [truncated]"
}
