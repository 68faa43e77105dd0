package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/whale-sh/whale/internal/providers"
)

// sanitizeHistory repairs assistant/tool pairing before a request is built.
// Providers reject histories where a tool result has no matching tool call
// or a tool call never received a result; both can appear after compaction,
// an abort mid-dispatch, or a crash between save points.
func sanitizeHistory(messages []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages))

	for i := 0; i < len(messages); i++ {
		m := messages[i]

		if m.Role == "tool" {
			// Orphan tool result: nothing before it requested this call.
			if !precededByCall(out, m.ToolCallID) {
				continue
			}
			out = append(out, m)
			continue
		}

		out = append(out, m)
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}

		// Collect the results that actually follow this assistant message.
		answered := map[string]bool{}
		for j := i + 1; j < len(messages) && messages[j].Role == "tool"; j++ {
			answered[messages[j].ToolCallID] = true
		}
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				out = append(out, providers.Message{
					Role:       "tool",
					ToolCallID: tc.ID,
					Content:    fmt.Sprintf("%s was interrupted before it produced a result", tc.Name),
					IsError:    true,
				})
			}
		}
	}
	return out
}

func precededByCall(history []providers.Message, callID string) bool {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == "assistant" {
			for _, tc := range m.ToolCalls {
				if tc.ID == callID {
					return true
				}
			}
			return false
		}
		if m.Role != "tool" {
			return false
		}
	}
	return false
}

var (
	thinkingTagRe = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)
	finalTagRe    = regexp.MustCompile(`(?s)</?final>`)
)

// cleanAssistantText strips reasoning artifacts some models leak into their
// visible output: inline thinking tags, final-answer wrappers, and blocks
// that repeat verbatim.
func cleanAssistantText(s string) string {
	s = thinkingTagRe.ReplaceAllString(s, "")
	s = finalTagRe.ReplaceAllString(s, "")

	paras := strings.Split(s, "\n\n")
	seen := make(map[string]bool, len(paras))
	kept := paras[:0]
	for _, p := range paras {
		key := strings.TrimSpace(p)
		if len(key) > 80 && seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, p)
	}
	return strings.TrimSpace(strings.Join(kept, "\n\n"))
}
