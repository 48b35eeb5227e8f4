package llm

import (
	"fmt"
	"strings"

	"github.com/nugget/droidpilot/internal/conversation"
)

// pairToolCalls returns a copy of messages in which every assistant
// tool call has a later tool result and every tool result answers an
// earlier call. OpenAI and Anthropic reject requests that break either
// rule, which trimmed or hand-edited histories can. Unanswered calls are
// folded into the assistant's text; unmatched results lose their call
// ID and are sent as plain text.
func pairToolCalls(messages []conversation.Message) []conversation.Message {
	issued := make(map[string]bool)
	answered := make(map[string]bool)
	for _, m := range messages {
		switch m.Role {
		case conversation.RoleAssistant:
			for _, tc := range m.ToolCalls {
				if tc.ID != "" {
					issued[tc.ID] = true
				}
			}
		case conversation.RoleTool:
			if issued[m.ToolCallID] {
				answered[m.ToolCallID] = true
			}
		}
	}

	out := make([]conversation.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case conversation.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				break
			}
			var kept []conversation.ToolCall
			var folded []string
			for _, tc := range m.ToolCalls {
				if answered[tc.ID] {
					kept = append(kept, tc)
					continue
				}
				folded = append(folded, fmt.Sprintf("Called %s(%s)", tc.Name, normalizeArguments(tc.Arguments)))
			}
			if len(folded) > 0 {
				text := strings.Join(folded, "\n")
				if m.Content != "" {
					text = m.Content + "\n" + text
				}
				m.Content = text
			}
			m.ToolCalls = kept
		case conversation.RoleTool:
			if !answered[m.ToolCallID] {
				m.ToolCallID = ""
			}
		}
		out = append(out, m)
	}
	return out
}
