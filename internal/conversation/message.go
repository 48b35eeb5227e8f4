// Package conversation defines the role-tagged message log shared by
// planning, reflection, and stop evaluation. A History is owned by the
// task runner; every helper here returns a copy and never mutates the
// receiver.
package conversation

import (
	"encoding/json"
	"fmt"
	"io"
)

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is an action requested by the model on an assistant message.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // raw JSON object
}

// Message is a single history entry. Only Role and Content matter to
// the decision logic; ToolCallID and ToolCalls exist for the providers
// that correlate tool results with the calls that produced them.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Tool returns a tool result message correlated with callID.
func Tool(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// History is an ordered, append-only message log.
type History []Message

// Clone returns an independent copy of h. Tool call slices are copied
// too so the copy can be modified freely.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	for i := range out {
		if len(out[i].ToolCalls) > 0 {
			calls := make([]ToolCall, len(out[i].ToolCalls))
			copy(calls, out[i].ToolCalls)
			out[i].ToolCalls = calls
		}
	}
	return out
}

// Last returns the final message, if any.
func (h History) Last() (Message, bool) {
	if len(h) == 0 {
		return Message{}, false
	}
	return h[len(h)-1], true
}

// ToolMessages returns the tool-role messages of h in order.
func (h History) ToolMessages() []Message {
	var out []Message
	for _, m := range h {
		if m.Role == RoleTool {
			out = append(out, m)
		}
	}
	return out
}

// TrimTrailingTools returns a copy of h with every trailing tool
// message removed. The result ends with a non-tool message or is empty.
func (h History) TrimTrailingTools() History {
	end := len(h)
	for end > 0 && h[end-1].Role == RoleTool {
		end--
	}
	return h[:end].Clone()
}

// Load decodes a JSON array of messages. Unknown roles are rejected so
// a malformed transcript fails loudly instead of skewing tool counts.
func Load(r io.Reader) (History, error) {
	var h History
	if err := json.NewDecoder(r).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	for i, m := range h {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	return h, nil
}

// Write encodes h as an indented JSON array.
func (h History) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if h == nil {
		h = History{}
	}
	return enc.Encode(h)
}
