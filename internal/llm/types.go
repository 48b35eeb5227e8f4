package llm

import (
	"log/slog"

	"github.com/nugget/droidpilot/internal/conversation"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Tool describes an action the model may call. Parameters is a JSON
// schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a single gateway request.
type Request struct {
	// Model selects the provider model. Empty uses the provider default.
	Model string
	// Credential is the API key for this call. Empty falls back to the
	// key the provider was constructed with.
	Credential string
	Messages   []conversation.Message
	Tools      []Tool
}

// Completion is the unified response from any LLM provider. All fields
// use plain Go types; wire format conversion happens at provider
// boundaries (openai.go, anthropic.go, ollama.go).
type Completion struct {
	Model   string
	Choices []Choice

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// Choice is one candidate reply. Message is nil when the provider
// returned a choice without a readable message.
type Choice struct {
	Index        int
	Message      *conversation.Message
	FinishReason string
}

// FirstContent returns the text of the first choice's message. It
// reports false when c is nil, has no choices, the first choice has
// no message, or the message content is empty.
func (c *Completion) FirstContent() (string, bool) {
	if c == nil || len(c.Choices) == 0 {
		return "", false
	}
	msg := c.Choices[0].Message
	if msg == nil || msg.Content == "" {
		return "", false
	}
	return msg.Content, true
}

// FirstMessage returns the first choice's message, if readable.
func (c *Completion) FirstMessage() (*conversation.Message, bool) {
	if c == nil || len(c.Choices) == 0 || c.Choices[0].Message == nil {
		return nil, false
	}
	return c.Choices[0].Message, true
}

// toolResultPrefix marks tool output that is sent as user text because
// the provider requires tool results to be correlated with a call ID.
const toolResultPrefix = "Tool result: "
