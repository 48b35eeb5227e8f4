package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/nugget/droidpilot/internal/conversation"
	"github.com/nugget/droidpilot/internal/httpkit"
)

// defaultOllamaURL is the local Ollama daemon.
const defaultOllamaURL = "http://localhost:11434"

// A local daemon that is still starting refuses connections; those
// dials are retried.
var (
	ollamaRetries    = 3
	ollamaRetryDelay = 2 * time.Second
)

// OllamaClient is a client for a local Ollama server. Local models need
// no credential, so [Request.Credential] is ignored.
type OllamaClient struct {
	client *api.Client
	model  string
	logger *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL, model string, logger *slog.Logger) (*OllamaClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url %q: %w", baseURL, err)
	}
	logger = logger.With("provider", "ollama")

	return &OllamaClient{
		client: api.NewClient(u, httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute), // Large models with tools need time
			httpkit.WithRetry(ollamaRetries, ollamaRetryDelay),
			httpkit.WithLogger(logger),
		)),
		model:  model,
		logger: logger,
	}, nil
}

// Complete sends a non-streaming chat request.
func (c *OllamaClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, fmt.Errorf("ollama: no model configured")
	}

	tools, err := convertToolsToOllama(req.Tools)
	if err != nil {
		return nil, err
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: convertToOllama(req.Messages),
		Stream:   &stream,
		Tools:    tools,
	}

	c.logger.Debug("sending request",
		"model", model,
		"messages", len(chatReq.Messages),
		"tools", len(tools),
	)

	var final api.ChatResponse
	var got bool
	err = c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		final = resp
		got = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if !got {
		return &Completion{Model: model}, nil
	}

	return completionFromOllama(final), nil
}

// convertToOllama maps history messages onto Ollama messages. Ollama
// accepts tool results without a call ID, so no rewriting is needed.
func convertToOllama(messages []conversation.Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		msg := api.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args := api.NewToolCallFunctionArguments()
			var argsMap map[string]any
			if err := json.Unmarshal([]byte(tc.Arguments), &argsMap); err == nil {
				for k, v := range argsMap {
					args.Set(k, v)
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
				ID: tc.ID,
				Function: api.ToolCallFunction{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

// convertToolsToOllama round-trips tool definitions through the
// OpenAI-style JSON shape that api.Tool decodes natively.
func convertToolsToOllama(tools []Tool) (api.Tools, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	type wireFunction struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	}
	type wireTool struct {
		Type     string       `json:"type"`
		Function wireFunction `json:"function"`
	}

	wire := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		wire = append(wire, wireTool{
			Type:     "function",
			Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama tools: %w", err)
	}
	var out api.Tools
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("convert ollama tools: %w", err)
	}
	return out, nil
}

// completionFromOllama normalizes the final chat response.
func completionFromOllama(resp api.ChatResponse) *Completion {
	msg := &conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: resp.Message.Content,
	}
	for i, tc := range resp.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments.ToMap())
		if err != nil {
			args = []byte("{}")
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("ollama-call-%d", i+1)
		}
		msg.ToolCalls = append(msg.ToolCalls, conversation.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: normalizeArguments(string(args)),
		})
	}

	return &Completion{
		Model: resp.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: resp.DoneReason,
		}},
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}
}
