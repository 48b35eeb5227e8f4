package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/nugget/droidpilot/internal/conversation"
	"github.com/nugget/droidpilot/internal/httpkit"
)

// defaultOpenAIModel is used when neither the request nor the client
// names a model.
const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures an [OpenAIClient].
type OpenAIConfig struct {
	APIKey  string // default credential; requests may override
	BaseURL string // empty uses api.openai.com; set for compatible servers
	Model   string
	// MaxRetries overrides the SDK retry count when positive. A
	// negative value disables retries.
	MaxRetries int
}

// OpenAIClient talks to the OpenAI chat completions API (or any server
// speaking the same protocol) through the official SDK.
type OpenAIClient struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	// Completions with tools can take a while before headers arrive.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	opts := []option.RequestOption{
		option.WithHTTPClient(httpkit.NewClient(
			// Rely on ctx deadlines for timeout control.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		)),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	switch {
	case cfg.MaxRetries > 0:
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	case cfg.MaxRetries < 0:
		opts = append(opts, option.WithMaxRetries(0))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
		logger: logger.With("provider", "openai"),
	}
}

// Complete sends a non-streaming chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: convertToOpenAI(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolsToOpenAI(req.Tools)
	}

	var opts []option.RequestOption
	if req.Credential != "" {
		opts = append(opts, option.WithAPIKey(req.Credential))
	}

	c.logger.Debug("sending request",
		"model", model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
	)

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "openai response", "raw", resp.RawJSON())
	out := completionFromOpenAI(resp)
	c.logger.Debug("response received",
		"model", out.Model,
		"choices", len(out.Choices),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out, nil
}

// convertToOpenAI maps history messages onto SDK message params. Tool
// results without a call ID cannot be correlated, so they are sent as
// user text instead of being rejected by the API.
func convertToOpenAI(messages []conversation.Message) []openai.ChatCompletionMessageParamUnion {
	messages = pairToolCalls(messages)
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case conversation.RoleSystem:
			result = append(result, openai.SystemMessage(m.Content))
		case conversation.RoleUser:
			result = append(result, openai.UserMessage(m.Content))
		case conversation.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				result = append(result, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
			if m.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				}
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case conversation.RoleTool:
			if m.ToolCallID == "" {
				result = append(result, openai.UserMessage(toolResultPrefix+m.Content))
				continue
			}
			result = append(result, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return result
}

// convertToolsToOpenAI maps tool definitions onto SDK function tools.
func convertToolsToOpenAI(tools []Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return out
}

// completionFromOpenAI normalizes an SDK response.
func completionFromOpenAI(resp *openai.ChatCompletion) *Completion {
	out := &Completion{
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	for _, ch := range resp.Choices {
		msg := &conversation.Message{
			Role:    conversation.RoleAssistant,
			Content: ch.Message.Content,
		}
		for _, tc := range ch.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, conversation.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: normalizeArguments(tc.Function.Arguments),
			})
		}
		out.Choices = append(out.Choices, Choice{
			Index:        int(ch.Index),
			Message:      msg,
			FinishReason: string(ch.FinishReason),
		})
	}
	return out
}

// normalizeArguments maps an empty argument string to "{}". Anything
// else is passed through for the tool layer to validate.
func normalizeArguments(args string) string {
	if args == "" {
		return "{}"
	}
	return args
}
