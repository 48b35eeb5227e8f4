package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/droidpilot/internal/conversation"
	"github.com/nugget/droidpilot/internal/httpkit"
)

// anthropicMaxTokens bounds every reply. Plans and verdicts are short
// JSON documents; a tool call is shorter still.
const anthropicMaxTokens = 2048

// AnthropicConfig configures an [AnthropicClient].
type AnthropicConfig struct {
	APIKey  string // default credential; requests may override
	BaseURL string
	Model   string
}

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// LLM responses can take significant time before sending headers.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	opts := []option.RequestOption{
		option.WithHTTPClient(httpkit.NewClient(
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

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
		logger: logger.With("provider", "anthropic"),
	}
}

// Complete sends a non-streaming messages request. The reply's text
// blocks are joined into a single choice.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: no model configured")
	}

	messages, system := convertToAnthropic(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolsToAnthropic(req.Tools)
	}

	var opts []option.RequestOption
	if req.Credential != "" {
		opts = append(opts, option.WithAPIKey(req.Credential))
	}

	c.logger.Debug("sending request",
		"model", model,
		"messages", len(messages),
		"tools", len(req.Tools),
	)

	resp, err := c.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "anthropic response", "raw", resp.RawJSON())

	return completionFromAnthropic(resp), nil
}

// convertToAnthropic splits system messages out (Anthropic takes them
// as a separate parameter) and maps the rest onto message params.
func convertToAnthropic(messages []conversation.Message) ([]anthropic.MessageParam, string) {
	messages = pairToolCalls(messages)
	var system []string
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case conversation.RoleSystem:
			system = append(system, m.Content)

		case conversation.RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case conversation.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil || input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case conversation.RoleTool:
			if m.ToolCallID == "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(toolResultPrefix+m.Content)))
				continue
			}
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		}
	}

	return result, strings.Join(system, "\n\n")
}

// convertToolsToAnthropic maps tool definitions onto SDK tool params.
func convertToolsToAnthropic(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		param := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		switch req := t.Parameters["required"].(type) {
		case []string:
			param.InputSchema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					param.InputSchema.Required = append(param.InputSchema.Required, s)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// completionFromAnthropic normalizes an SDK response into one choice.
func completionFromAnthropic(resp *anthropic.Message) *Completion {
	msg := &conversation.Message{Role: conversation.RoleAssistant}
	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := string(block.Input)
			msg.ToolCalls = append(msg.ToolCalls, conversation.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: normalizeArguments(args),
			})
		}
	}
	msg.Content = strings.Join(text, "")

	return &Completion{
		Model: string(resp.Model),
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: string(resp.StopReason),
		}},
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
}
