package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/conductor/pkg/models"
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// AnthropicModel calls the Anthropic Messages API.
type AnthropicModel struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// NewAnthropicModel creates an Anthropic adapter.
func NewAnthropicModel(config AnthropicConfig) (*AnthropicModel, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey), option.WithMaxRetries(0)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicModel{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
	}, nil
}

func (m *AnthropicModel) Name() string { return ProviderAnthropic }

// Generate implements Model.
func (m *AnthropicModel) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = m.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}

	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system := systemPrompt(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err, model)
	}

	out := &Response{
		Model:      string(resp.Model),
		StopReason: string(resp.StopReason),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.AsText().Text
		case "tool_use":
			toolUse := block.AsToolUse()
			input, err := json.Marshal(toolUse.Input)
			if err != nil || len(input) == 0 || string(input) == "null" {
				input = []byte(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:    toolUse.ID,
				Name:  toolUse.Name,
				Input: input,
			})
		}
	}
	return out, nil
}

func anthropicMessages(messages []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
			}
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(parametersOrEmpty(tool.Parameters), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func wrapAnthropicError(err error, model string) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError(ProviderAnthropic, model, err)
	}

	providerErr := (&ProviderError{
		Provider:  ProviderAnthropic,
		Model:     model,
		Cause:     err,
		Reason:    FailoverUnknown,
		RequestID: apiErr.RequestID,
		Message:   "anthropic request failed",
	}).WithStatus(apiErr.StatusCode)

	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr.Message = payload.Error.Message
			}
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				providerErr.RequestID = payload.RequestID
			}
		}
	}
	return providerErr
}

func parametersOrEmpty(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return params
}
