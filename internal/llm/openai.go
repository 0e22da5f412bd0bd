package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/pkg/models"
)

// OpenAIConfig configures the OpenAI adapter. BaseURL may point at any
// OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAIModel calls the Chat Completions API.
type OpenAIModel struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIModel creates an OpenAI adapter.
func NewOpenAIModel(config OpenAIConfig) (*OpenAIModel, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIModel{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
	}, nil
}

func (m *OpenAIModel) Name() string { return ProviderOpenAI }

// Generate implements Model.
func (m *OpenAIModel) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = m.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openAITools(req.Tools)
	}

	resp, err := m.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err, model)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			Reason:   FailoverServerError,
			Provider: ProviderOpenAI,
			Model:    model,
			Message:  "response contained no choices",
		}
	}

	choice := resp.Choices[0]
	out := &Response{
		Text:       choice.Message.Content,
		Model:      resp.Model,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return out, nil
}

func openAIMessages(messages []models.ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			// One message per result, linked by tool call id.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func openAITools(tools []models.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(parametersOrEmpty(tool.Parameters), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func wrapOpenAIError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: ProviderOpenAI,
			Model:    model,
			Cause:    err,
			Reason:   ClassifyError(err),
			Message:  apiErr.Message,
		}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if code := fmt.Sprint(apiErr.Code); apiErr.Code != nil && code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if apiErr.Type != "" && providerErr.Code == "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(ProviderOpenAI, model, err).WithStatus(reqErr.HTTPStatusCode)
	}
	return NewProviderError(ProviderOpenAI, model, err)
}
