package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/conductor/pkg/models"
)

// BedrockConfig configures the Bedrock adapter. Without static keys the
// default AWS credential chain is used.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// converseAPI is the subset of the Bedrock runtime client the adapter uses.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockModel calls the Bedrock Converse API.
type BedrockModel struct {
	client       converseAPI
	defaultModel string
}

// NewBedrockModel creates a Bedrock adapter.
func NewBedrockModel(ctx context.Context, cfg BedrockConfig) (*BedrockModel, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockModel{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (m *BedrockModel) Name() string { return ProviderBedrock }

// Generate implements Model.
func (m *BedrockModel) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = m.defaultModel
	}

	out, err := m.client.Converse(ctx, bedrockInput(model, req))
	if err != nil {
		return nil, wrapBedrockError(err, model)
	}
	return bedrockResponse(out, model), nil
}

func bedrockInput(model string, req *Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: bedrockMessages(req.Messages),
	}
	if system := systemPrompt(req.Messages); system != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{
			// #nosec G115 -- bounded by min
			MaxTokens: aws.Int32(int32(min(req.MaxTokens, math.MaxInt32))),
		}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = bedrockTools(req.Tools)
	}
	return input
}

func bedrockMessages(messages []models.ChatMessage) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tr := range msg.ToolResults {
			block := types.ToolResultBlock{
				ToolUseId: aws.String(tr.ToolCallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: tr.Content},
				},
			}
			if tr.IsError {
				block.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: block})
		}
		for _, tc := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(tc.Input, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func bedrockTools(tools []models.ToolDefinition) *types.ToolConfiguration {
	specs := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(parametersOrEmpty(tool.Parameters), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: specs}
}

func bedrockResponse(out *bedrockruntime.ConverseOutput, model string) *Response {
	resp := &Response{Model: model}
	if out == nil {
		return resp
	}
	resp.StopReason = string(out.StopReason)
	if out.Usage != nil {
		resp.Usage = Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Text += b.Value
		case *types.ContentBlockMemberToolUse:
			input := []byte(`{}`)
			if b.Value.Input != nil {
				if raw, err := b.Value.Input.MarshalSmithyDocument(); err == nil && len(raw) > 0 && string(raw) != "null" {
					input = raw
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    aws.ToString(b.Value.ToolUseId),
				Name:  aws.ToString(b.Value.Name),
				Input: input,
			})
		}
	}
	return resp
}

func wrapBedrockError(err error, model string) error {
	providerErr := NewProviderError(ProviderBedrock, model, err)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		providerErr.Message = apiErr.ErrorMessage()
		providerErr = providerErr.WithCode(apiErr.ErrorCode())
	}
	return providerErr
}
