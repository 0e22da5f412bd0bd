package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/conductor/pkg/models"
)

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
}

// GeminiModel calls the Gemini API.
type GeminiModel struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiModel creates a Gemini adapter.
func NewGeminiModel(ctx context.Context, config GeminiConfig) (*GeminiModel, error) {
	if config.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiModel{client: client, defaultModel: config.DefaultModel}, nil
}

func (m *GeminiModel) Name() string { return ProviderGemini }

// Generate implements Model.
func (m *GeminiModel) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = m.defaultModel
	}

	resp, err := m.client.Models.GenerateContent(ctx, model, geminiContents(req.Messages), geminiConfig(req))
	if err != nil {
		return nil, wrapGeminiError(err, model)
	}
	return geminiResponse(resp, model), nil
}

func geminiConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system := systemPrompt(req.Messages); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if len(req.Tools) > 0 {
		config.Tools = geminiTools(req.Tools)
	}
	return config
}

func geminiContents(messages []models.ChatMessage) []*genai.Content {
	names := toolNames(messages)

	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       tr.ToolCallID,
					Name:     names[tr.ToolCallID],
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func geminiTools(tools []models.ToolDefinition) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(parametersOrEmpty(tool.Parameters), &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  geminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// geminiSchema converts a JSON schema map to Gemini's typed schema. Only
// the keywords Gemini understands are carried over.
func geminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}
	return schema
}

func geminiResponse(resp *genai.GenerateContentResponse, model string) *Response {
	out := &Response{Model: model}
	if resp == nil {
		return out
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return out
	}

	candidate := resp.Candidates[0]
	out.StopReason = string(candidate.FinishReason)
	if candidate.Content == nil {
		return out
	}
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			out.Text += part.Text
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil || string(args) == "null" {
				args = []byte(`{}`)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:    id,
				Name:  part.FunctionCall.Name,
				Input: args,
			})
		}
	}
	return out
}

// wrapGeminiError maps genai errors, which carry status only in the message
// text, onto ProviderError.
func wrapGeminiError(err error, model string) error {
	if _, ok := GetProviderError(err); ok {
		return err
	}
	providerErr := NewProviderError(ProviderGemini, model, err)

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		providerErr = providerErr.WithStatus(http.StatusNotFound)
	case strings.Contains(msg, "503"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	case strings.Contains(msg, "500"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	}
	return providerErr
}
