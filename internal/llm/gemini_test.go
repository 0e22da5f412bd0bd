package llm

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestGeminiContents(t *testing.T) {
	messages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "rules"},
		{Role: models.RoleUser, Content: "weather?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "get_weather", Input: json.RawMessage(`{"city":"Paris"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "sunny"}}},
	}

	got := geminiContents(messages)
	if len(got) != 3 {
		t.Fatalf("got %d contents, want 3", len(got))
	}
	if got[1].Role != genai.RoleModel {
		t.Errorf("assistant role = %s", got[1].Role)
	}
	fr := got[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "get_weather" {
		t.Fatalf("function response = %+v", fr)
	}
	if fr.Response["result"] != "sunny" {
		t.Errorf("non-JSON result should be wrapped: %+v", fr.Response)
	}
}

func TestGeminiSchema(t *testing.T) {
	schema := geminiSchema(map[string]any{
		"type":     "object",
		"required": []any{"city"},
		"properties": map[string]any{
			"city":  map[string]any{"type": "string", "description": "City name"},
			"units": map[string]any{"type": "string", "enum": []any{"c", "f"}},
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	})

	if schema.Type != genai.TypeObject {
		t.Errorf("type = %s", schema.Type)
	}
	if schema.Properties["city"].Description != "City name" {
		t.Errorf("city = %+v", schema.Properties["city"])
	}
	if len(schema.Properties["units"].Enum) != 2 || schema.Properties["tags"].Items.Type != genai.TypeString {
		t.Errorf("nested schema not converted: %+v", schema.Properties)
	}
	if len(schema.Required) != 1 {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestGeminiResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "checking"},
				{FunctionCall: &genai.FunctionCall{Name: "get_weather", Args: map[string]any{"city": "Paris"}}},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     7,
			CandidatesTokenCount: 3,
			TotalTokenCount:      10,
		},
	}

	out := geminiResponse(resp, "gemini-1.5-flash")
	if out.Text != "checking" || out.Usage.TotalTokens != 10 {
		t.Errorf("response = %+v", out)
	}
	if len(out.ToolCalls) != 1 || !strings.HasPrefix(out.ToolCalls[0].ID, "call_") {
		t.Fatalf("tool calls = %+v", out.ToolCalls)
	}
	if string(out.ToolCalls[0].Input) != `{"city":"Paris"}` {
		t.Errorf("input = %s", out.ToolCalls[0].Input)
	}
}

func TestWrapGeminiError(t *testing.T) {
	err := wrapGeminiError(errors.New("Error 429, Message: Resource exhausted"), "gemini-1.5-pro")
	providerErr, ok := GetProviderError(err)
	if !ok || providerErr.Status != http.StatusTooManyRequests || !providerErr.Retryable() {
		t.Errorf("got %+v", providerErr)
	}
}
