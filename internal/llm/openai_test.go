package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestOpenAIMessages(t *testing.T) {
	messages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "rules"},
		{Role: models.RoleUser, Content: "find shoes"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "search", Input: json.RawMessage(`{"q":"shoes"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: `{"hits":1}`},
			{ToolCallID: "c2", Content: "failed", IsError: true},
		}},
	}

	got := openAIMessages(messages)
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[1].Role != openai.ChatMessageRoleUser {
		t.Errorf("roles = %s, %s", got[0].Role, got[1].Role)
	}
	call := got[2].ToolCalls[0]
	if call.ID != "c1" || call.Function.Name != "search" || call.Function.Arguments != `{"q":"shoes"}` {
		t.Errorf("tool call = %+v", call)
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "c1" || got[4].ToolCallID != "c2" {
		t.Errorf("tool results = %+v, %+v", got[3], got[4])
	}
}

func TestOpenAIToolsInvalidSchema(t *testing.T) {
	tools := openAITools([]models.ToolDefinition{{Name: "broken", Parameters: json.RawMessage(`{`)}})
	params, ok := tools[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("parameters = %#v, want empty object schema", tools[0].Function.Parameters)
	}
}

func TestOpenAIGenerate(t *testing.T) {
	var gotReq openai.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "search", "arguments": "{\"q\":\"x\"}"}}]
				}
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	m, err := NewOpenAIModel(OpenAIConfig{APIKey: "test", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOpenAIModel: %v", err)
	}
	resp, err := m.Generate(context.Background(), &Request{
		Model:    "gpt-4o-mini",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		Tools:    []models.ToolDefinition{{Name: "search", Description: "web search"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotReq.Model != "gpt-4o-mini" || len(gotReq.Tools) != 1 {
		t.Errorf("request = %+v", gotReq)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "search" || string(resp.ToolCalls[0].Input) != `{"q":"x"}` {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 15 || resp.StopReason != "tool_calls" {
		t.Errorf("usage = %+v stop = %q", resp.Usage, resp.StopReason)
	}
}

func TestOpenAIGenerateRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "requests", "code": "rate_limit_exceeded"}}`))
	}))
	defer server.Close()

	m, err := NewOpenAIModel(OpenAIConfig{APIKey: "test", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOpenAIModel: %v", err)
	}
	_, err = m.Generate(context.Background(), &Request{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}})

	providerErr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if providerErr.Reason != FailoverRateLimit || !providerErr.Retryable() {
		t.Errorf("reason = %s", providerErr.Reason)
	}
	if providerErr.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", providerErr.Status)
	}
}

func TestNewOpenAIModelRequiresKey(t *testing.T) {
	if _, err := NewOpenAIModel(OpenAIConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
}
