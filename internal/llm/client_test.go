package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/resilience"
	"github.com/haasonsaas/conductor/pkg/models"
)

type fakeModel struct {
	name  string
	calls atomic.Int32
	fn    func(call int32, req *Request) (*Response, error)
}

func (f *fakeModel) Name() string { return f.name }

func (f *fakeModel) Generate(_ context.Context, req *Request) (*Response, error) {
	return f.fn(f.calls.Add(1), req)
}

func testWrapper() *resilience.Wrapper {
	return resilience.NewWrapper(resilience.NewRegistry(resilience.BreakerConfig{}), resilience.WrapperConfig{
		Retry: resilience.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
		},
		CallTimeout: time.Second,
	})
}

func TestClientRoutesAndPrices(t *testing.T) {
	m := &fakeModel{name: ProviderOpenAI, fn: func(_ int32, req *Request) (*Response, error) {
		return &Response{Text: "hi", Usage: Usage{InputTokens: 1_000_000}}, nil
	}}
	reg := prometheus.NewRegistry()
	client := NewClient(testWrapper(), WithMetrics(observability.NewMetrics(reg)))
	client.Register(m)

	resp, err := client.Generate(context.Background(), ProviderOpenAI, &Request{Model: "gpt-4o-mini", Purpose: PurposeRespond})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", resp.Model)
	}
	if resp.Cost != 0.15 {
		t.Errorf("Cost = %v, want 0.15", resp.Cost)
	}
	if n := testutil.CollectAndCount(reg, "conductor_model_requests_total"); n != 1 {
		t.Errorf("model request series = %d, want 1", n)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	client := NewClient(nil)
	_, err := client.Generate(context.Background(), "nope", &Request{})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestClientRetriesTransientProviderError(t *testing.T) {
	m := &fakeModel{name: ProviderAnthropic, fn: func(call int32, _ *Request) (*Response, error) {
		if call == 1 {
			return nil, &ProviderError{Reason: FailoverServerError, Provider: ProviderAnthropic}
		}
		return &Response{Text: "ok"}, nil
	}}
	client := NewClient(testWrapper())
	client.Register(m)

	resp, err := client.Generate(context.Background(), ProviderAnthropic, &Request{})
	if err != nil || resp.Text != "ok" {
		t.Fatalf("got %+v, %v", resp, err)
	}
	if m.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", m.calls.Load())
	}
}

func TestClientDoesNotRetryPermanentProviderError(t *testing.T) {
	m := &fakeModel{name: ProviderAnthropic, fn: func(int32, *Request) (*Response, error) {
		return nil, &ProviderError{Reason: FailoverAuth, Provider: ProviderAnthropic}
	}}
	client := NewClient(testWrapper())
	client.Register(m)

	_, err := client.Generate(context.Background(), ProviderAnthropic, &Request{})
	if _, ok := GetProviderError(err); !ok {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if m.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", m.calls.Load())
	}
}

func TestSystemPromptAndToolNames(t *testing.T) {
	messages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "a"},
		{Role: models.RoleSystem, Content: "b"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "search"}}},
	}
	if got := systemPrompt(messages); got != "a\n\nb" {
		t.Errorf("systemPrompt = %q", got)
	}
	if got := toolNames(messages)["c1"]; got != "search" {
		t.Errorf("toolNames[c1] = %q", got)
	}
}
