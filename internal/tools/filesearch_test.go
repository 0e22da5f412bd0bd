package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

type fakeBackend struct {
	name  string
	hits  []FileHit
	err   error
	query FileQuery
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Search(_ context.Context, q FileQuery) ([]FileHit, error) {
	f.query = q
	return f.hits, f.err
}

func fileSearchRequest(kbs map[string]models.KnowledgeBaseRef) *ToolRequest {
	tenant := testTenant()
	tenant.KnowledgeBases = kbs
	return &ToolRequest{
		Definition: &models.ToolDefinition{Name: "docs", Provider: models.ProviderFileSearch},
		Arguments:  map[string]any{"query": "refund policy"},
		Identity:   testIdentity(),
		Tenant:     tenant,
	}
}

func decodeFileSearch(t *testing.T, raw json.RawMessage) FileSearchResponse {
	t.Helper()
	var resp FileSearchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestFileSearchMergesByScore(t *testing.T) {
	openai := &fakeBackend{name: "openai", hits: []FileHit{{Content: "a", Score: 0.4}, {Content: "b", Score: 0.9}}}
	gemini := &fakeBackend{name: "gemini", hits: []FileHit{{Content: "c", Score: 0.7}}}
	provider := NewFileSearchProvider(openai, gemini)

	raw, err := provider.Invoke(context.Background(), fileSearchRequest(map[string]models.KnowledgeBaseRef{
		"kb-docs":  {Provider: "openai", Config: map[string]any{"store_id": "vs_123"}},
		"kb-other": {Provider: "gemini"},
	}))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	resp := decodeFileSearch(t, raw)

	var order []string
	for _, hit := range resp.Results {
		order = append(order, hit.Content+":"+hit.Provider)
	}
	if got := order; len(got) != 3 || got[0] != "b:openai" || got[1] != "c:gemini" || got[2] != "a:openai" {
		t.Errorf("order = %v", got)
	}
	if resp.Count != 3 {
		t.Errorf("Count = %d", resp.Count)
	}
	if len(resp.ProvidersQueried) != 2 || resp.ProvidersQueried[0] != "gemini" || resp.ProvidersQueried[1] != "openai" {
		t.Errorf("ProvidersQueried = %v", resp.ProvidersQueried)
	}
	if openai.query.StoreID != "vs_123" || gemini.query.StoreID != "kb-other" {
		t.Errorf("store ids = %q, %q", openai.query.StoreID, gemini.query.StoreID)
	}
	if openai.query.TenantID != "acme" || openai.query.MaxResults != defaultResultCount {
		t.Errorf("query = %+v", openai.query)
	}
}

func TestFileSearchPartialFailure(t *testing.T) {
	ok := &fakeBackend{name: "openai", hits: []FileHit{{Content: "a", Score: 0.5}}}
	broken := &fakeBackend{name: "gemini", err: errors.New("quota exceeded")}
	provider := NewFileSearchProvider(ok, broken)

	raw, err := provider.Invoke(context.Background(), fileSearchRequest(map[string]models.KnowledgeBaseRef{
		"a": {Provider: "openai"},
		"b": {Provider: "gemini"},
	}))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	resp := decodeFileSearch(t, raw)
	if resp.Count != 1 {
		t.Errorf("Count = %d", resp.Count)
	}
	if len(resp.Errors) != 1 || resp.Errors[0]["provider"] != "gemini" || resp.Errors[0]["error"] != "quota exceeded" {
		t.Errorf("Errors = %v", resp.Errors)
	}
}

func TestFileSearchAllBackendsFail(t *testing.T) {
	cause := errors.New("down")
	provider := NewFileSearchProvider(&fakeBackend{name: "openai", err: cause})

	_, err := provider.Invoke(context.Background(), fileSearchRequest(map[string]models.KnowledgeBaseRef{
		"a": {Provider: "openai"},
	}))
	if !errors.Is(err, cause) {
		t.Errorf("err = %v, want wrapped cause", err)
	}
}

func TestFileSearchNoProvidersEnabled(t *testing.T) {
	backend := &fakeBackend{name: "openai"}
	provider := NewFileSearchProvider(backend)

	raw, err := provider.Invoke(context.Background(), fileSearchRequest(map[string]models.KnowledgeBaseRef{
		"web": {Provider: "search"},
	}))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	resp := decodeFileSearch(t, raw)
	if resp.Count != 0 || len(resp.ProvidersQueried) != 0 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Errors) != 1 || resp.Errors[0]["error"] != "no file search providers enabled for this tenant" {
		t.Errorf("Errors = %v", resp.Errors)
	}
	if backend.query.Query != "" {
		t.Error("disabled backend was queried")
	}
}

func TestHTTPFileBackendSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body["store_id"] != "vs_1" || r.Header.Get("X-Tenant-ID") != "acme" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"content":"passage","file_name":"faq.md","score":0.8}]}`))
	}))
	defer server.Close()

	backend := NewHTTPFileBackend("openai", server.URL, "", 0)
	hits, err := backend.Search(context.Background(), FileQuery{Query: "q", MaxResults: 3, StoreID: "vs_1", TenantID: "acme"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].FileName != "faq.md" || hits[0].Score != 0.8 {
		t.Errorf("hits = %+v", hits)
	}
}
