package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// FileHit is one passage returned by a file-search backend.
type FileHit struct {
	Content  string  `json:"content"`
	FileName string  `json:"file_name,omitempty"`
	Score    float64 `json:"score"`
	Provider string  `json:"provider"`
}

// FileQuery is the backend-neutral file-search request.
type FileQuery struct {
	Query      string
	MaxResults int
	StoreID    string
	TenantID   string
}

// FileBackend is one hosted file-search store.
type FileBackend interface {
	Name() string
	Search(ctx context.Context, q FileQuery) ([]FileHit, error)
}

// FileSearchResponse is the merged payload of a file_search call.
type FileSearchResponse struct {
	Results          []FileHit           `json:"results"`
	Count            int                 `json:"count"`
	ProvidersQueried []string            `json:"providers_queried"`
	Errors           []map[string]string `json:"errors,omitempty"`
}

// FileSearchProvider fans an abstract file_search call out to every backend
// the tenant has a knowledge base on, one after another, and merges the hits
// by descending score.
type FileSearchProvider struct {
	backends map[string]FileBackend
	order    []string
}

// NewFileSearchProvider creates a provider over the given backends.
func NewFileSearchProvider(backends ...FileBackend) *FileSearchProvider {
	p := &FileSearchProvider{backends: make(map[string]FileBackend)}
	for _, b := range backends {
		if _, dup := p.backends[b.Name()]; !dup {
			p.order = append(p.order, b.Name())
		}
		p.backends[b.Name()] = b
	}
	sort.Strings(p.order)
	return p
}

func (p *FileSearchProvider) Kind() models.ToolProviderKind { return models.ProviderFileSearch }

// Invoke implements Provider.
func (p *FileSearchProvider) Invoke(ctx context.Context, req *ToolRequest) (json.RawMessage, error) {
	query, _ := req.Arguments["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArguments)
	}
	maxResults := intArg(req.Arguments, "max_results", defaultResultCount)

	resp := FileSearchResponse{Results: []FileHit{}, ProvidersQueried: []string{}}
	var failures []error
	for _, name := range p.order {
		storeID, enabled := p.storeFor(req.Tenant, name)
		if !enabled {
			continue
		}
		resp.ProvidersQueried = append(resp.ProvidersQueried, name)

		hits, err := p.backends[name].Search(ctx, FileQuery{
			Query:      query,
			MaxResults: maxResults,
			StoreID:    storeID,
			TenantID:   req.Identity.TenantID,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			resp.Errors = append(resp.Errors, map[string]string{"provider": name, "error": err.Error()})
			continue
		}
		for _, hit := range hits {
			hit.Provider = name
			resp.Results = append(resp.Results, hit)
		}
	}

	if len(resp.ProvidersQueried) == 0 {
		resp.Errors = append(resp.Errors, map[string]string{"error": "no file search providers enabled for this tenant"})
	} else if len(failures) == len(resp.ProvidersQueried) {
		// Every backend failed; surface the failure so it can be retried.
		return nil, errors.Join(failures...)
	}

	sort.SliceStable(resp.Results, func(i, j int) bool {
		return resp.Results[i].Score > resp.Results[j].Score
	})
	resp.Count = len(resp.Results)
	return json.Marshal(resp)
}

// storeFor finds the tenant knowledge base served by backend.
func (p *FileSearchProvider) storeFor(tenant *models.TenantContext, backend string) (string, bool) {
	if tenant == nil {
		return "", false
	}
	ids := make([]string, 0, len(tenant.KnowledgeBases))
	for id := range tenant.KnowledgeBases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		kb := tenant.KnowledgeBases[id]
		if kb.Provider != backend {
			continue
		}
		if store, ok := kb.Config["store_id"].(string); ok && store != "" {
			return store, true
		}
		return id, true
	}
	return "", false
}

// HTTPFileBackend queries a vector-store search endpoint that accepts
// {"query","max_results","store_id"} and returns {"results":[...]}.
type HTTPFileBackend struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPFileBackend creates an HTTP file-search backend.
func NewHTTPFileBackend(name, endpoint, apiKey string, timeout time.Duration) *HTTPFileBackend {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFileBackend{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (b *HTTPFileBackend) Name() string { return b.name }

// Search implements FileBackend.
func (b *HTTPFileBackend) Search(ctx context.Context, q FileQuery) ([]FileHit, error) {
	body, err := json.Marshal(map[string]any{
		"query":       q.Query,
		"max_results": q.MaxResults,
		"store_id":    q.StoreID,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", q.TenantID)
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(b.name, resp.StatusCode, raw)
	}

	var payload struct {
		Results []FileHit `json:"results"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", b.name, err)
	}
	return payload.Results, nil
}
