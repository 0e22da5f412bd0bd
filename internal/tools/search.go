package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/haasonsaas/conductor/internal/resilience"
	"github.com/haasonsaas/conductor/pkg/models"
)

const (
	defaultResultCount = 5
	maxResultCount     = 20
	maxResponseBytes   = 4 << 20
)

// SearchConfig configures the search provider.
type SearchConfig struct {
	// Endpoint is the base URL of a SearXNG-compatible JSON search API.
	Endpoint string `yaml:"endpoint"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	DefaultResultCount int           `yaml:"default_result_count"`
	Timeout            time.Duration `yaml:"timeout"`
}

// SearchResult is one hit returned to the model.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score,omitempty"`
}

// SearchResponse is the payload of a search tool call.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

// SearchProvider answers "search" tools from an HTTP search endpoint. A
// tool may point at a tenant knowledge base through the "knowledge_base"
// implementation reference, whose "endpoint" config overrides the default.
type SearchProvider struct {
	config SearchConfig
	client *http.Client
	policy *bluemonday.Policy
}

// NewSearchProvider creates a search provider.
func NewSearchProvider(config SearchConfig) *SearchProvider {
	if config.DefaultResultCount <= 0 {
		config.DefaultResultCount = defaultResultCount
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &SearchProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		policy: bluemonday.StrictPolicy(),
	}
}

func (p *SearchProvider) Kind() models.ToolProviderKind { return models.ProviderSearch }

// Invoke implements Provider.
func (p *SearchProvider) Invoke(ctx context.Context, req *ToolRequest) (json.RawMessage, error) {
	query, _ := req.Arguments["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArguments)
	}
	count := intArg(req.Arguments, "result_count", p.config.DefaultResultCount)
	if count > maxResultCount {
		count = maxResultCount
	}

	endpoint := p.config.Endpoint
	if kb := req.Definition.RefString("knowledge_base"); kb != "" && req.Tenant != nil {
		ref, ok := req.Tenant.KnowledgeBases[kb]
		if !ok {
			return nil, fmt.Errorf("knowledge base %q is not configured for tenant", kb)
		}
		if e, ok := ref.Config["endpoint"].(string); ok && e != "" {
			endpoint = e
		}
	}
	if endpoint == "" {
		return nil, errors.New("search endpoint not configured")
	}

	results, err := p.search(ctx, endpoint, query, count, req.Identity)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SearchResponse{Query: query, Results: results, Count: len(results)})
}

func (p *SearchProvider) search(ctx context.Context, endpoint, query string, count int, identity models.CallIdentity) ([]SearchResult, error) {
	searchURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("pageno", "1")
	searchURL.Path = strings.TrimSuffix(searchURL.Path, "/") + "/search"
	searchURL.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Tenant-ID", identity.TenantID)
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resilience.Transient(resilience.KindUnavailable, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("search", resp.StatusCode, body)
	}

	var payload struct {
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	results := make([]SearchResult, 0, min(count, len(payload.Results)))
	for i := 0; i < len(payload.Results) && i < count; i++ {
		r := payload.Results[i]
		results = append(results, SearchResult{
			Title:   p.clean(r.Title),
			URL:     r.URL,
			Snippet: p.clean(r.Content),
			Score:   r.Score,
		})
	}
	return results, nil
}

// clean strips markup from upstream text before it reaches the model.
func (p *SearchProvider) clean(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(p.policy.Sanitize(s))), " ")
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// statusError classifies a non-2xx upstream status.
func statusError(provider string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := fmt.Errorf("%s returned status %d: %s", provider, status, msg)
	switch {
	case status == http.StatusTooManyRequests:
		return resilience.Transient(resilience.KindRateLimited, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return resilience.Transient(resilience.KindTimeout, err)
	case status >= 500:
		return resilience.Transient(resilience.KindUnavailable, err)
	default:
		return err
	}
}

// classifyTransportError marks connection-level failures as transient.
// Cancellation by the caller is passed through unchanged.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.Transient(resilience.KindTimeout, err)
	}
	return resilience.Transient(resilience.KindUnavailable, err)
}
