package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conductor/internal/resilience"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Implementation reference keys for tool-server tools.
const (
	RefServerName = "mcp_server_name"
	RefToolName   = "mcp_tool_name"
)

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("tool server error %d: %s", e.Code, e.Message)
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// callToolParams are the "tools/call" params. Identity travels in _meta so
// the server never has to trust model-supplied arguments.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// ToolServerConfig configures the tool-server provider.
type ToolServerConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// AllowPrivateEndpoints disables the internal-network endpoint check.
	// Only for local development.
	AllowPrivateEndpoints bool `yaml:"allow_private_endpoints"`
}

// ToolServerProvider calls tools hosted on tenant-configured external tool
// servers using JSON-RPC "tools/call" over HTTP or WebSocket.
type ToolServerProvider struct {
	config ToolServerConfig
	client *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewToolServerProvider creates a tool-server provider.
func NewToolServerProvider(config ToolServerConfig, logger *slog.Logger) *ToolServerProvider {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolServerProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		dialer: &websocket.Dialer{HandshakeTimeout: config.Timeout},
		logger: logger.With("component", "toolserver"),
	}
}

func (p *ToolServerProvider) Kind() models.ToolProviderKind { return models.ProviderToolServer }

// DependencyKey scopes the breaker to one tenant's server, so a failing
// server never trips calls to another tenant's servers.
func (p *ToolServerProvider) DependencyKey(req *ToolRequest) string {
	if req == nil || req.Tenant == nil || req.Definition == nil {
		return ""
	}
	serverName := req.Definition.RefString(RefServerName)
	if serverName == "" {
		return ""
	}
	return "tool:" + string(models.ProviderToolServer) + ":" + req.Tenant.TenantID + "/" + serverName
}

// Invoke implements Provider.
func (p *ToolServerProvider) Invoke(ctx context.Context, req *ToolRequest) (json.RawMessage, error) {
	serverName := req.Definition.RefString(RefServerName)
	if serverName == "" {
		return nil, fmt.Errorf("tool %s has no %s reference", req.Definition.Name, RefServerName)
	}
	toolName := req.Definition.RefString(RefToolName)
	if toolName == "" {
		toolName = req.Definition.Name
	}

	var server models.ToolServerRef
	var ok bool
	if req.Tenant != nil {
		server, ok = req.Tenant.ToolServers[serverName]
	}
	if !ok {
		return nil, fmt.Errorf("tool server %q is not configured for tenant", serverName)
	}
	if server.Endpoint == "" {
		return nil, fmt.Errorf("tool server %q has no endpoint", serverName)
	}
	if !p.config.AllowPrivateEndpoints {
		if err := ValidateEndpoint(server.Endpoint); err != nil {
			return nil, err
		}
	}

	params, err := json.Marshal(callToolParams{
		Name:      toolName,
		Arguments: req.Arguments,
		Meta: map[string]any{
			"tenant_id":        req.Identity.TenantID,
			"user_external_id": req.Identity.UserExternalID,
			"conversation_id":  req.Identity.ConversationID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	rpcReq := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      "call_" + uuid.NewString(),
		Method:  "tools/call",
		Params:  params,
	}

	p.logger.DebugContext(ctx, "calling tool server", "server", serverName, "tool", toolName)
	endpoint := strings.ToLower(server.Endpoint)
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return p.callWebSocket(ctx, server, rpcReq)
	}
	return p.callHTTP(ctx, server, rpcReq)
}

func (p *ToolServerProvider) callHTTP(ctx context.Context, server models.ToolServerRef, rpcReq JSONRPCRequest) (json.RawMessage, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range server.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("tool server", resp.StatusCode, raw)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return rpcResult(rpcResp)
}

func (p *ToolServerProvider) callWebSocket(ctx context.Context, server models.ToolServerRef, rpcReq JSONRPCRequest) (json.RawMessage, error) {
	header := http.Header{}
	for k, v := range server.Headers {
		header.Set(k, v)
	}

	conn, resp, err := p.dialer.DialContext(ctx, server.Endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, statusError("tool server", resp.StatusCode, nil)
		}
		return nil, classifyTransportError(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	// Unblock reads when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(rpcReq); err != nil {
		return nil, wsError(ctx, err)
	}
	for {
		var rpcResp JSONRPCResponse
		if err := conn.ReadJSON(&rpcResp); err != nil {
			return nil, wsError(ctx, err)
		}
		// Skip notifications and responses to other requests.
		if id, ok := rpcResp.ID.(string); !ok || id != rpcReq.ID {
			continue
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return rpcResult(rpcResp)
	}
}

func wsError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return classifyTransportError(ctxErr)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return resilience.Transient(resilience.KindTimeout, err)
	}
	return resilience.Transient(resilience.KindUnavailable, err)
}

func rpcResult(resp JSONRPCResponse) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Result) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return resp.Result, nil
}
