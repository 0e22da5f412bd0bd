package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}

type sqlTenantStore struct {
	db *sql.DB
	d  Dialect
}

func (s *sqlTenantStore) Get(ctx context.Context, tenantID string) (*models.TenantContext, error) {
	if tenantID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, provider, model, planning_enabled, max_tool_steps, plan_timeout_seconds,
		        allowed_tools, prompt_profile, knowledge_bases, tool_servers
		 FROM tenants WHERE id = $1`), tenantID)

	var tenant models.TenantContext
	var timeoutSeconds int
	var profile, kbs, servers []byte
	if err := row.Scan(
		&tenant.TenantID,
		&tenant.Provider,
		&tenant.Model,
		&tenant.PlanningEnabled,
		&tenant.MaxToolSteps,
		&timeoutSeconds,
		s.d.scanStringArray(&tenant.AllowedTools),
		&profile,
		&kbs,
		&servers,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	tenant.PlanTimeout = time.Duration(timeoutSeconds) * time.Second
	if err := scanJSON(profile, &tenant.PromptProfile); err != nil {
		return nil, fmt.Errorf("unmarshal prompt profile: %w", err)
	}
	if err := scanJSON(kbs, &tenant.KnowledgeBases); err != nil {
		return nil, fmt.Errorf("unmarshal knowledge bases: %w", err)
	}
	if err := scanJSON(servers, &tenant.ToolServers); err != nil {
		return nil, fmt.Errorf("unmarshal tool servers: %w", err)
	}
	return &tenant, nil
}

func (s *sqlTenantStore) Put(ctx context.Context, tenant *models.TenantContext) error {
	if tenant == nil || tenant.TenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	profile, err := jsonText(tenant.PromptProfile)
	if err != nil {
		return fmt.Errorf("marshal prompt profile: %w", err)
	}
	kbs, err := jsonText(nonNilMap(tenant.KnowledgeBases))
	if err != nil {
		return fmt.Errorf("marshal knowledge bases: %w", err)
	}
	servers, err := jsonText(nonNilMap(tenant.ToolServers))
	if err != nil {
		return fmt.Errorf("marshal tool servers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO tenants (id, provider, model, planning_enabled, max_tool_steps, plan_timeout_seconds,
		                      allowed_tools, prompt_profile, knowledge_bases, tool_servers, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (id) DO UPDATE SET
		   provider = excluded.provider,
		   model = excluded.model,
		   planning_enabled = excluded.planning_enabled,
		   max_tool_steps = excluded.max_tool_steps,
		   plan_timeout_seconds = excluded.plan_timeout_seconds,
		   allowed_tools = excluded.allowed_tools,
		   prompt_profile = excluded.prompt_profile,
		   knowledge_bases = excluded.knowledge_bases,
		   tool_servers = excluded.tool_servers,
		   updated_at = excluded.updated_at`),
		tenant.TenantID,
		tenant.Provider,
		tenant.Model,
		tenant.PlanningEnabled,
		tenant.MaxToolSteps,
		int(tenant.PlanTimeout/time.Second),
		s.d.stringArray(tenant.AllowedTools),
		profile,
		kbs,
		servers,
		s.d.timeValue(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put tenant: %w", err)
	}
	return nil
}

func nonNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

type sqlConversationStore struct {
	db *sql.DB
	d  Dialect
}

const conversationColumns = `id, tenant_id, channel, external_thread, message_count, metadata, created_at, updated_at`

func (s *sqlConversationStore) scanConversation(row scanner) (*models.Conversation, error) {
	var conv models.Conversation
	var metadata []byte
	if err := row.Scan(
		&conv.ID,
		&conv.TenantID,
		&conv.Channel,
		&conv.ExternalThread,
		&conv.MessageCount,
		&metadata,
		scanTime(&conv.CreatedAt),
		scanTime(&conv.UpdatedAt),
	); err != nil {
		return nil, err
	}
	if err := scanJSON(metadata, &conv.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal conversation metadata: %w", err)
	}
	return &conv, nil
}

func (s *sqlConversationStore) GetOrCreate(ctx context.Context, tenantID string, channel models.ChannelType, externalThread string) (*models.Conversation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO conversations (id, tenant_id, channel, external_thread, message_count, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,0,'{}',$5,$6)
		 ON CONFLICT (tenant_id, channel, external_thread) DO NOTHING`),
		uuid.NewString(),
		tenantID,
		channel,
		externalThread,
		s.d.timeValue(now),
		s.d.timeValue(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	row := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE tenant_id = $1 AND channel = $2 AND external_thread = $3`),
		tenantID, channel, externalThread)
	conv, err := s.scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *sqlConversationStore) Get(ctx context.Context, tenantID, id string) (*models.Conversation, error) {
	if tenantID == "" || id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND tenant_id = $2`), id, tenantID)
	conv, err := s.scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// AppendMessage inserts the message and bumps the conversation counter in one
// transaction.
func (s *sqlConversationStore) AppendMessage(ctx context.Context, msg *models.CanonicalMessage) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if msg.TenantID == "" || msg.ConversationID == "" {
		return fmt.Errorf("message must be scoped to a tenant conversation")
	}
	metadata, err := jsonText(nonNilMap(msg.Metadata))
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	created := msg.Timestamp
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	_, err = tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO messages (id, tenant_id, conversation_id, direction, from_type, from_id, content_type, content_text, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`),
		msg.ID,
		msg.TenantID,
		msg.ConversationID,
		msg.Direction,
		msg.From.Type,
		msg.From.ExternalID,
		msg.Content.Type,
		msg.Content.Text,
		metadata,
		s.d.timeValue(created),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("append message: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.d.rebind(
		`UPDATE conversations SET message_count = message_count + 1, updated_at = $1
		 WHERE id = $2 AND tenant_id = $3`),
		s.d.timeValue(time.Now()), msg.ConversationID, msg.TenantID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *sqlConversationStore) History(ctx context.Context, tenantID, conversationID string, limit int) ([]models.CanonicalMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT id, tenant_id, conversation_id, direction, from_type, from_id, content_type, content_text, metadata, created_at
		 FROM messages WHERE tenant_id = $1 AND conversation_id = $2
		 ORDER BY created_at DESC LIMIT $3`),
		tenantID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []models.CanonicalMessage
	for rows.Next() {
		var msg models.CanonicalMessage
		var metadata []byte
		if err := rows.Scan(
			&msg.ID,
			&msg.TenantID,
			&msg.ConversationID,
			&msg.Direction,
			&msg.From.Type,
			&msg.From.ExternalID,
			&msg.Content.Type,
			&msg.Content.Text,
			&metadata,
			scanTime(&msg.Timestamp),
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := scanJSON(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
