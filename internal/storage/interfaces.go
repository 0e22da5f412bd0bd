// Package storage persists tenants, conversations, plans, tasks and insights.
// Every record is tenant-scoped: lookups and status transitions always filter
// by tenant id as well as record id.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict is returned when a compare-and-swap update finds the record
	// in a different state than expected.
	ErrConflict = errors.New("concurrent modification")
)

// TenantStore persists tenant configuration.
type TenantStore interface {
	Get(ctx context.Context, tenantID string) (*models.TenantContext, error)
	Put(ctx context.Context, tenant *models.TenantContext) error
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	// GetOrCreate returns the conversation for a channel thread, creating it
	// on first use.
	GetOrCreate(ctx context.Context, tenantID string, channel models.ChannelType, externalThread string) (*models.Conversation, error)
	Get(ctx context.Context, tenantID, id string) (*models.Conversation, error)

	// AppendMessage stores msg and bumps the conversation's message count.
	AppendMessage(ctx context.Context, msg *models.CanonicalMessage) error

	// History returns up to limit of the most recent messages, oldest first.
	History(ctx context.Context, tenantID, conversationID string, limit int) ([]models.CanonicalMessage, error)
}

// PlanStore persists plans.
type PlanStore interface {
	Create(ctx context.Context, plan *models.Plan) error
	Get(ctx context.Context, tenantID, id string) (*models.Plan, error)

	// UpdateStatus moves a plan from one status to another. It returns
	// ErrConflict when the plan is not in from.
	UpdateStatus(ctx context.Context, tenantID, id string, from, to models.PlanStatus) error
}

// TaskStore persists tasks.
type TaskStore interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, tenantID, id string) (*models.Task, error)

	// Update writes task only if the stored record still has expectedStatus
	// and expectedStep. It returns ErrConflict otherwise.
	Update(ctx context.Context, task *models.Task, expectedStatus models.TaskStatus, expectedStep int) error

	// List returns a tenant's tasks, most recently updated first.
	List(ctx context.Context, tenantID string, opts TaskListOptions) ([]*models.Task, error)

	// ListStale returns tasks of any tenant in status that were last updated
	// before cutoff, oldest first.
	ListStale(ctx context.Context, status models.TaskStatus, cutoff time.Time, limit int) ([]*models.Task, error)
}

// TaskListOptions filters task listings.
type TaskListOptions struct {
	// Status filters by task status when set.
	Status models.TaskStatus
	Limit  int
	Offset int
}

// InsightStore persists reflection insights. Insights are append-only.
type InsightStore interface {
	Create(ctx context.Context, insight *models.Insight) error

	// Recent returns a tenant's newest insights first.
	Recent(ctx context.Context, tenantID string, limit int) ([]*models.Insight, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Tenants       TenantStore
	Conversations ConversationStore
	Plans         PlanStore
	Tasks         TaskStore
	Insights      InsightStore
	closer        func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
