package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// NewMemoryStores creates an in-memory StoreSet. Records are copied on the
// way in and out so callers never share mutable state with the store.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Tenants:       NewMemoryTenantStore(),
		Conversations: NewMemoryConversationStore(),
		Plans:         NewMemoryPlanStore(),
		Tasks:         NewMemoryTaskStore(),
		Insights:      NewMemoryInsightStore(),
	}
}

func scopedKey(tenantID, id string) string {
	return tenantID + "/" + id
}

// MemoryTenantStore provides an in-memory TenantStore.
type MemoryTenantStore struct {
	mu      sync.RWMutex
	tenants map[string]*models.TenantContext
}

// NewMemoryTenantStore creates an in-memory tenant store.
func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{tenants: make(map[string]*models.TenantContext)}
}

func (s *MemoryTenantStore) Get(ctx context.Context, tenantID string) (*models.TenantContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *tenant
	clone.AllowedTools = append([]string(nil), tenant.AllowedTools...)
	return &clone, nil
}

func (s *MemoryTenantStore) Put(ctx context.Context, tenant *models.TenantContext) error {
	if tenant == nil || tenant.TenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	clone := *tenant
	clone.AllowedTools = append([]string(nil), tenant.AllowedTools...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.TenantID] = &clone
	return nil
}

// MemoryConversationStore provides an in-memory ConversationStore.
type MemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation // scoped id
	threads       map[string]string               // tenant/channel/thread -> id
	messages      map[string][]models.CanonicalMessage
}

// NewMemoryConversationStore creates an in-memory conversation store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		conversations: make(map[string]*models.Conversation),
		threads:       make(map[string]string),
		messages:      make(map[string][]models.CanonicalMessage),
	}
}

func (s *MemoryConversationStore) GetOrCreate(ctx context.Context, tenantID string, channel models.ChannelType, externalThread string) (*models.Conversation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}
	threadKey := tenantID + "/" + string(channel) + "/" + externalThread

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.threads[threadKey]; ok {
		conv := *s.conversations[scopedKey(tenantID, id)]
		return &conv, nil
	}
	now := time.Now()
	conv := &models.Conversation{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Channel:        channel,
		ExternalThread: externalThread,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.conversations[scopedKey(tenantID, conv.ID)] = conv
	s.threads[threadKey] = conv.ID
	out := *conv
	return &out, nil
}

func (s *MemoryConversationStore) Get(ctx context.Context, tenantID, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[scopedKey(tenantID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *conv
	return &out, nil
}

func (s *MemoryConversationStore) AppendMessage(ctx context.Context, msg *models.CanonicalMessage) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	key := scopedKey(msg.TenantID, msg.ConversationID)

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range s.messages[key] {
		if existing.ID == msg.ID {
			return ErrAlreadyExists
		}
	}
	stored := *msg
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	s.messages[key] = append(s.messages[key], stored)
	conv.MessageCount++
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryConversationStore) History(ctx context.Context, tenantID, conversationID string, limit int) ([]models.CanonicalMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[scopedKey(tenantID, conversationID)]
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}
	return append([]models.CanonicalMessage(nil), all[start:]...), nil
}

// MemoryPlanStore provides an in-memory PlanStore.
type MemoryPlanStore struct {
	mu    sync.RWMutex
	plans map[string]*models.Plan
}

// NewMemoryPlanStore creates an in-memory plan store.
func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{plans: make(map[string]*models.Plan)}
}

func clonePlan(plan *models.Plan) *models.Plan {
	clone := *plan
	clone.Steps = make([]models.PlanStep, len(plan.Steps))
	for i, step := range plan.Steps {
		step.DependsOn = append([]int(nil), step.DependsOn...)
		step.Arguments = append([]byte(nil), step.Arguments...)
		clone.Steps[i] = step
	}
	return &clone
}

func (s *MemoryPlanStore) Create(ctx context.Context, plan *models.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("plan ID is required")
	}
	if plan.TenantID == "" {
		return fmt.Errorf("plan tenant ID is required")
	}
	key := scopedKey(plan.TenantID, plan.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[key]; exists {
		return ErrAlreadyExists
	}
	s.plans[key] = clonePlan(plan)
	return nil
}

func (s *MemoryPlanStore) Get(ctx context.Context, tenantID, id string) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[scopedKey(tenantID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePlan(plan), nil
}

func (s *MemoryPlanStore) UpdateStatus(ctx context.Context, tenantID, id string, from, to models.PlanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[scopedKey(tenantID, id)]
	if !ok {
		return ErrNotFound
	}
	if plan.Status != from {
		return ErrConflict
	}
	plan.Status = to
	plan.UpdatedAt = time.Now()
	return nil
}

// MemoryTaskStore provides an in-memory TaskStore.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// NewMemoryTaskStore creates an in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*models.Task)}
}

func (s *MemoryTaskStore) Create(ctx context.Context, task *models.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.TenantID == "" {
		return fmt.Errorf("task tenant ID is required")
	}
	key := scopedKey(task.TenantID, task.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[key]; exists {
		return ErrAlreadyExists
	}
	s.tasks[key] = task.Clone()
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, tenantID, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[scopedKey(tenantID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryTaskStore) Update(ctx context.Context, task *models.Task, expectedStatus models.TaskStatus, expectedStep int) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	key := scopedKey(task.TenantID, task.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[key]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expectedStatus || current.CurrentStep != expectedStep {
		return ErrConflict
	}
	s.tasks[key] = task.Clone()
	return nil
}

func (s *MemoryTaskStore) List(ctx context.Context, tenantID string, opts TaskListOptions) ([]*models.Task, error) {
	s.mu.RLock()
	var tasks []*models.Task
	for _, task := range s.tasks {
		if task.TenantID != tenantID {
			continue
		}
		if opts.Status != "" && task.Status != opts.Status {
			continue
		}
		tasks = append(tasks, task.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	return paginate(tasks, limit, opts.Offset), nil
}

func (s *MemoryTaskStore) ListStale(ctx context.Context, status models.TaskStatus, cutoff time.Time, limit int) ([]*models.Task, error) {
	s.mu.RLock()
	var tasks []*models.Task
	for _, task := range s.tasks {
		if task.Status == status && task.UpdatedAt.Before(cutoff) {
			tasks = append(tasks, task.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.Before(tasks[j].UpdatedAt)
	})
	if limit <= 0 {
		limit = 100
	}
	return paginate(tasks, limit, 0), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// MemoryInsightStore provides an in-memory InsightStore.
type MemoryInsightStore struct {
	mu       sync.RWMutex
	insights map[string][]*models.Insight // by tenant, in insertion order
}

// NewMemoryInsightStore creates an in-memory insight store.
func NewMemoryInsightStore() *MemoryInsightStore {
	return &MemoryInsightStore{insights: make(map[string][]*models.Insight)}
}

func (s *MemoryInsightStore) Create(ctx context.Context, insight *models.Insight) error {
	if insight == nil || insight.ID == "" {
		return fmt.Errorf("insight ID is required")
	}
	if insight.TenantID == "" {
		return fmt.Errorf("insight tenant ID is required")
	}
	clone := *insight
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.insights[insight.TenantID] {
		if existing.ID == insight.ID {
			return ErrAlreadyExists
		}
	}
	s.insights[insight.TenantID] = append(s.insights[insight.TenantID], &clone)
	return nil
}

func (s *MemoryInsightStore) Recent(ctx context.Context, tenantID string, limit int) ([]*models.Insight, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.insights[tenantID]
	out := make([]*models.Insight, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		clone := *all[i]
		out = append(out, &clone)
	}
	return out, nil
}
