package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestMemoryTenantStore(t *testing.T) {
	store := NewMemoryTenantStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "acme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}

	tenant := &models.TenantContext{TenantID: "acme", AllowedTools: []string{"search"}}
	if err := store.Put(ctx, tenant); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	tenant.AllowedTools[0] = "mutated"

	got, err := store.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AllowedTools[0] != "search" {
		t.Errorf("stored tenant shares caller memory: %v", got.AllowedTools)
	}
}

func TestMemoryConversationStore(t *testing.T) {
	store := NewMemoryConversationStore()
	ctx := context.Background()

	conv, err := store.GetOrCreate(ctx, "acme", models.ChannelSlack, "thread-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	again, err := store.GetOrCreate(ctx, "acme", models.ChannelSlack, "thread-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if again.ID != conv.ID {
		t.Errorf("GetOrCreate() returned a new conversation %s != %s", again.ID, conv.ID)
	}
	other, _ := store.GetOrCreate(ctx, "globex", models.ChannelSlack, "thread-1")
	if other.ID == conv.ID {
		t.Error("conversations are not tenant scoped")
	}

	for i := 0; i < 5; i++ {
		msg := &models.CanonicalMessage{
			ID:             fmt.Sprintf("m%d", i),
			TenantID:       "acme",
			ConversationID: conv.ID,
			Content:        models.Content{Type: models.ContentText, Text: fmt.Sprintf("hello %d", i)},
		}
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}
	dup := &models.CanonicalMessage{ID: "m0", TenantID: "acme", ConversationID: conv.ID}
	if err := store.AppendMessage(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate AppendMessage() error = %v", err)
	}
	wrongTenant := &models.CanonicalMessage{ID: "x", TenantID: "globex", ConversationID: conv.ID}
	if err := store.AppendMessage(ctx, wrongTenant); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant AppendMessage() error = %v", err)
	}

	history, err := store.History(ctx, "acme", conv.ID, 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 || history[0].ID != "m2" || history[2].ID != "m4" {
		t.Errorf("History() = %v", history)
	}

	got, _ := store.Get(ctx, "acme", conv.ID)
	if got.MessageCount != 5 {
		t.Errorf("MessageCount = %d, want 5", got.MessageCount)
	}
	if _, err := store.Get(ctx, "globex", conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant Get() error = %v", err)
	}
}

func TestMemoryPlanStoreStatusSwap(t *testing.T) {
	store := NewMemoryPlanStore()
	ctx := context.Background()
	plan := &models.Plan{
		ID:       uuid.NewString(),
		TenantID: "acme",
		Goal:     "ship it",
		Steps:    []models.PlanStep{{Number: 1, Description: "build", DependsOn: []int{}}},
		Status:   models.PlanDraft,
	}
	if err := store.Create(ctx, plan); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, plan); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v", err)
	}

	if err := store.UpdateStatus(ctx, "acme", plan.ID, models.PlanDraft, models.PlanExecuting); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := store.UpdateStatus(ctx, "acme", plan.ID, models.PlanDraft, models.PlanExecuting); !errors.Is(err, ErrConflict) {
		t.Errorf("second UpdateStatus() error = %v, want ErrConflict", err)
	}
	if err := store.UpdateStatus(ctx, "globex", plan.ID, models.PlanExecuting, models.PlanFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant UpdateStatus() error = %v, want ErrNotFound", err)
	}

	got, err := store.Get(ctx, "acme", plan.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.PlanExecuting {
		t.Errorf("Status = %s", got.Status)
	}
}

func newTask(tenantID string, updated time.Time) *models.Task {
	return &models.Task{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Goal:      "goal",
		Status:    models.TaskExecuting,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestMemoryTaskStoreCompareAndSwap(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()
	task := newTask("acme", time.Now())
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Concurrent writers starting from the same snapshot: exactly one wins.
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := task.Clone()
			next.CurrentStep = 1
			err := store.Update(ctx, next, models.TaskExecuting, 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("Update() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != 9 {
		t.Errorf("wins = %d, conflicts = %d", wins, conflicts)
	}

	ghost := newTask("acme", time.Now())
	if err := store.Update(ctx, ghost, models.TaskExecuting, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() on missing task error = %v", err)
	}
}

func TestMemoryTaskStoreListAndStale(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	var ids []string
	for i := 0; i < 4; i++ {
		task := newTask("acme", base.Add(time.Duration(i)*time.Minute))
		if i == 3 {
			task.Status = models.TaskPaused
		}
		ids = append(ids, task.ID)
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	_ = store.Create(ctx, newTask("globex", base))

	all, _ := store.List(ctx, "acme", TaskListOptions{})
	if len(all) != 4 || all[0].ID != ids[3] {
		t.Fatalf("List() = %d tasks, first %v", len(all), all[0].ID)
	}
	page, _ := store.List(ctx, "acme", TaskListOptions{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Errorf("List() page = %v", page)
	}
	paused, _ := store.List(ctx, "acme", TaskListOptions{Status: models.TaskPaused})
	if len(paused) != 1 || paused[0].ID != ids[3] {
		t.Errorf("List(paused) = %v", paused)
	}

	stale, _ := store.ListStale(ctx, models.TaskExecuting, base.Add(90*time.Second), 10)
	if len(stale) != 3 {
		t.Fatalf("ListStale() = %d tasks, want 3 (two acme, one globex)", len(stale))
	}
	if stale[len(stale)-1].ID != ids[1] {
		t.Errorf("ListStale() not ordered oldest first")
	}
}

func TestMemoryInsightStoreRecent(t *testing.T) {
	store := NewMemoryInsightStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		insight := &models.Insight{ID: fmt.Sprintf("i%d", i), TenantID: "acme", Goal: "g", CreatedAt: time.Now()}
		if err := store.Create(ctx, insight); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	recent, err := store.Recent(ctx, "acme", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "i2" || recent[1].ID != "i1" {
		t.Errorf("Recent() = %v", recent)
	}
	if other, _ := store.Recent(ctx, "globex", 10); len(other) != 0 {
		t.Errorf("Recent() leaked across tenants: %v", other)
	}
}
