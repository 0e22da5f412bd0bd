package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	if _, err := NewSweeper(f.manager, f.stores.Tasks, nil, SweeperConfig{Schedule: "every minute"}); err == nil {
		t.Fatal("expected schedule error")
	}
	s, err := NewSweeper(f.manager, f.stores.Tasks, nil, SweeperConfig{})
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	if s.config.Schedule != "@every 1m" || s.config.MinAge != time.Minute || s.config.BatchSize != 100 {
		t.Errorf("defaults = %+v", s.config)
	}
}

func TestSweepPausesTasksPastTenantTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.stores.Tenants.Put(ctx, &models.TenantContext{TenantID: "fast", PlanTimeout: 2 * time.Minute})
	_ = f.stores.Tenants.Put(ctx, &models.TenantContext{TenantID: "slow", PlanTimeout: time.Hour})

	fast, _ := f.manager.Create(ctx, "fast", "c", "goal", nil)
	slow, _ := f.manager.Create(ctx, "slow", "c", "goal", nil)
	unknown, _ := f.manager.Create(ctx, "unknown", "c", "goal", nil)
	f.clock.Advance(10 * time.Minute)
	fresh, _ := f.manager.Create(ctx, "fast", "c", "goal", nil)

	sweeper, err := NewSweeper(f.manager, f.stores.Tasks, f.stores.Tenants, SweeperConfig{})
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Sweep() paused %d tasks, want 2", n)
	}

	tests := []struct {
		task *models.Task
		want models.TaskStatus
	}{
		{fast, models.TaskPaused},
		{slow, models.TaskExecuting},
		{unknown, models.TaskPaused}, // default timeout
		{fresh, models.TaskExecuting},
	}
	for _, tt := range tests {
		got, _ := f.stores.Tasks.Get(ctx, tt.task.TenantID, tt.task.ID)
		if got.Status != tt.want {
			t.Errorf("task for %s status = %s, want %s", tt.task.TenantID, got.Status, tt.want)
		}
	}

	paused, _ := f.stores.Tasks.Get(ctx, "fast", fast.ID)
	if paused.State.Extra["paused_reason"] != PausedReasonTimeout {
		t.Errorf("paused_reason = %v", paused.State.Extra["paused_reason"])
	}
	if n, _ := sweeper.Sweep(ctx); n != 0 {
		t.Errorf("second Sweep() paused %d tasks", n)
	}
}

func TestSweeperStartStop(t *testing.T) {
	f := newFixture(t)
	sweeper, err := NewSweeper(f.manager, f.stores.Tasks, nil, SweeperConfig{Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	ctx := context.Background()
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := sweeper.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := sweeper.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}
