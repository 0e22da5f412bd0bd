package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

// cronParser supports both standard (5-field) and extended (6-field with seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// PausedReasonTimeout is recorded on tasks the sweeper pauses.
const PausedReasonTimeout = "plan_timeout"

// TenantLookup resolves tenant configuration. storage.TenantStore satisfies it.
type TenantLookup interface {
	Get(ctx context.Context, tenantID string) (*models.TenantContext, error)
}

// SweeperConfig configures the stale-task sweeper.
type SweeperConfig struct {
	// Schedule is a cron expression or descriptor.
	// Defaults to "@every 1m".
	Schedule string

	// MinAge is the youngest a task can be and still be considered. Each
	// task is then checked against its own tenant's plan timeout.
	// Defaults to 1 minute.
	MinAge time.Duration

	// BatchSize caps how many tasks one sweep examines.
	// Defaults to 100.
	BatchSize int

	Logger *slog.Logger
}

// Sweeper pauses executing tasks that have not moved within their tenant's
// plan timeout.
type Sweeper struct {
	manager *Manager
	tasks   storage.TaskStore
	tenants TenantLookup
	config  SweeperConfig
	logger  *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a sweeper. tenants may be nil, in which case every task
// uses the default plan timeout.
func NewSweeper(manager *Manager, tasks storage.TaskStore, tenants TenantLookup, config SweeperConfig) (*Sweeper, error) {
	if config.Schedule == "" {
		config.Schedule = "@every 1m"
	}
	if _, err := cronParser.Parse(config.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", config.Schedule, err)
	}
	if config.MinAge <= 0 {
		config.MinAge = time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "task-sweeper")
	}
	return &Sweeper{
		manager: manager,
		tasks:   tasks,
		tenants: tenants,
		config:  config,
		logger:  logger,
	}, nil
}

// Start schedules periodic sweeps until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.config.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true

	s.logger.Info("starting task sweeper",
		"schedule", s.config.Schedule,
		"min_age", s.config.MinAge,
	)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	s.logger.Info("stopping task sweeper")
	select {
	case <-c.Stop().Done():
		s.logger.Info("task sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one pass and returns how many tasks were paused.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.manager.now()
	stale, err := s.tasks.ListStale(ctx, models.TaskExecuting, now.Add(-s.config.MinAge), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}

	deadlines := make(map[string]time.Duration)
	paused := 0
	for _, task := range stale {
		deadline, ok := deadlines[task.TenantID]
		if !ok {
			deadline = s.deadline(ctx, task.TenantID)
			deadlines[task.TenantID] = deadline
		}
		if now.Sub(task.UpdatedAt) < deadline {
			continue
		}

		_, err := s.manager.pause(ctx, task, PausedReasonTimeout)
		switch {
		case err == nil:
			paused++
			s.logger.Warn("paused stale task",
				"task_id", task.ID,
				"tenant_id", task.TenantID,
				"idle", now.Sub(task.UpdatedAt).Round(time.Second),
				"timeout", deadline,
			)
		case errors.Is(err, ErrConflict):
			// The task moved since it was listed.
		default:
			return paused, err
		}
	}
	return paused, nil
}

func (s *Sweeper) deadline(ctx context.Context, tenantID string) time.Duration {
	if s.tenants == nil {
		return models.DefaultPlanTimeout
	}
	tenant, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("tenant lookup failed", "tenant_id", tenantID, "error", err)
		}
		return models.DefaultPlanTimeout
	}
	return tenant.PlanDeadline()
}
