package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/audit"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/orchestrator"
	"github.com/haasonsaas/conductor/internal/planner"
	"github.com/haasonsaas/conductor/internal/prompt"
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/internal/tasks"
	"github.com/haasonsaas/conductor/pkg/models"
)

// loadApp reads the configuration and wires the application. The caller
// must Close it.
func loadApp(cmd *cobra.Command, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
}

func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// Message Handlers
// =============================================================================

type processOptions struct {
	tenantID       string
	conversationID string
	thread         string
	channel        string
	user           string
	text           string
}

func runProcess(cmd *cobra.Command, configPath string, opts processOptions) error {
	a, err := loadApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeApp(a)

	msg := models.CanonicalMessage{
		TenantID:       opts.tenantID,
		ConversationID: opts.conversationID,
		Channel:        models.ChannelType(opts.channel),
		ThreadID:       opts.thread,
		Direction:      models.DirectionInbound,
		From:           models.Party{Type: models.PartyUser, ExternalID: opts.user},
		Content:        models.Content{Type: models.ContentText, Text: opts.text},
	}
	resp, err := a.driver.Process(cmd.Context(), orchestrator.Request{
		Message: msg,
		Identity: models.CallIdentity{
			TenantID:       opts.tenantID,
			UserExternalID: opts.user,
			ConversationID: opts.conversationID,
		},
	})
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), resp)
}

type validatePromptOptions struct {
	file     string
	tenantID string
}

func runValidatePrompt(cmd *cobra.Command, args []string, opts validatePromptOptions) error {
	var text string
	switch {
	case opts.file != "" && len(args) > 0:
		return errors.New("pass the prompt as an argument or with --file, not both")
	case opts.file != "":
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		text = string(data)
	case len(args) == 1:
		text = args[0]
	default:
		return errors.New("a prompt is required")
	}

	result := prompt.Validate(text)
	if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	if opts.tenantID != "" {
		if err := auditPromptRejection(cmd, opts.tenantID, result); err != nil {
			return err
		}
	}
	return fmt.Errorf("prompt rejected: %s", strings.Join(result.Codes(), ", "))
}

// auditPromptRejection records a rejection in the configured audit log.
// Only the issue codes are written.
func auditPromptRejection(cmd *cobra.Command, tenantID string, result prompt.ValidationResult) error {
	cfg, err := config.Load(resolveConfigPath(cmd))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	logger.LogPromptRejected(cmd.Context(), tenantID, "", result.Codes(), len(result.Issues))
	return logger.Close()
}

type planPreview struct {
	Plan     *models.Plan `json:"plan"`
	Model    string       `json:"model"`
	Cost     float64      `json:"cost"`
	Insights int          `json:"insights_used"`
}

func runPlan(cmd *cobra.Command, configPath, tenantID, goal string) error {
	a, err := loadApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx := cmd.Context()
	tenant, err := a.tenants.Load(ctx, tenantID)
	if err != nil {
		return err
	}
	result, err := a.planner.CreatePlan(ctx, planner.Request{
		Goal:   goal,
		Tenant: tenant,
		Tools:  a.tools.Definitions(tenant),
		DryRun: true,
	})
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), planPreview{
		Plan:     result.Plan,
		Model:    result.Model,
		Cost:     result.Cost,
		Insights: len(result.Insights),
	})
}

// =============================================================================
// Task Handlers
// =============================================================================

type taskAction int

const (
	taskPause taskAction = iota
	taskResume
	taskCancel
)

func runTasksList(cmd *cobra.Command, configPath, tenantID string, status models.TaskStatus, limit int) error {
	a, err := loadApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeApp(a)

	list, err := a.tasks.List(cmd.Context(), tenantID, storage.TaskListOptions{Status: status, Limit: limit})
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), list)
}

type taskDetail struct {
	Task  *models.Task           `json:"task"`
	Steps []planner.StepProgress `json:"steps,omitempty"`
}

func runTaskGet(cmd *cobra.Command, configPath, tenantID, taskID string) error {
	a, err := loadApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx := cmd.Context()
	task, err := a.tasks.Get(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	detail := taskDetail{Task: task}
	if task.PlanID != "" {
		plan, err := a.stores.Plans.Get(ctx, tenantID, task.PlanID)
		if err != nil {
			return fmt.Errorf("load plan %s: %w", task.PlanID, err)
		}
		cursor := task.CurrentStep + 1
		if task.Status == models.TaskCompleted {
			cursor = len(plan.Steps) + 1
		}
		detail.Steps = planner.Refine(plan, cursor)
	}
	return writeJSON(cmd.OutOrStdout(), detail)
}

func runTaskAction(cmd *cobra.Command, configPath, tenantID, taskID string, action taskAction, reason string) error {
	a, err := loadApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx := cmd.Context()
	var task *models.Task
	switch action {
	case taskPause:
		task, err = a.tasks.Pause(ctx, tenantID, taskID, reason)
	case taskResume:
		task, err = a.tasks.Resume(ctx, tenantID, taskID)
	case taskCancel:
		task, err = a.tasks.Cancel(ctx, tenantID, taskID)
	default:
		err = fmt.Errorf("unknown task action %d", action)
	}
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), task)
}

// =============================================================================
// Config and Daemon Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config ok: version %d, database %s, providers [%s], %d tools\n",
		cfg.Version, cfg.Database.Driver, strings.Join(cfg.LLM.ProviderNames(), ", "), len(cfg.Tools.Definitions))
	return nil
}

func runSweep(cmd *cobra.Command, configPath string, once bool) error {
	a, err := loadApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx := cmd.Context()
	sweeper, err := tasks.NewSweeper(a.tasks, a.stores.Tasks, a.tenants, tasks.SweeperConfig{
		Schedule:  a.cfg.Sweeper.Schedule,
		MinAge:    a.cfg.Sweeper.MinAge,
		BatchSize: a.cfg.Sweeper.BatchSize,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	if once {
		paused, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "paused %d stale tasks\n", paused)
		return nil
	}

	var server *http.Server
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		server = &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
		a.logger.Info("metrics endpoint listening", "addr", a.cfg.Metrics.Addr, "path", a.cfg.Metrics.Path)
	}

	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("sweeper started", "schedule", a.cfg.Sweeper.Schedule, "version", version)

	<-ctx.Done()
	a.logger.Info("shutting down sweeper")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var errs []error
	if err := sweeper.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
