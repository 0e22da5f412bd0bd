package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/pkg/models"
)

// =============================================================================
// Message Commands
// =============================================================================

// buildProcessCmd creates the "process" command that runs one message
// through the orchestrator and prints the response as JSON.
func buildProcessCmd() *cobra.Command {
	var opts processOptions

	cmd := &cobra.Command{
		Use:   "process [text]",
		Short: "Process one inbound message",
		Long: `Process one inbound message for a tenant and print the response.

The message goes through context loading, optional planning, the tool loop
and reflection exactly as it would for a channel adapter. Reuse
--conversation to continue a conversation.`,
		Example: `  conductor process --tenant acme "where is order 42?"
  conductor process --tenant acme --conversation 3f1c... "and order 43?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.text = args[0]
			return runProcess(cmd, resolveConfigPath(cmd), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.tenantID, "tenant", "t", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "Existing conversation ID")
	cmd.Flags().StringVar(&opts.thread, "thread", "", "External thread ID for a new conversation")
	cmd.Flags().StringVar(&opts.channel, "channel", string(models.ChannelWeb), "Channel the message arrived on")
	cmd.Flags().StringVar(&opts.user, "user", "cli", "External ID of the sender")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// buildValidatePromptCmd creates the "validate-prompt" command.
func buildValidatePromptCmd() *cobra.Command {
	var opts validatePromptOptions

	cmd := &cobra.Command{
		Use:   "validate-prompt [text]",
		Short: "Check a tenant system prompt",
		Long: `Validate a custom tenant system prompt and print the result as JSON.

The command fails when the prompt is rejected, so it can gate CI or an admin
workflow. With --tenant the rejection is also written to the audit log
configured in the config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidatePrompt(cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Read the prompt from a file")
	cmd.Flags().StringVarP(&opts.tenantID, "tenant", "t", "", "Tenant the prompt belongs to; rejections are audited")
	return cmd
}

// buildPlanCmd creates the "plan" command that previews a plan without
// storing it.
func buildPlanCmd() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "plan [goal]",
		Short: "Preview the plan for a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, resolveConfigPath(cmd), tenantID, args[0])
		},
	}
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant ID (required)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// =============================================================================
// Task Commands
// =============================================================================

// buildTasksCmd creates the "tasks" command group.
func buildTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and control long-running tasks",
	}
	var tenantID string
	cmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "Tenant ID (required)")
	_ = cmd.MarkPersistentFlagRequired("tenant")

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(cmd, resolveConfigPath(cmd), tenantID, models.TaskStatus(status), limit)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only tasks in this status")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of tasks")

	get := &cobra.Command{
		Use:   "get [task-id]",
		Short: "Show a task and the progress of its plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskGet(cmd, resolveConfigPath(cmd), tenantID, args[0])
		},
	}

	var reason string
	pause := &cobra.Command{
		Use:   "pause [task-id]",
		Short: "Pause an executing task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskAction(cmd, resolveConfigPath(cmd), tenantID, args[0], taskPause, reason)
		},
	}
	pause.Flags().StringVar(&reason, "reason", "paused from the command line", "Reason recorded on the task")

	resume := &cobra.Command{
		Use:   "resume [task-id]",
		Short: "Resume a paused or failed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskAction(cmd, resolveConfigPath(cmd), tenantID, args[0], taskResume, "")
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel [task-id]",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskAction(cmd, resolveConfigPath(cmd), tenantID, args[0], taskCancel, "")
		},
	}

	cmd.AddCommand(list, get, pause, resume, cancel)
	return cmd
}

// =============================================================================
// Config and Daemon Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON schema of the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, resolveConfigPath(cmd))
			},
		},
	)
	return cmd
}

// buildSweepCmd creates the "sweep" command that pauses stale tasks on a
// schedule and serves Prometheus metrics.
func buildSweepCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Pause tasks that stopped making progress",
		Long: `Run the stale-task sweeper until interrupted.

Executing tasks that have not moved within their tenant's plan timeout are
paused so they can be resumed later. When metrics are enabled the sweeper
also serves the Prometheus endpoint. Use --once for a single pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, resolveConfigPath(cmd), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run one sweep and exit")
	return cmd
}
