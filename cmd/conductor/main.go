// Package main provides the conductor CLI.
//
// conductor runs the message orchestration engine from the command line:
// it processes single messages, validates tenant prompts, previews plans,
// manages long-running tasks and runs the stale-task sweeper.
//
// # Basic Usage
//
// Process one message:
//
//	conductor process --tenant acme "where is order 42?"
//
// Check a tenant prompt before storing it:
//
//	conductor validate-prompt --file prompt.txt
//
// Run the sweeper with a metrics endpoint:
//
//	conductor sweep --config conductor.yaml
//
// # Environment Variables
//
// A .env file in the working directory is loaded before flags are parsed.
//
//   - CONDUCTOR_CONFIG: Path to the configuration file (default: conductor.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: referenced from the
//     config file as ${ANTHROPIC_API_KEY} and so on
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=v1.0.0 ...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "conductor.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "conductor - agentic message orchestration",
		Long: `conductor turns inbound messages into replies by planning, calling
tools through a bounded loop and learning from finished tasks.

Supported model providers: Anthropic, OpenAI, Gemini, AWS Bedrock
Tool providers: web search, file search, external tool servers`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file (or set CONDUCTOR_CONFIG)")

	rootCmd.AddCommand(
		buildProcessCmd(),
		buildValidatePromptCmd(),
		buildPlanCmd(),
		buildTasksCmd(),
		buildConfigCmd(),
		buildSweepCmd(),
	)
	return rootCmd
}

// resolveConfigPath returns the --config flag, then CONDUCTOR_CONFIG, then
// the default file name.
func resolveConfigPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && strings.TrimSpace(f.Value.String()) != "" {
		return f.Value.String()
	}
	if path := strings.TrimSpace(os.Getenv("CONDUCTOR_CONFIG")); path != "" {
		return path
	}
	return defaultConfigPath
}
