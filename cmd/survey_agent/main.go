// Package main provides the survey_agent CLI and HTTP API server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "survey_agent",
	Short: "Survey analysis pipeline with reviewed LLM artifacts",
	Long: `survey_agent turns a survey data file into cross tables and a presentation.

Recoding rules, indicators and table specifications are generated by an LLM, checked by deterministic
validators and, unless auto-approved, reviewed by a human. Every step is checkpointed so runs can be
resumed after a review, a crash or a cancellation.

Configuration is read from --config (YAML or JSON) and SURVEY_AGENT_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// interrupts cancel the active run between steps; it is checkpointed as cancelled
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
