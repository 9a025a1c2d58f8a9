package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jonathan/survey-agent/internal/config"
	"github.com/jonathan/survey-agent/internal/observability"
	"github.com/jonathan/survey-agent/internal/pipeline"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/jonathan/survey-agent/internal/workflow"
	"github.com/spf13/cobra"
)

// runFlags are the run options shared by run and batch
type runFlags struct {
	maxIterations int
	noReview      bool
	autoApprove   string
	modifyPolicy  string
	outputDir     string
	quiet         bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxIterations, "max-iterations", 0, "Generation attempts per artifact before escalating to review")
	cmd.Flags().BoolVar(&f.noReview, "no-review", false, "Approve every valid artifact without human review")
	cmd.Flags().StringVar(&f.autoApprove, "auto-approve", "", "Comma-separated artifact kinds approved without review")
	cmd.Flags().StringVar(&f.modifyPolicy, "modify-policy", "", "How modify decisions are handled: accept or revalidate")
	cmd.Flags().StringVarP(&f.outputDir, "out", "o", "", "Directory for generated syntax and tool outputs")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Do not print progress lines")
}

// apply overrides cfg with the flags that were set explicitly
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("max-iterations") {
		cfg.MaxIterations = f.maxIterations
	}
	if cmd.Flags().Changed("no-review") {
		cfg.EnableHumanReview = !f.noReview
	}
	if cmd.Flags().Changed("auto-approve") {
		cfg.AutoApprove = splitList(f.autoApprove)
	}
	if cmd.Flags().Changed("modify-policy") {
		cfg.ModifyPolicy = f.modifyPolicy
	}
	if cmd.Flags().Changed("out") {
		cfg.OutputDir = f.outputDir
	}
}

var runCmd = &cobra.Command{
	Use:   "run <survey-file>",
	Short: "Run the survey pipeline on one data file",
	Long: `Creates a run and drives it until it completes, fails or waits for a review decision.

A run waiting for review is resumed with the resume command. Its checkpoints are kept in the
configured backend, so the process may exit in between.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runOpts  runFlags
	runRunID string
)

func init() {
	runOpts.register(runCmd)
	runCmd.Flags().StringVar(&runRunID, "run-id", "", "Run ID (defaults to a random UUID)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	source := args[0]
	if err := fileExists(source); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, func(c *config.Config) { runOpts.apply(cmd, c) })
	if err != nil {
		return err
	}

	printer := observability.NewPrinter(cmd.OutOrStdout())
	a, err := newApp(cmd.Context(), cfg, appOptions{generate: true, progress: progressPrinter(printer, runOpts.quiet)})
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.engine.Start(cmd.Context(), workflow.StartRequest{
		RunID:      runRunID,
		SourcePath: source,
		Config:     cfg.RunConfig(source),
		StartStep:  pipeline.StartStep,
	})
	return reportRun(cmd.OutOrStdout(), printer, run, err)
}

// progressPrinter prints one line per checkpoint. Batches call it from several goroutines.
func progressPrinter(p *observability.Printer, quiet bool) workflow.ProgressCallback {
	if quiet {
		return nil
	}
	var mu sync.Mutex
	return func(ev workflow.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		p.PrintProgress(ev)
	}
}

// reportRun prints where a run halted and passes err through as the command result
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func reportRun(out io.Writer, p *observability.Printer, run *workflow.Run, err error) error {
	if run == nil {
		return err
	}
	p.PrintRun(run)

	switch run.Status {
	case types.RunSuspended:
		if s := run.Suspension; s != nil {
			if s.Review != nil {
				p.PrintReport(s.Review.Report)
			}
			fmt.Fprintf(out, "\nResume with: survey_agent resume %s --decision %s\n", run.ID, joinDecisions(s.AllowedDecisions))
		}
	case types.RunCompleted, types.RunFailed:
		p.PrintTrace(run.Record.Trace)
	case types.RunCancelled:
		fmt.Fprintf(out, "\nContinue with: survey_agent continue %s\n", run.ID)
	}
	return err
}

func joinDecisions(ds []types.DecisionKind) string {
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		parts = append(parts, string(d))
	}
	return strings.Join(parts, "|")
}
