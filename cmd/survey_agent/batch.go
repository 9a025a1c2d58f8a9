package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jonathan/survey-agent/internal/config"
	"github.com/jonathan/survey-agent/internal/observability"
	"github.com/jonathan/survey-agent/internal/pipeline"
	"github.com/jonathan/survey-agent/internal/workflow"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var batchCmd = &cobra.Command{
	Use:   "batch <survey-file>...",
	Short: "Run the pipeline on several data files concurrently",
	Long: `Starts one run per file and drives them with at most --parallel runs in flight.

Each run writes into its own subdirectory of the output directory, named after the run ID.
Runs that halt for review are listed at the end and resumed individually.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

var (
	batchOpts     runFlags
	batchParallel int
)

func init() {
	batchOpts.register(batchCmd)
	batchCmd.Flags().IntVarP(&batchParallel, "parallel", "p", 4, "Maximum number of runs driven at once")
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	if batchParallel < 1 {
		return fmt.Errorf("--parallel must be at least 1")
	}
	for _, source := range args {
		if err := fileExists(source); err != nil {
			return err
		}
	}
	cfg, err := loadConfig(cmd, func(c *config.Config) { batchOpts.apply(cmd, c) })
	if err != nil {
		return err
	}

	printer := observability.NewPrinter(cmd.OutOrStdout())
	a, err := newApp(cmd.Context(), cfg, appOptions{generate: true, progress: progressPrinter(printer, batchOpts.quiet)})
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		mu   sync.Mutex
		runs = make([]*workflow.Run, len(args))
		errs []error
	)
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(batchParallel)
	for i, source := range args {
		g.Go(func() error {
			runID := uuid.NewString()
			rc := cfg.RunConfig(source)
			rc.OutputDir = filepath.Join(cfg.OutputDir, runID)

			run, err := a.engine.Start(ctx, workflow.StartRequest{
				RunID:      runID,
				SourcePath: source,
				Config:     rc,
				StartStep:  pipeline.StartStep,
			})
			mu.Lock()
			defer mu.Unlock()
			runs[i] = run
			if err != nil {
				// one failed run does not stop the others
				errs = append(errs, fmt.Errorf("%s: %w", source, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	finished := make([]*workflow.Run, 0, len(runs))
	for _, run := range runs {
		if run != nil {
			finished = append(finished, run)
		}
	}
	printer.PrintRuns(finished)
	return errors.Join(errs...)
}
