package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jonathan/survey-agent/internal/observability"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Apply a review decision to a suspended run",
	Long: `Applies a decision to the run's pending review or step failure and drives the run until it halts again.

The decision comes from flags or from a YAML/JSON file:

  decision: modify
  comments: merge the two youngest cohorts
  replacement:
    recoding_rules: [...]`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var (
	resumeDecision    string
	resumeComments    string
	resumeReplacement string
	resumeFile        string
	resumeQuiet       bool
)

func init() {
	resumeCmd.Flags().StringVarP(&resumeDecision, "decision", "d", "", "approve, reject, modify, retry or abort")
	resumeCmd.Flags().StringVarP(&resumeComments, "comments", "m", "", "Reviewer comments; fed back to the generator on reject")
	resumeCmd.Flags().StringVar(&resumeReplacement, "replacement", "", "Path to the replacement artifact JSON for modify")
	resumeCmd.Flags().StringVarP(&resumeFile, "file", "f", "", "Path to a YAML or JSON decision file")
	resumeCmd.Flags().BoolVarP(&resumeQuiet, "quiet", "q", false, "Do not print progress lines")
	resumeCmd.MarkFlagsMutuallyExclusive("file", "decision")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	decision, err := decisionFromFlags()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	printer := observability.NewPrinter(cmd.OutOrStdout())
	a, err := newApp(cmd.Context(), cfg, appOptions{generate: true, progress: progressPrinter(printer, resumeQuiet)})
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.engine.Resume(cmd.Context(), args[0], decision)
	return reportRun(cmd.OutOrStdout(), printer, run, err)
}

func decisionFromFlags() (types.Decision, error) {
	if resumeFile != "" {
		return loadDecision(resumeFile)
	}
	if resumeDecision == "" {
		return types.Decision{}, fmt.Errorf("either --decision or --file must be provided")
	}
	d := types.Decision{Decision: types.DecisionKind(resumeDecision), Comments: resumeComments}
	if resumeReplacement != "" {
		content, err := os.ReadFile(resumeReplacement)
		if err != nil {
			return types.Decision{}, fmt.Errorf("failed to read replacement file: %w", err)
		}
		if !json.Valid(content) {
			return types.Decision{}, fmt.Errorf("replacement file %s is not valid JSON", resumeReplacement)
		}
		d.Replacement = content
	}
	return d, nil
}

// decisionFile is the on-disk form of a decision. The replacement is written inline as YAML or JSON.
type decisionFile struct {
	Decision    string `yaml:"decision"`
	Comments    string `yaml:"comments"`
	Replacement any    `yaml:"replacement"`
}

// loadDecision reads a decision file; YAML is a superset of JSON so both parse
func loadDecision(path string) (types.Decision, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return types.Decision{}, fmt.Errorf("failed to read decision file: %w", err)
	}
	var f decisionFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return types.Decision{}, fmt.Errorf("failed to parse decision file %s: %w", path, err)
	}
	d := types.Decision{Decision: types.DecisionKind(f.Decision), Comments: f.Comments}
	if f.Replacement != nil {
		raw, err := json.Marshal(f.Replacement)
		if err != nil {
			return types.Decision{}, fmt.Errorf("replacement in %s cannot be encoded as JSON: %w", path, err)
		}
		d.Replacement = raw
	}
	return d, nil
}

var continueCmd = &cobra.Command{
	Use:   "continue <run-id>",
	Short: "Continue a run that was interrupted or cancelled",
	Long:  "Restarts a run whose latest checkpoint is running or cancelled, at the step it stopped on.",
	Args:  cobra.ExactArgs(1),
	RunE:  runContinue,
}

var continueQuiet bool

func init() {
	continueCmd.Flags().BoolVarP(&continueQuiet, "quiet", "q", false, "Do not print progress lines")
	rootCmd.AddCommand(continueCmd)
}

func runContinue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	printer := observability.NewPrinter(cmd.OutOrStdout())
	a, err := newApp(cmd.Context(), cfg, appOptions{generate: true, progress: progressPrinter(printer, continueQuiet)})
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.engine.Continue(cmd.Context(), args[0])
	return reportRun(cmd.OutOrStdout(), printer, run, err)
}
