package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jonathan/survey-agent/internal/observability"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the latest state of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List known runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

var (
	statusFormat  string
	statusHistory bool
	statusTrace   bool
	runsFormat    string
)

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "Output format: text, json or yaml")
	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "Include the checkpoint lineage")
	statusCmd.Flags().BoolVar(&statusTrace, "trace", false, "Include the execution trace (text format)")
	runsCmd.Flags().StringVar(&runsFormat, "format", "text", "Output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd, runsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := checkFormat(statusFormat); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.engine.Status(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", args[0], err)
	}
	if statusFormat != "text" {
		out := map[string]any{"run": run}
		if statusHistory {
			cps, err := a.engine.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out["checkpoints"] = cps
		}
		return writeFormatted(cmd.OutOrStdout(), statusFormat, out)
	}

	p := observability.NewPrinter(cmd.OutOrStdout())
	p.PrintRun(run)
	if statusTrace {
		p.PrintTrace(run.Record.Trace)
	}
	if statusHistory {
		cps, err := a.engine.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		p.PrintCheckpoints(cps)
	}
	return nil
}

func runRuns(cmd *cobra.Command, _ []string) error {
	if err := checkFormat(runsFormat); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.engine.Runs(cmd.Context())
	if err != nil {
		return err
	}
	if runsFormat != "text" {
		return writeFormatted(cmd.OutOrStdout(), runsFormat, runs)
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintRuns(runs)
	return nil
}

func checkFormat(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unknown format %q (text, json or yaml)", format)
	}
}

// writeFormatted encodes v as indented JSON or as YAML.
// YAML goes through JSON first so field names and raw JSON blobs match the JSON form.
func writeFormatted(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if format == "yaml" {
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		if data, err = yaml.Marshal(generic); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
	} else {
		data = append(data, '\n')
	}
	_, err = w.Write(data)
	return err
}
