// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonathan/survey-agent/internal/checkpoint"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/jonathan/survey-agent/internal/workflow"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 72
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}

// writeList writes up to maxItemsToShow items with a trailing count of the rest
func writeList(sb *strings.Builder, items []string, prefix string) {
	count := min(len(items), maxItemsToShow)
	for i := 0; i < count; i++ {
		fmt.Fprintf(sb, "%s%s\n", prefix, items[i])
	}
	if len(items) > maxItemsToShow {
		fmt.Fprintf(sb, "%s... and %d more\n", prefix, len(items)-maxItemsToShow)
	}
}

// PrintRun outputs the status of a run after the driver halted
func (p *Printer) PrintRun(run *workflow.Run) {
	if run == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run:      %s\n", run.ID)
	fmt.Fprintf(&sb, "Status:   %s\n", run.Status)
	fmt.Fprintf(&sb, "Step:     %s\n", run.Step)
	fmt.Fprintf(&sb, "Seq:      %d\n", run.Seq)
	if !run.UpdatedAt.IsZero() {
		fmt.Fprintf(&sb, "Updated:  %s\n", run.UpdatedAt.Format(time.RFC3339))
	}
	if run.Error != "" {
		fmt.Fprintf(&sb, "Error:    %s\n", run.Error)
	}
	if n := len(run.Record.Approvals); n > 0 {
		fmt.Fprintf(&sb, "\nApprovals (%d):\n", n)
		for _, a := range run.Record.Approvals {
			line := fmt.Sprintf("  • %s %s", a.Kind, a.Decision)
			if a.Comments != "" {
				line += ": " + a.Comments
			}
			sb.WriteString(line + "\n")
		}
	}

	p.printBox("RUN "+strings.ToUpper(string(run.Status)), strings.TrimSuffix(sb.String(), "\n"))
	if run.Suspension != nil {
		p.PrintSuspension(run.Suspension)
	}
}

// PrintSuspension outputs what a suspended run is waiting for
func (p *Printer) PrintSuspension(s *workflow.Suspension) {
	if s == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Step:     %s\n", s.Step)

	switch {
	case s.Review != nil:
		r := s.Review
		fmt.Fprintf(&sb, "Artifact: %s\n", r.Kind)
		fmt.Fprintf(&sb, "Attempt:  %d of %d\n", r.Iteration, r.MaxIterations)
		if r.Validation != nil {
			status := "✓ valid"
			if !r.Validation.IsValid {
				status = fmt.Sprintf("✗ %d errors", len(r.Validation.Errors))
			}
			fmt.Fprintf(&sb, "Checks:   %s, %d warnings\n", status, len(r.Validation.Warnings))
			if len(r.Validation.Errors) > 0 {
				sb.WriteString("\nErrors:\n")
				writeList(&sb, r.Validation.Errors, "  • ")
			}
		}
	case s.Failure != nil:
		fmt.Fprintf(&sb, "Attempts: %d\n", s.Failure.Attempts)
		fmt.Fprintf(&sb, "Error:    %s\n", s.Failure.Error)
	}

	decisions := make([]string, 0, len(s.AllowedDecisions))
	for _, d := range s.AllowedDecisions {
		decisions = append(decisions, string(d))
	}
	fmt.Fprintf(&sb, "\nDecisions: %s\n", strings.Join(decisions, " | "))
	if s.Message != "" {
		sb.WriteString(s.Message + "\n")
	}

	title := "REVIEW REQUIRED"
	if s.Kind == workflow.SuspendStepFailure {
		title = "STEP FAILING"
	}
	p.printBox(title, strings.TrimSuffix(sb.String(), "\n"))
}

// PrintReport writes a review report verbatim; it is markdown and wider than a box
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintReport(report string) {
	if report == "" {
		return
	}
	fmt.Fprintln(p.out, strings.TrimRight(report, "\n"))
}

// PrintValidation outputs a standalone validation result.
func (p *Printer) PrintValidation(kind types.ArtifactKind, result types.ValidationResult) {
	var sb strings.Builder
	if result.IsValid {
		sb.WriteString("✅ valid\n")
	} else {
		fmt.Fprintf(&sb, "❌ %d errors\n", len(result.Errors))
	}
	if len(result.Errors) > 0 {
		sb.WriteString("\nErrors:\n")
		writeList(&sb, result.Errors, "  • ")
	}
	if len(result.Warnings) > 0 {
		sb.WriteString("\nWarnings:\n")
		writeList(&sb, result.Warnings, "  ⚠ ")
	}
	fmt.Fprintf(&sb, "\nChecks performed: %d", len(result.ChecksPerformed))

	p.printBox("VALIDATION: "+strings.ToUpper(string(kind)), sb.String())
}

// PrintTrace outputs the execution trace of a run, oldest first.
func (p *Printer) PrintTrace(trace []types.TraceEntry) {
	if len(trace) == 0 {
		return
	}

	var sb strings.Builder
	for _, e := range trace {
		mark := "✓"
		switch e.Status {
		case types.TraceFailed:
			mark = "✗"
		case types.TraceSkipped:
			mark = "–"
		}
		fmt.Fprintf(&sb, "%s %-28s %6dms", mark, e.Step, e.Duration)
		if e.Output != "" {
			fmt.Fprintf(&sb, "  %s", e.Output)
		}
		sb.WriteString("\n")
		if e.Error != "" {
			fmt.Fprintf(&sb, "    error: %s\n", e.Error)
		}
		for _, w := range e.Warnings {
			fmt.Fprintf(&sb, "    ⚠ %s\n", w)
		}
	}

	p.printBox(fmt.Sprintf("EXECUTION TRACE (%d steps)", len(trace)), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintRuns outputs one line per run, newest first as given.
func (p *Printer) PrintRuns(runs []*workflow.Run) {
	if len(runs) == 0 {
		p.printBox("RUNS", "no runs recorded")
		return
	}

	var sb strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&sb, "%-36s  %-9s  %s\n", r.ID, r.Status, r.Step)
	}
	p.printBox(fmt.Sprintf("RUNS (%d)", len(runs)), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintCheckpoints outputs a run's checkpoint lineage.
func (p *Printer) PrintCheckpoints(cps []checkpoint.Checkpoint) {
	if len(cps) == 0 {
		return
	}

	var sb strings.Builder
	for _, cp := range cps {
		fmt.Fprintf(&sb, "#%-4d %-9s %-28s %s\n", cp.Seq, cp.Status, cp.Step, cp.CreatedAt.Format(time.RFC3339))
	}
	p.printBox("CHECKPOINTS: "+cps[0].RunID, strings.TrimSuffix(sb.String(), "\n"))
}

// PrintProgress writes one line per checkpointed transition.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintProgress(ev workflow.ProgressEvent) {
	line := fmt.Sprintf("[%s #%d] %s", ev.RunID, ev.Seq, ev.Step)
	if ev.Status != "" {
		line += " (" + string(ev.Status) + ")"
	}
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	fmt.Fprintln(p.out, line)
}
