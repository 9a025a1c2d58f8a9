package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jonathan/survey-agent/internal/observability"
	"github.com/jonathan/survey-agent/internal/pipeline"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/jonathan/survey-agent/internal/validation"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an artifact file against survey metadata",
	Long: `Runs the deterministic validator of one artifact kind outside of a run.

Indicators reference the recoding targets, so pass --recoding when validating them.
Table specifications also reference indicators; pass --indicators for those.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

var (
	validateKind       string
	validateFile       string
	validateMetadata   string
	validateRecoding   string
	validateIndicators string
	validateFormat     string
)

func init() {
	validateCmd.Flags().StringVarP(&validateKind, "kind", "k", "", "Artifact kind: recoding_rules, indicators or table_specs (required)")
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "Path to the artifact JSON (required)")
	validateCmd.Flags().StringVar(&validateMetadata, "metadata", "", "Path to the survey metadata JSON (required)")
	validateCmd.Flags().StringVar(&validateRecoding, "recoding", "", "Approved recoding rules; their targets become known variables")
	validateCmd.Flags().StringVar(&validateIndicators, "indicators", "", "Approved indicators referenced by table specifications")
	validateCmd.Flags().StringVar(&validateFormat, "format", "text", "Output format: text, json or yaml")
	_ = validateCmd.MarkFlagRequired("kind")
	_ = validateCmd.MarkFlagRequired("file")
	_ = validateCmd.MarkFlagRequired("metadata")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	if err := checkFormat(validateFormat); err != nil {
		return err
	}
	kind, err := types.ParseArtifactKind(validateKind)
	if err != nil {
		return err
	}
	artifact, err := os.ReadFile(validateFile)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	ref, err := loadReference()
	if err != nil {
		return err
	}

	result, err := validation.Validate(kind, artifact, ref)
	if err != nil {
		return fmt.Errorf("validation could not run: %w", err)
	}
	if validateFormat == "text" {
		observability.NewPrinter(cmd.OutOrStdout()).PrintValidation(kind, result)
	} else if err := writeFormatted(cmd.OutOrStdout(), validateFormat, result); err != nil {
		return err
	}
	if !result.IsValid {
		return fmt.Errorf("%s is invalid: %d errors", validateFile, len(result.Errors))
	}
	return nil
}

func loadReference() (types.ReferenceData, error) {
	raw, err := pipeline.LoadMetadata(validateMetadata)
	if err != nil {
		return types.ReferenceData{}, err
	}
	ref := types.ReferenceData{Variables: pipeline.NormalizeVariables(raw)}

	if validateRecoding != "" {
		var rules types.RecodingRules
		if err := readJSON(validateRecoding, &rules); err != nil {
			return types.ReferenceData{}, err
		}
		ref.Variables = pipeline.WithTargets(ref.Variables, &rules)
	}
	if validateIndicators != "" {
		var ind types.Indicators
		if err := readJSON(validateIndicators, &ind); err != nil {
			return types.ReferenceData{}, err
		}
		ref.Indicators = ind.Indicators
	}
	return ref, nil
}

func readJSON(path string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
