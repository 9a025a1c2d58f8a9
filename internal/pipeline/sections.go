// Package pipeline assembles the survey analysis workflow: metadata extraction, the three
// generate/validate/review cycles, syntax generation and the external processing steps.
package pipeline

import "github.com/jonathan/survey-agent/internal/state"

// Record sections, one per pipeline phase
const (
	SectionExtraction     state.Section = "extraction"
	SectionRecoding       state.Section = "recoding"
	SectionTransformation state.Section = "transformation"
	SectionIndicators     state.Section = "indicators"
	SectionTableSpecs     state.Section = "table_specs"
	SectionCrossTables    state.Section = "cross_tables"
	SectionStatistics     state.Section = "statistics"
	SectionFiltering      state.Section = "filtering"
	SectionPresentation   state.Section = "presentation"
)

// Field names
const (
	FieldMetadataPath      = "metadata_path"
	FieldRawVariables      = "raw_variables"
	FieldVariables         = "variables"
	FieldFilteredVariables = "filtered_variables"
	FieldDroppedVariables  = "dropped_variables"

	FieldSyntaxPath = "syntax_path"
	FieldOutputPath = "output_path"

	FieldSignificantCount = "significant_count"
)

// Step IDs outside the GVR cycles
const (
	StepExtract           = "extract_data"
	StepTransform         = "transform_metadata"
	StepFilter            = "filter_metadata"
	StepRecodingSyntax    = "generate_recoding_syntax"
	StepExecuteRecoding   = "execute_recoding"
	StepTableSyntax       = "generate_table_syntax"
	StepExecuteTables     = "execute_tables"
	StepStatistics        = "compute_statistics"
	StepFilterSignificant = "filter_significant"
	StepPresentation      = "generate_presentation"
)

// StartStep is where every run begins
const StartStep = StepExtract

// Tool names used as keys of Options.Tools
const (
	ToolExtract      = "extract"
	ToolRecode       = "recode"
	ToolTables       = "tables"
	ToolStatistics   = "statistics"
	ToolFilter       = "filter"
	ToolPresentation = "presentation"
)

// ToolNames lists every tool the pipeline can invoke
var ToolNames = []string{ToolExtract, ToolRecode, ToolTables, ToolStatistics, ToolFilter, ToolPresentation}

// Output file names under the run's output directory
const (
	fileMetadata     = "metadata.json"
	fileRecodeSyntax = "recoding.sps"
	fileRecoded      = "recoded.sav"
	fileTableSyntax  = "tables.sps"
	fileCrossTables  = "cross_tables.json"
	fileStatistics   = "statistics.json"
	fileSignificant  = "significant_tables.json"
	filePresentation = "presentation.pptx"
)
