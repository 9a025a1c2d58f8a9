package types

// Variable types reported by the extraction tool
const (
	VariableNumeric = "numeric"
	VariableString  = "string"
	VariableDate    = "date"
)

// VariableMetadata describes one survey variable
type VariableMetadata struct {
	Name             string            `json:"name"`
	Label            string            `json:"label,omitempty"`
	VariableType     string            `json:"variable_type"`
	MeasurementLevel string            `json:"measurement_level,omitempty"`
	ValueLabels      map[string]string `json:"value_labels,omitempty"`
	MissingValues    []float64         `json:"missing_values,omitempty"`
	MinValue         *float64          `json:"min_value,omitempty"`
	MaxValue         *float64          `json:"max_value,omitempty"`
	Cardinality      int               `json:"cardinality,omitempty"`
}

// FilteredVariable records a variable dropped by metadata filtering
type FilteredVariable struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ReferenceData is what validators and generators check an artifact against
type ReferenceData struct {
	Variables  []VariableMetadata `json:"variables"`
	Indicators []Indicator        `json:"indicators,omitempty"`
}

// VariableIndex maps variable names to their metadata
func (r ReferenceData) VariableIndex() map[string]VariableMetadata {
	index := make(map[string]VariableMetadata, len(r.Variables))
	for _, v := range r.Variables {
		index[v.Name] = v
	}
	return index
}
