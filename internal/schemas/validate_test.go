package schemas

import (
	"encoding/json"
	"testing"

	"github.com/jonathan/survey-agent/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedSchemasCompile(t *testing.T) {
	for _, kind := range types.ArtifactKinds {
		t.Run(string(kind), func(t *testing.T) {
			data, err := Schema(kind)
			require.NoError(t, err)
			var v map[string]any
			require.NoError(t, json.Unmarshal(data, &v), "schema should be valid JSON")
			assert.Equal(t, "object", v["type"])
		})
	}
	all, err := load()
	require.NoError(t, err)
	assert.Len(t, all, len(types.ArtifactKinds))
}

func TestValidateArtifact(t *testing.T) {
	tests := []struct {
		name      string
		kind      types.ArtifactKind
		doc       string
		wantField string
	}{
		{
			name: "recoding rules valid",
			kind: types.KindRecodingRules,
			doc:  `{"recoding_rules":[{"source_variable":"age","target_variable":"age_group","rule_type":"range","transformations":[{"source":[18,24],"target":1,"label":"18-24"}]}]}`,
		},
		{
			name:      "recoding rules missing transformations",
			kind:      types.KindRecodingRules,
			doc:       `{"recoding_rules":[{"source_variable":"age","target_variable":"age_group","rule_type":"range"}]}`,
			wantField: "recoding_rules.0",
		},
		{
			name:      "recoding rules unknown rule type",
			kind:      types.KindRecodingRules,
			doc:       `{"recoding_rules":[{"source_variable":"age","target_variable":"g","rule_type":"bucket","transformations":[]}]}`,
			wantField: "recoding_rules.0.rule_type",
		},
		{
			name: "indicators valid",
			kind: types.KindIndicators,
			doc:  `{"indicators":[{"id":"ind_1","description":"Trust","metric":"average","underlying_variables":["q1"]}]}`,
		},
		{
			name:      "indicators root missing",
			kind:      types.KindIndicators,
			doc:       `{"items":[]}`,
			wantField: "(root)",
		},
		{
			name: "table specs valid",
			kind: types.KindTableSpecs,
			doc:  `{"tables":[{"id":"t1","row_indicators":["a"],"column_indicators":["b"],"min_count":30}],"weighting_variable":"w"}`,
		},
		{
			name:      "table specs wrong min_count type",
			kind:      types.KindTableSpecs,
			doc:       `{"tables":[{"id":"t1","row_indicators":["a"],"column_indicators":["b"],"min_count":"thirty"}]}`,
			wantField: "tables.0.min_count",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArtifact(tt.kind, []byte(tt.doc))
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			validationErr, ok := err.(*ValidationError)
			require.True(t, ok, "error should be ValidationError type")
			var fields []string
			for _, fe := range validationErr.Errors {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.wantField)
		})
	}
}

func TestValidateArtifactRejectsMalformedJSON(t *testing.T) {
	err := ValidateArtifact(types.KindIndicators, []byte(`{"indicators":`))
	require.Error(t, err)
	_, ok := err.(*ValidationError)
	assert.True(t, ok)
}

func TestValidateArtifactUnknownKind(t *testing.T) {
	err := ValidateArtifact("slides", []byte(`{}`))
	var loadErr *SchemaLoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestValidateJSONString(t *testing.T) {
	schema := `{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`
	assert.NoError(t, ValidateJSONString(schema, `{"name":"x"}`))

	err := ValidateJSONString(schema, `{"name":1}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}
