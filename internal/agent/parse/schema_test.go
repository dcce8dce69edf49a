package parse

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemasCompile(t *testing.T) {
	for _, kind := range Kinds {
		_, err := Schema(kind)
		require.NoError(t, err, kind)
		rs := ResponseSchema(kind)
		require.NotNil(t, rs, kind)
		assert.Equal(t, string(kind)+"_"+SchemaVersion, rs.Name)
		assert.NotContains(t, string(rs.Schema), "$schema")
	}
}

func TestGoldenSamplesMatchSchema(t *testing.T) {
	for _, kind := range Kinds {
		var doc interface{}
		require.NoError(t, json.Unmarshal([]byte(golden(t, kind)), &doc), kind)
		assert.NoError(t, validateShape(kind, doc), kind)
	}
}

func jsonFields(typ reflect.Type) map[string]bool {
	fields := map[string]bool{}
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("json")
		name := strings.Split(tag, ",")[0]
		if name != "" && name != "-" {
			fields[name] = true
		}
	}
	return fields
}

// schemaProps walks a "/"-separated path of properties (descending into
// array items) and returns the property names found there.
func schemaProps(t *testing.T, kind Kind, path ...string) []string {
	t.Helper()
	raw, err := schemaFS.ReadFile("schemas/" + schemaFile(kind))
	require.NoError(t, err)
	var node map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &node))
	for _, p := range path {
		props := node["properties"].(map[string]interface{})
		node = props[p].(map[string]interface{})
		if items, ok := node["items"].(map[string]interface{}); ok {
			node = items
		}
	}
	var names []string
	for name := range node["properties"].(map[string]interface{}) {
		names = append(names, name)
	}
	return names
}

func TestSchemaShapeParity(t *testing.T) {
	cases := []struct {
		kind Kind
		path []string
		typ  interface{}
	}{
		{KindDecomposition, []string{"patterns"}, biomech.Pattern{}},
		{KindResearch, []string{"evidence"}, biomech.Evidence{}},
		{KindAnalysis, nil, biomech.AnalysisReport{}},
		{KindAnalysis, []string{"insights"}, biomech.Insight{}},
		{KindAnalysis, []string{"insights", "visualizations"}, biomech.Visualization{}},
		{KindAnalysis, []string{"correlativeInsights"}, biomech.CorrelativeInsight{}},
		{KindAnalysis, []string{"benchmarks"}, biomech.Benchmark{}},
		{KindValidator, nil, ValidatorOutput{}},
		{KindValidator, []string{"issues"}, biomech.ValidationIssue{}},
		{KindProgress, nil, biomech.ProgressReport{}},
		{KindProgress, []string{"trends"}, biomech.Trend{}},
		{KindProgress, []string{"milestones"}, biomech.Milestone{}},
		{KindProgress, []string{"regressions"}, biomech.Regression{}},
		{KindProgress, []string{"projections"}, biomech.Projection{}},
	}
	for _, tc := range cases {
		fields := jsonFields(reflect.TypeOf(tc.typ))
		for _, prop := range schemaProps(t, tc.kind, tc.path...) {
			assert.True(t, fields[prop], "%s %v: schema property %q missing from %T", tc.kind, tc.path, prop, tc.typ)
		}
	}
}
