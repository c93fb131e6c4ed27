package component_test

import (
	"errors"
	"testing"

	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addYAML = `
id: math.add
version: 1.2.0
description: adds two integers
inputs:
  - name: a
    type: i64
  - name: b
    type: i64
    optional: true
    default:
      type: i64
      i64: 1
outputs:
  - name: sum
    type: i64
capabilities:
  - limit.timeout:2s
`

func TestYAMLParser_Parse(t *testing.T) {
	t.Parallel()

	d, err := component.NewYAMLParser(nil).Parse([]byte(addYAML))
	require.NoError(t, err)

	assert.Equal(t, "math.add", d.ID)
	assert.Equal(t, "1.2.0", d.Version)
	assert.Equal(t, component.LifecycleStandard, d.Lifecycle)
	assert.Equal(t, component.DefaultInvokeExport, d.EntryPoints.Invoke)
	assert.Empty(t, d.EntryPoints.Setup)

	b, ok := d.Input("b")
	require.True(t, ok)
	assert.Equal(t, value.KindI64, b.Type)
	assert.Equal(t, value.I64(1), b.Default)

	_, ok = d.Output("missing")
	assert.False(t, ok)
}

func TestJSONParser_ContinuousDefaults(t *testing.T) {
	t.Parallel()

	doc := `{"id":"sensor/temp","version":"0.1.0","lifecycle":"continuous","outputs":[{"name":"celsius","type":"f64"}]}`
	d, err := component.NewJSONParser(nil).Parse([]byte(doc))
	require.NoError(t, err)

	assert.True(t, d.IsContinuous())
	assert.Equal(t, component.DefaultSetupExport, d.EntryPoints.Setup)
	assert.Equal(t, component.DefaultIterateExport, d.EntryPoints.Iterate)
}

func TestParser_SchemaViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "missing version", doc: "id: x\n"},
		{name: "unknown field", doc: "id: x\nversion: 1.0.0\ncolour: red\n"},
		{name: "bad port kind", doc: "id: x\nversion: 1.0.0\ninputs:\n  - name: a\n    type: decimal\n"},
		{name: "bad lifecycle", doc: "id: x\nversion: 1.0.0\nlifecycle: forever\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := component.NewYAMLParser(nil).Parse([]byte(tc.doc))
			require.Error(t, err)
			var schemaErr *component.SchemaError
			assert.True(t, errors.As(err, &schemaErr), "got %v", err)
		})
	}
}

func TestParser_SemanticViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "non semver version", doc: "id: x\nversion: one\n"},
		{name: "parent reference id", doc: "id: ../x\nversion: 1.0.0\n"},
		{name: "duplicate input", doc: "id: x\nversion: 1.0.0\ninputs:\n  - {name: a, type: u64}\n  - {name: a, type: u64}\n"},
		{name: "default kind mismatch", doc: "id: x\nversion: 1.0.0\ninputs:\n  - name: a\n    type: u64\n    default: {type: string, string: hi}\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := component.NewYAMLParser(nil).Parse([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestMarshalYAML_RoundTrip(t *testing.T) {
	t.Parallel()

	d, err := component.NewYAMLParser(nil).Parse([]byte(addYAML))
	require.NoError(t, err)

	out, err := component.MarshalYAML(d)
	require.NoError(t, err)

	again, err := component.NewYAMLParser(nil).Parse(out)
	require.NoError(t, err)
	assert.Equal(t, d, again)
}

func TestDescriptorSchema_IsValidJSON(t *testing.T) {
	t.Parallel()

	v, err := component.NewSchemaValidator()
	require.NoError(t, err)
	assert.Contains(t, string(v.Schema()), `"entrypoints"`)
}

func TestParserFor(t *testing.T) {
	t.Parallel()

	p, err := component.ParserFor("descriptor.yml")
	require.NoError(t, err)
	assert.IsType(t, &component.YAMLParser{}, p)

	p, err = component.ParserFor("descriptor.JSON")
	require.NoError(t, err)
	assert.IsType(t, &component.JSONParser{}, p)

	_, err = component.ParserFor("descriptor.toml")
	assert.Error(t, err)
}
