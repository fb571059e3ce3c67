package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTemplateFileOptions(t *testing.T) {
	src := `
name: Boiler shutdown
category: ops
steps:
  - title: Notify site
  - title: Vent pressure
    estimated_duration: 300
    output_schema:
      type: object
      required: [psi]
  - title: Photograph gauge
    optional: true
`
	var tf templateFile
	require.NoError(t, yaml.Unmarshal([]byte(src), &tf))
	opts, err := tf.options()
	require.NoError(t, err)
	require.Equal(t, "Boiler shutdown", opts.Name)
	require.Len(t, opts.Steps, 3)
	require.True(t, opts.Steps[0].IsRequired)
	require.False(t, opts.Steps[2].IsRequired)
	require.Equal(t, int64(300), *opts.Steps[1].EstimatedDuration)
	require.JSONEq(t, `{"type":"object","required":["psi"]}`, string(opts.Steps[1].OutputSchema))
	require.Nil(t, opts.Steps[0].OutputSchema)
}

func TestCell(t *testing.T) {
	require.Equal(t, "", cell(nil))
	require.Equal(t, "running", cell("running"))
	require.Equal(t, "3", cell(float64(3)))
	require.Equal(t, "true", cell(true))
	require.Equal(t, `["a","b"]`, cell([]any{"a", "b"}))
}

func TestJSONFlag(t *testing.T) {
	raw, err := jsonFlag("output", "")
	require.NoError(t, err)
	require.Nil(t, raw)
	_, err = jsonFlag("output", "{nope")
	require.Error(t, err)
	raw, err = jsonFlag("output", `{"ok":true}`)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(raw))
}
