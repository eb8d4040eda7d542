package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/schema"
)

func testScope() *Scope {
	return &Scope{
		Steps: map[string]any{
			"fetch": map[string]any{
				"status": float64(200),
				"body":   map[string]any{"url": "https://example.com/report.pdf", "rows": float64(12)},
			},
			"empty": nil,
		},
		Inputs: map[string]any{
			"region": "eu-west-1",
			"limits": map[string]any{"batch": float64(50)},
		},
		Workflow: map[string]any{
			"execution_id": "exec-1",
			"run_name":     "nightly-report #4",
		},
	}
}

func render(t *testing.T, tmpl string) string {
	t.Helper()
	out, err := NewInterpolator().Render(json.RawMessage(tmpl), testScope())
	require.NoError(t, err)
	return string(out)
}

func TestRenderInputReference(t *testing.T) {
	out := render(t, `{"region":"${{inputs.region}}"}`)
	assert.JSONEq(t, `{"region":"eu-west-1"}`, out)
}

func TestRenderNestedStepField(t *testing.T) {
	out := render(t, `{"url":"${{steps.fetch.body.url}}","rows":${{steps.fetch.body.rows}}}`)
	assert.JSONEq(t, `{"url":"https://example.com/report.pdf","rows":12}`, out)
}

func TestRenderWholeStepOutput(t *testing.T) {
	out := render(t, `{"result":${{steps.fetch}}}`)
	assert.JSONEq(t, `{"result":{"status":200,"body":{"url":"https://example.com/report.pdf","rows":12}}}`, out)
}

func TestRenderStringConcatenation(t *testing.T) {
	out := render(t, `{"subject":"Report for ${{inputs.region}} (${{workflow.run_name}})"}`)
	assert.JSONEq(t, `{"subject":"Report for eu-west-1 (nightly-report #4)"}`, out)
}

func TestRenderMissingStepOutputIsEmpty(t *testing.T) {
	// A step that produced no output, or that never ran, renders as "".
	out := render(t, `{"a":"${{steps.empty}}","b":"${{steps.never_ran}}","c":"${{steps.fetch.body.missing}}"}`)
	assert.JSONEq(t, `{"a":"","b":"","c":""}`, out)
}

func TestRenderMissingInputErrors(t *testing.T) {
	_, err := NewInterpolator().Render(json.RawMessage(`{"x":"${{inputs.nope}}"}`), testScope())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation))
	assert.Contains(t, err.Error(), "nope")
}

func TestRenderUnknownNamespace(t *testing.T) {
	_, err := NewInterpolator().Render(json.RawMessage(`{"x":"${{secrets.KEY}}"}`), testScope())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation))
	assert.Contains(t, err.Error(), "unknown namespace")
}

func TestRenderUnclosedToken(t *testing.T) {
	_, err := NewInterpolator().Render(json.RawMessage(`{"x":"${{inputs.region"}`), testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed")
}

func TestRenderNestedTokenRejected(t *testing.T) {
	_, err := NewInterpolator().Render(json.RawMessage(`{"x":"${{inputs.${{inputs.region}}}}"}`), testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested interpolation")
}

func TestRenderNoTokensPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"plain":true}`)
	out, err := NewInterpolator().Render(raw, testScope())
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(out))
	assert.False(t, HasInterpolation(raw))
}

func TestExtractStepRefs(t *testing.T) {
	refs := ExtractStepRefs(json.RawMessage(
		`{"a":"${{steps.fetch.body.url}}","b":"${{steps.transform}}","c":"${{inputs.region}}"}`))
	assert.Equal(t, map[string]bool{"fetch": true, "transform": true}, refs)
}
