// Package expressions evaluates the template and expression languages used
// by workflow steps: ${{...}} interpolation for step inputs, CEL and expr
// for step conditions, and jq for output reshaping.
package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/loomery/loom/pkg/schema"
)

// Scope holds the data available to ${{...}} references while rendering a
// step input template.
type Scope struct {
	Steps    map[string]any // output key -> step output (unmarshalled)
	Inputs   map[string]any // run input variables
	Workflow map[string]any // run metadata (execution_id, run_name, etc.)
}

// Interpolator resolves ${{...}} references in step input templates.
//
// Reference grammar:
//
//	${{steps.<key>}}          whole output of an earlier step
//	${{steps.<key>.<path>}}   nested field of an earlier step's output
//	${{inputs.<name>}}        run input variable
//	${{workflow.<field>}}     run metadata
//
// A reference to a step that produced no output renders as an empty string;
// unknown inputs and workflow fields are errors.
type Interpolator struct{}

func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Render resolves every ${{...}} token in raw and returns the resulting JSON.
func (interp *Interpolator) Render(raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	input := string(raw)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])
		if ref == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}
		if strings.Contains(ref, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := interp.resolveRef(ref, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(marshalInline(val))

		i = end + 2
	}

	return json.RawMessage(result.String()), nil
}

func (interp *Interpolator) resolveRef(ref string, scope *Scope) (any, error) {
	parts := strings.SplitN(ref, ".", 2)

	switch parts[0] {
	case "steps":
		return interp.resolveStep(ref, parts, scope)
	case "inputs":
		if len(parts) < 2 || parts[1] == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid input reference %q: expected inputs.<name>", ref)
		}
		return resolveFromMap(scope.Inputs, parts[1], ref, "inputs")
	case "workflow":
		if len(parts) < 2 || parts[1] == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid workflow reference %q: expected workflow.<field>", ref)
		}
		return resolveFromMap(scope.Workflow, parts[1], ref, "workflow")
	default:
		available := []string{"steps", "inputs", "workflow"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", parts[0], ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_namespaces": available})
	}
}

func (interp *Interpolator) resolveStep(ref string, parts []string, scope *Scope) (any, error) {
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<key>[.<field>]", ref)
	}

	keyAndPath := strings.SplitN(parts[1], ".", 2)
	key := keyAndPath[0]

	output, ok := scope.Steps[key]
	if !ok || output == nil {
		// Steps that produced nothing (skipped, no output) render empty.
		return "", nil
	}

	if len(keyAndPath) == 1 {
		return output, nil
	}
	val, err := traversePath(output, keyAndPath[1], ref)
	if err != nil {
		return "", nil
	}
	return val, nil
}

func resolveFromMap(data map[string]any, fieldPath, ref, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", ref, namespace).
			WithDetails(map[string]any{"expression": ref})
	}

	// Direct key lookup first; supports keys containing dots.
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}
	return traversePath(data, fieldPath, ref)
}

// traversePath navigates nested maps using a dot-delimited path.
func traversePath(root any, path, ref string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", ref, i)
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"expression": ref})
		}
		val, ok := obj[seg]
		if !ok {
			keys := mapKeys(obj)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, ref, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"expression": ref, "available_fields": keys})
		}
		current = val
	}
	return current, nil
}

// marshalInline converts a resolved value into its inline representation.
// Strings embed without extra quotes so references inside JSON string values
// concatenate naturally; complex types JSON-encode.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation reports whether a JSON blob contains ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

// ExtractStepRefs finds the step output keys referenced via
// ${{steps.<key>...}} in a template. Validation uses this to reject
// references to steps that have not run yet.
func ExtractStepRefs(raw json.RawMessage) map[string]bool {
	refs := make(map[string]bool)
	s := string(raw)
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			break
		}
		rest := s[idx+3:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx == -1 {
			break
		}
		ref := strings.TrimSpace(rest[:closeIdx])
		if key, ok := strings.CutPrefix(ref, "steps."); ok {
			if dot := strings.IndexByte(key, '.'); dot != -1 {
				key = key[:dot]
			}
			if key = strings.TrimSpace(key); key != "" {
				refs[key] = true
			}
		}
		s = rest[closeIdx+2:]
	}
	return refs
}
