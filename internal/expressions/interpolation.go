package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/browserflow/pkg/schema"
)

// Interpolate resolves ${{ vars.<path> }} references in an action parameter.
// Strings are embedded as-is; other values are JSON encoded.
func Interpolate(input string, vars map[string]any) (string, error) {
	if !HasInterpolation(input) {
		return input, nil
	}

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
			return "", schema.NewError(schema.ErrCodeStepExecution, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeStepExecution,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := resolveRef(ref, vars)
		if err != nil {
			return "", err
		}
		result.WriteString(marshalInline(val))

		i = end + 2
	}

	return result.String(), nil
}

// CheckInterpolation validates reference syntax without resolving values.
func CheckInterpolation(input string) error {
	for rest := input; ; {
		idx := strings.Index(rest, "${{")
		if idx == -1 {
			return nil
		}
		rest = rest[idx+3:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return fmt.Errorf("unclosed ${{ expression")
		}
		ref := strings.TrimSpace(rest[:end])
		if ref == "" {
			return fmt.Errorf("empty variable reference")
		}
		if ns, _, _ := strings.Cut(ref, "."); ns != "vars" {
			return fmt.Errorf("unknown namespace %q in ${{%s}}; available: vars", ns, ref)
		}
		rest = rest[end+2:]
	}
}

// HasInterpolation reports whether s contains any ${{...}} reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

func resolveRef(ref string, vars map[string]any) (any, error) {
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "empty variable reference: ${{  }}")
	}
	ns, path, _ := strings.Cut(ref, ".")
	if ns != "vars" {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"unknown namespace %q in ${{%s}}; available: vars", ns, ref)
	}
	if path == "" {
		return vars, nil
	}
	if val, ok := vars[path]; ok {
		return val, nil
	}
	return traversePath(vars, path, ref)
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, ref string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"empty segment in path %q at position %d", ref, i)
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current)
		}
		val, ok := m[seg]
		if !ok {
			available := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"field %q not found in %q; available: [%s]", seg, ref, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": ref, "available_fields": available})
		}
		current = val
	}
	return current, nil
}

// marshalInline converts a resolved value into its inline representation.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
