package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/browserflow/pkg/schema"
)

func TestInterpolate(t *testing.T) {
	vars := map[string]any{
		"email":   "ada@example.com",
		"count":   3,
		"user":    map[string]any{"id": "u-1"},
		"tags":    []any{"a"},
		"a.b.key": "dotted",
	}

	tests := []struct {
		in   string
		want string
	}{
		{"no refs", "no refs"},
		{"${{ vars.email }}", "ada@example.com"},
		{"/users/${{vars.user.id}}/orders", "/users/u-1/orders"},
		{"n=${{ vars.count }}", "n=3"},
		{"${{ vars.tags }}", `["a"]`},
		{"${{ vars.a.b.key }}", "dotted"},
	}
	for _, tt := range tests {
		got, err := Interpolate(tt.in, vars)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestInterpolate_Errors(t *testing.T) {
	vars := map[string]any{"user": map[string]any{"id": "u-1"}}

	for _, in := range []string{
		"${{ vars.user.name }}",
		"${{ vars.user.id.x }}",
		"${{ steps.a }}",
		"${{ vars.user",
		"${{}}",
	} {
		_, err := Interpolate(in, vars)
		require.Error(t, err, in)
		assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution), in)
	}
}

func TestCheckInterpolation(t *testing.T) {
	assert.NoError(t, CheckInterpolation("plain"))
	assert.NoError(t, CheckInterpolation("${{ vars.a }} and ${{vars.b.c}}"))
	assert.Error(t, CheckInterpolation("${{ env.HOME }}"))
	assert.Error(t, CheckInterpolation("${{ vars.a"))
	assert.Error(t, CheckInterpolation("${{ }}"))
}
