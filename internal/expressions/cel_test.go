package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/browserflow/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestNewCELEngine(t *testing.T) {
	e := newCEL(t)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_Literals(t *testing.T) {
	e := newCEL(t)

	out, err := e.Evaluate(context.Background(), "true", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), "1 + 2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)
}

func TestCEL_PageAndVars(t *testing.T) {
	e := newCEL(t)
	data := ConditionData("https://shop.example.com/cart", map[string]any{
		"items": []any{"a", "b"},
		"user":  map[string]any{"name": "ada"},
	})

	out, err := e.Evaluate(context.Background(), `page.url.contains("/cart") && size(vars.items) == 2`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `vars.user.name == "ada"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_MissingScopesDefaultToEmpty(t *testing.T) {
	e := newCEL(t)
	out, err := e.Evaluate(context.Background(), `"x" in vars`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_CompileError(t *testing.T) {
	e := newCEL(t)

	err := e.Check("1 +")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = e.Check("")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = e.Check("unknown_var == 1")
	assert.Error(t, err, "only page and vars are declared")
}

func TestCEL_RuntimeError(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), `vars.missing == 1`, ConditionData("", nil))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConditionEvaluation))
}

func TestCEL_CacheConcurrent(t *testing.T) {
	e := newCEL(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `page.url == "u"`, ConditionData("u", nil))
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.cache.len())
}
