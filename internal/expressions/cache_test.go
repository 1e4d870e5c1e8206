package expressions

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/browserflow/pkg/schema"
)

func TestProgramCache_CompilesOnce(t *testing.T) {
	calls := 0
	c := newProgramCache(func(src string) (int, error) {
		calls++
		return len(src), nil
	})

	for range 3 {
		n, err := c.get("abc")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	}
	assert.Equal(t, 1, calls)
}

func TestProgramCache_ErrorsAreNotCached(t *testing.T) {
	calls := 0
	c := newProgramCache(func(string) (int, error) {
		calls++
		return 0, errors.New("bad")
	})

	_, err := c.get("x")
	assert.Error(t, err)
	_, err = c.get("x")
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Zero(t, c.len())
}

func TestProgramCache_ClearsWhenFull(t *testing.T) {
	c := newProgramCache(func(src string) (string, error) { return src, nil })
	for i := range maxCachedPrograms {
		_, err := c.get(fmt.Sprint(i))
		require.NoError(t, err)
	}
	assert.Equal(t, maxCachedPrograms, c.len())

	_, err := c.get("one more")
	require.NoError(t, err)
	assert.Equal(t, 1, c.len())
}

func TestExpressionError(t *testing.T) {
	err := expressionError(schema.ErrCodeValidation, "jq", "parse error", ".[[", errors.New("unexpected EOF"))

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Equal(t, `jq parse error ".[[": unexpected EOF`, fe.Message)
	assert.Equal(t, "jq", fe.Details["lang"])
}
