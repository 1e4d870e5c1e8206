package expressions

import (
	"sync"

	"github.com/rendis/browserflow/pkg/schema"
)

// maxCachedPrograms bounds each engine's cache. A long-running worker compiles
// every expression of every workflow it is handed.
const maxCachedPrograms = 512

// programCache memoizes compiled programs by source text. When full it is
// cleared rather than evicting one entry at a time.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
	compile  func(string) (P, error)
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{programs: make(map[string]P), compile: compile}
}

func (c *programCache[P]) get(source string) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[source]; ok {
		return p, nil
	}
	p, err := c.compile(source)
	if err != nil {
		return p, err
	}
	if len(c.programs) >= maxCachedPrograms {
		clear(c.programs)
	}
	c.programs[source] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// expressionError is a FlowError naming the language and expression that failed.
func expressionError(code string, lang, stage, expression string, err error) error {
	return schema.NewErrorf(code, "%s %s %q: %s", lang, stage, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "lang": lang})
}

func emptyExpression(lang string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", lang)
}
