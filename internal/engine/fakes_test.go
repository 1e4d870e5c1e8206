package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/internal/conditions"
	"github.com/rendis/browserflow/internal/expressions"
	"github.com/rendis/browserflow/internal/store"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

// fakeSession is a scriptable browser.Session. Clicks on selectors in failing
// fail, clicks on selectors in navigates change the URL, extract returns the
// value stored under its selector.
type fakeSession struct {
	mu        sync.Mutex
	url       string
	failing   map[string]bool
	navigates map[string]string
	panics    map[string]bool
	data      map[string]any
	visible   map[string]bool
	calls     []browser.ActionRequest
	execute   func(ctx context.Context, req browser.ActionRequest) browser.ActionResult
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		url:       "https://shop.example.com/",
		failing:   map[string]bool{},
		navigates: map[string]string{},
		panics:    map[string]bool{},
		data:      map[string]any{},
		visible:   map[string]bool{},
	}
}

func (f *fakeSession) Execute(ctx context.Context, req browser.ActionRequest) browser.ActionResult {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	hook := f.execute
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, req)
	}
	if f.panics[req.Selector] {
		panic("driver crashed on " + req.Selector)
	}
	if f.failing[req.Selector] {
		return browser.ActionResult{Error: "element not found: " + req.Selector}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch req.Type {
	case schema.StepNavigate:
		f.url = req.URL
	case schema.StepClick:
		if u, ok := f.navigates[req.Selector]; ok {
			f.url = u
		}
	case schema.StepExtract:
		return browser.Succeeded(f.data[req.Selector])
	case schema.StepScreenshot:
		return browser.Succeeded([]byte("\x89PNG"))
	}
	return browser.Succeeded(nil)
}

func (f *fakeSession) URL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *fakeSession) QueryElements(_ context.Context, selector string) ([]browser.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visible[selector] {
		return []browser.Element{{Visible: true}}, nil
	}
	return nil, nil
}

func (f *fakeSession) Evaluate(context.Context, string) (any, error) { return true, nil }

func (f *fakeSession) Screenshot(context.Context, bool) ([]byte, error) {
	return []byte("\x89PNG"), nil
}

func (f *fakeSession) HTML(context.Context) (string, error) { return "<html></html>", nil }

func (f *fakeSession) Close() error { return nil }

// count returns how often an action of kind ran against selector.
func (f *fakeSession) count(kind schema.StepType, selector string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Type == kind && c.Selector == selector {
			n++
		}
	}
	return n
}

func (f *fakeSession) clicks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Type == schema.StepClick {
			out = append(out, c.Selector)
		}
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*store.Event
}

func (r *recordingEvents) AppendEvent(_ context.Context, ev *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recordingEvents) payload(t *testing.T, eventType string) map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == eventType {
			var p map[string]any
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			return p
		}
	}
	t.Fatalf("no %s event", eventType)
	return nil
}

type escalatorFunc func(ctx context.Context, req schema.EscalationRequest) (schema.EscalationResponse, error)

func (f escalatorFunc) Escalate(ctx context.Context, req schema.EscalationRequest) (schema.EscalationResponse, error) {
	return f(ctx, req)
}

type countingObserver struct {
	mu       sync.Mutex
	attempts map[string]int
	loops    int
}

func (o *countingObserver) StrategyAttempt(mode, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempts == nil {
		o.attempts = map[string]int{}
	}
	o.attempts[mode+"/"+outcome]++
}

func (o *countingObserver) LoopDetected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loops++
}

func compile(t *testing.T, src string) *workflow.Workflow {
	t.Helper()
	c, err := workflow.NewCompiler(nil)
	require.NoError(t, err)
	wf, err := c.Parse([]byte(src))
	require.NoError(t, err)
	return wf
}

func newTestController(t *testing.T, deps Deps, cfg Config) *Controller {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	if deps.Evaluator == nil {
		deps.Evaluator = conditions.NewEvaluator(engines, conditions.WithPollInterval(time.Millisecond))
	}
	if deps.JQ == nil {
		deps.JQ = engines.JQ
	}
	return NewController(deps, cfg)
}
