package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/internal/engine"
	"github.com/rendis/browserflow/internal/profiles"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

type fakeSource struct {
	mu         sync.Mutex
	queue      []*schema.Task
	outcomes   []*schema.TaskOutcome
	heartbeats atomic.Int32
	beatErr    error
	polls      atomic.Int32
	reported   chan struct{}
}

func newFakeSource(tasks ...*schema.Task) *fakeSource {
	return &fakeSource{queue: tasks, reported: make(chan struct{}, 64)}
}

func (f *fakeSource) Poll(context.Context) (*schema.Task, error) {
	f.polls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	t := f.queue[0]
	f.queue = f.queue[1:]
	return t, nil
}

func (f *fakeSource) Heartbeat(context.Context, string) error {
	f.heartbeats.Add(1)
	return f.beatErr
}

func (f *fakeSource) ReportSuccess(_ context.Context, o *schema.TaskOutcome) error {
	return f.record(o)
}

func (f *fakeSource) ReportFailure(_ context.Context, o *schema.TaskOutcome) error {
	return f.record(o)
}

func (f *fakeSource) record(o *schema.TaskOutcome) error {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, o)
	f.mu.Unlock()
	f.reported <- struct{}{}
	return nil
}

func (f *fakeSource) byTask() map[string]*schema.TaskOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*schema.TaskOutcome, len(f.outcomes))
	for _, o := range f.outcomes {
		out[o.TaskID] = o
	}
	return out
}

// fakeSession succeeds at every action and tracks concurrency through its
// launcher.
type fakeSession struct {
	launcher *fakeLauncher
	closed   atomic.Bool
}

func (s *fakeSession) Execute(ctx context.Context, req browser.ActionRequest) browser.ActionResult {
	if s.launcher.actionHook != nil {
		return s.launcher.actionHook(ctx, req)
	}
	return browser.Succeeded(nil)
}

func (s *fakeSession) URL(context.Context) (string, error) { return "about:blank", nil }

func (s *fakeSession) QueryElements(context.Context, string) ([]browser.Element, error) {
	return nil, nil
}

func (s *fakeSession) Evaluate(context.Context, string) (any, error) { return nil, nil }

func (s *fakeSession) Screenshot(context.Context, bool) ([]byte, error) { return nil, nil }

func (s *fakeSession) HTML(context.Context) (string, error) { return "", nil }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	s.launcher.open.Add(-1)
	return nil
}

type fakeLauncher struct {
	mu         sync.Mutex
	sessions   []*fakeSession
	dirs       []string
	open       atomic.Int32
	maxOpen    atomic.Int32
	err        error
	actionHook func(ctx context.Context, req browser.ActionRequest) browser.ActionResult
}

func (l *fakeLauncher) Launch(_ context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	if l.err != nil {
		return nil, l.err
	}
	n := l.open.Add(1)
	for {
		m := l.maxOpen.Load()
		if n <= m || l.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	s := &fakeSession{launcher: l}
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.dirs = append(l.dirs, opts.ProfileDir)
	l.mu.Unlock()
	return s, nil
}

func (l *fakeLauncher) allClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sessions {
		if !s.closed.Load() {
			return false
		}
	}
	return true
}

var errLaunch = errors.New("chrome not installed")

func newShell(t *testing.T, cfg Config, source TaskSource, launcher *fakeLauncher) (*Shell, *profiles.Store) {
	t.Helper()
	compiler, err := workflow.NewCompiler(nil)
	require.NoError(t, err)
	store := profiles.NewStore(t.TempDir(), t.TempDir(), nil)
	shell, err := New(cfg, Deps{
		Source:     source,
		Compiler:   compiler,
		Controller: engine.NewController(engine.Deps{}, engine.Config{}),
		Profiles:   store,
		Launcher:   launcher,
	})
	require.NoError(t, err)
	return shell, store
}
