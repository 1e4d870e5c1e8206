package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/browserflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := Open(context.Background(), "file:"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeClock lets lease tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func withClock(s *LibSQLStore) *fakeClock {
	c := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = c.Now
	return c
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, len(migrations), version)
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;CREATE INDEX i ON a (x);")
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "CREATE TABLE a")
	assert.Equal(t, "CREATE INDEX i ON a (x)", got[1])
}

// --- Event log ---

func TestAppendEvent_SequencesPerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, run := range []string{"r1", "r2", "r1", "r1"} {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run, Type: schema.EventStepStarted, Step: "a"}))
	}

	r1, err := s.GetEvents(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, r1, 3)
	for i, e := range r1 {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}

	tail, err := s.GetEvents(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Sequence)

	r2, err := s.GetEvents(ctx, "r2", 0)
	require.NoError(t, err)
	assert.Len(t, r2, 1)
}

func TestAppendEvent_RequiresRunID(t *testing.T) {
	err := newTestStore(t).AppendEvent(context.Background(), &Event{Type: schema.EventRunStarted})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r1", Type: schema.EventStrategyFailed, Step: "login"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r2", Type: schema.EventStrategyFailed, Step: "search"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r2", Type: schema.EventStrategyWon, Step: "search"}))

	all, err := s.GetEventsByType(ctx, schema.EventStrategyFailed, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byStep, err := s.GetEventsByType(ctx, schema.EventStrategyFailed, EventFilter{Step: "login"})
	require.NoError(t, err)
	require.Len(t, byStep, 1)
	assert.Equal(t, "r1", byStep[0].RunID)

	limited, err := s.GetEventsByType(ctx, schema.EventStrategyFailed, EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendEv := func(typ, step string, payload string) {
		t.Helper()
		ev := &Event{RunID: "run-1", Type: typ, Step: step}
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		require.NoError(t, s.AppendEvent(ctx, ev))
	}
	appendEv(schema.EventRunStarted, "", `{"workflow":"checkout"}`)
	appendEv(schema.EventStepStarted, "open", "")
	appendEv(schema.EventStepStarted, "pay", "")
	appendEv(schema.EventStrategyFailed, "pay", `{"strategy":"primary"}`)
	appendEv(schema.EventStrategyWon, "pay", `{"strategy":"by-text"}`)
	appendEv(schema.EventRunFailed, "pay", `{"code":"WORKFLOW_FAILED"}`)

	sum, err := s.Replay(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "checkout", sum.Workflow)
	assert.Equal(t, schema.RunFailed, sum.Status)
	assert.Equal(t, []string{"open", "pay"}, sum.Trace)
	assert.Equal(t, map[string]string{"pay": "by-text"}, sum.Winners)
	assert.Equal(t, "pay", sum.LastStep)
	assert.JSONEq(t, `{"code":"WORKFLOW_FAILED"}`, string(sum.Error))
	assert.Equal(t, 6, sum.Events)

	_, err = s.Replay(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestReplay_DetectsGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r", Type: schema.EventRunStarted}))
	_, err := s.db.Exec(`INSERT INTO run_events (run_id, sequence, event_type, timestamp) VALUES ('r', 3, 'step_started', 0)`)
	require.NoError(t, err)

	_, err = s.Replay(ctx, "r")
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

// --- Task queue ---

func TestEnqueueAndPoll_OldestFirst(t *testing.T) {
	s := newTestStore(t)
	clock := withClock(s)
	ctx := context.Background()

	first := &schema.Task{Workflow: "steps: [{type: succeed}]", Params: map[string]any{"q": "shoes"}}
	require.NoError(t, s.Enqueue(ctx, first))
	require.NotEmpty(t, first.ID)
	clock.Advance(time.Second)
	require.NoError(t, s.Enqueue(ctx, &schema.Task{ID: "second", Workflow: "steps: [{type: succeed}]"}))

	q := NewQueue(s, "worker-a", time.Minute)
	got, err := q.Poll(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, map[string]any{"q": "shoes"}, got.Params)

	rec, err := s.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskRunning, rec.Status)
	assert.Equal(t, "worker-a", rec.LeaseOwner)
	assert.Equal(t, clock.Now().Add(time.Minute), rec.LeaseExpiresAt)

	got, err = q.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", got.ID)

	got, err = q.Poll(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "empty queue")
}

func TestEnqueue_RequiresWorkflow(t *testing.T) {
	err := newTestStore(t).Enqueue(context.Background(), &schema.Task{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestHeartbeat(t *testing.T) {
	s := newTestStore(t)
	clock := withClock(s)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, &schema.Task{ID: "t1", Workflow: "x"}))

	a := NewQueue(s, "a", time.Minute)
	b := NewQueue(s, "b", time.Minute)
	_, err := a.Poll(ctx)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	require.NoError(t, a.Heartbeat(ctx, "t1"))
	rec, _ := s.GetTask(ctx, "t1")
	assert.Equal(t, clock.Now().Add(time.Minute), rec.LeaseExpiresAt)

	assert.True(t, schema.HasCode(b.Heartbeat(ctx, "t1"), schema.ErrCodeConflict), "foreign lease")
	assert.True(t, schema.HasCode(a.Heartbeat(ctx, "nope"), schema.ErrCodeNotFound))
}

func TestPoll_RequeuesExpiredLease(t *testing.T) {
	s := newTestStore(t)
	clock := withClock(s)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, &schema.Task{ID: "t1", Workflow: "x"}))

	a := NewQueue(s, "a", time.Minute)
	b := NewQueue(s, "b", time.Minute)
	_, err := a.Poll(ctx)
	require.NoError(t, err)

	got, err := b.Poll(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "lease still held")

	clock.Advance(2 * time.Minute)
	got, err = b.Poll(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Attempt)

	assert.True(t, schema.HasCode(a.Heartbeat(ctx, "t1"), schema.ErrCodeConflict), "old owner lost the claim")
	err = a.ReportSuccess(ctx, &schema.TaskOutcome{TaskID: "t1", Status: schema.RunSucceeded})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, &schema.Task{ID: "ok", Workflow: "x"}))
	require.NoError(t, s.Enqueue(ctx, &schema.Task{ID: "bad", Workflow: "x"}))

	q := NewQueue(s, "w", 0)
	_, _ = q.Poll(ctx)
	_, _ = q.Poll(ctx)

	require.NoError(t, q.ReportSuccess(ctx, &schema.TaskOutcome{
		TaskID: "ok", RunID: "run-ok", Status: schema.RunSucceeded, LastStep: "done",
	}))
	require.NoError(t, q.ReportFailure(ctx, &schema.TaskOutcome{
		TaskID: "bad", RunID: "run-bad", Status: schema.RunFailed,
		Error: schema.NewError(schema.ErrCodeLoopDetected, "step a visited 11 times").WithStep("a"),
	}))

	ok, err := s.GetTask(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskSucceeded, ok.Status)
	assert.Equal(t, "run-ok", ok.RunID)
	assert.Empty(t, ok.LeaseOwner)
	require.NotNil(t, ok.Outcome)
	assert.Equal(t, "done", ok.Outcome.LastStep)

	bad, err := s.GetTask(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskFailed, bad.Status)
	require.NotNil(t, bad.Outcome.Error)
	assert.Equal(t, schema.ErrCodeLoopDetected, bad.Outcome.Error.Code)
	assert.Equal(t, "a", bad.Outcome.Error.Step)

	err = q.ReportFailure(ctx, &schema.TaskOutcome{TaskID: "ok", Status: schema.RunFailed})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "finished tasks cannot be reported again")

	err = q.ReportSuccess(ctx, &schema.TaskOutcome{TaskID: "missing"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestListTasks(t *testing.T) {
	s := newTestStore(t)
	clock := withClock(s)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(ctx, &schema.Task{ID: id, Workflow: "x"}))
		clock.Advance(time.Second)
	}
	_, err := NewQueue(s, "w", 0).Poll(ctx)
	require.NoError(t, err)

	pending, err := s.ListTasks(ctx, TaskFilter{Status: schema.TaskPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].ID)

	page, err := s.ListTasks(ctx, TaskFilter{Limit: 1, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].ID)
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to schema.TaskStatus
		ok       bool
	}{
		{schema.TaskPending, schema.TaskRunning, true},
		{schema.TaskRunning, schema.TaskSucceeded, true},
		{schema.TaskRunning, schema.TaskFailed, true},
		{schema.TaskRunning, schema.TaskPending, true},
		{schema.TaskPending, schema.TaskSucceeded, false},
		{schema.TaskSucceeded, schema.TaskRunning, false},
		{schema.TaskFailed, schema.TaskPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := checkTransition("t", tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
			}
		})
	}
}
