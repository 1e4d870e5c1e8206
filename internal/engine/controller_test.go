package engine

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/pkg/schema"
)

func TestRun_NextSkipsSiblingsAndEndTerminates(t *testing.T) {
	wf := compile(t, `
steps:
  - {name: A, type: click, selector: a, next: C}
  - {name: B, type: click, selector: b}
  - {name: C, type: click, selector: c, end: true}
  - {name: D, type: click, selector: d}
`)
	session := newFakeSession()
	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})

	require.True(t, res.Succeeded(), "%+v", res.Error)
	assert.Equal(t, []string{"a", "c"}, session.clicks())
	assert.Equal(t, []string{"A", "C"}, res.Trace)
	assert.Equal(t, "C", res.LastStep)
}

func TestRun_NaturalEndIsSuccess(t *testing.T) {
	wf := compile(t, `
steps:
  - type: sequence
    steps:
      - {type: click, selector: a}
      - {type: click, selector: b}
  - {type: click, selector: c}
`)
	session := newFakeSession()
	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})

	require.True(t, res.Succeeded())
	assert.Empty(t, res.Message)
	assert.Nil(t, res.Error)
	assert.Equal(t, []string{"a", "b", "c"}, session.clicks())
}

func TestRun_GotoAcrossNesting(t *testing.T) {
	wf := compile(t, `
steps:
  - {name: start, type: click, selector: s}
  - name: outer
    type: sequence
    steps:
      - name: check
        type: if
        condition: {type: url_contains, value: shop}
        then:
          - {type: goto, target: finish}
      - {name: mid, type: click, selector: m}
  - {name: skipped, type: click, selector: skip}
  - {name: finish, type: click, selector: f}
  - {name: after, type: click, selector: z}
`)
	session := newFakeSession()
	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})

	require.True(t, res.Succeeded(), "%+v", res.Error)
	assert.Equal(t, []string{"s", "f", "z"}, session.clicks())
	assert.NotContains(t, res.Trace, "mid")
	assert.NotContains(t, res.Trace, "skipped")
}

func TestRun_BlockExhaustionUsesOwnerDirectives(t *testing.T) {
	wf := compile(t, `
steps:
  - name: body
    type: sequence
    next: last
    steps:
      - {type: click, selector: a}
  - {name: skipped, type: click, selector: b}
  - name: last
    type: if
    end: true
    condition: {type: url_contains, value: nowhere}
    else:
      - {type: click, selector: c}
  - {name: never, type: click, selector: d}
`)
	session := newFakeSession()
	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})

	require.True(t, res.Succeeded())
	assert.Equal(t, []string{"a", "c"}, session.clicks())
}

func TestRun_LoopGuard(t *testing.T) {
	wf := compile(t, `
steps:
  - {name: again, type: click, selector: x}
  - {type: goto, target: again}
`)
	session := newFakeSession()
	obs := &countingObserver{}
	res := newTestController(t, Deps{Observer: obs}, Config{}).Run(context.Background(), wf, session, RunOptions{})

	require.False(t, res.Succeeded())
	assert.Equal(t, schema.ErrCodeLoopDetected, res.Error.Code)
	assert.Equal(t, "again", res.Error.Step)
	assert.Equal(t, 10, session.count(schema.StepClick, "x"), "the 11th entry is refused before it runs")
	assert.Equal(t, 1, obs.loops)
}

func TestRun_LoopGuardHonorsMaxVisits(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 12).Draw(rt, "max_visits")
		wf := compile(t, "max_visits: "+strconv.Itoa(limit)+`
steps:
  - {name: again, type: click, selector: x}
  - {type: goto, target: again}
`)
		session := newFakeSession()
		res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})

		if res.Error == nil || res.Error.Code != schema.ErrCodeLoopDetected {
			rt.Fatalf("want LOOP_DETECTED, got %+v", res.Error)
		}
		if n := session.count(schema.StepClick, "x"); n != limit {
			rt.Fatalf("step ran %d times, want %d", n, limit)
		}
	})
}

func TestRun_StrategiesRunInOrderUntilOneWins(t *testing.T) {
	wf := compile(t, `
steps:
  - name: login
    type: try
    strategies:
      - name: s1
        steps: [{type: click, selector: .s1}]
      - name: s2
        steps: [{type: click, selector: .s2}]
        verify: {type: url_contains, value: /account}
      - name: s3
        steps: [{type: click, selector: .s3}]
        verify: {type: url_contains, value: /account}
      - name: s4
        steps: [{type: click, selector: .s4}]
  - {name: next, type: click, selector: .after}
`)
	session := newFakeSession()
	session.failing[".s1"] = true
	session.navigates[".s3"] = "https://shop.example.com/account"
	events := &recordingEvents{}
	obs := &countingObserver{}

	res := newTestController(t, Deps{Events: events, Observer: obs}, Config{}).
		Run(context.Background(), wf, session, RunOptions{})

	require.True(t, res.Succeeded(), "%+v", res.Error)
	assert.Equal(t, "s3", res.Winners["login"])
	assert.Equal(t, []string{".s1", ".s2", ".s3", ".after"}, session.clicks())
	assert.Equal(t, 2, obs.attempts["steps/failed"])
	assert.Equal(t, 1, obs.attempts["steps/won"])

	won := events.payload(t, schema.EventStrategyWon)
	assert.Equal(t, "s3", won["strategy"])
}

func TestRun_ExhaustedWithoutHandlerFails(t *testing.T) {
	wf := compile(t, `
steps:
  - name: login
    type: try
    strategies:
      - name: by-id
        steps: [{type: click, selector: "#login"}]
      - name: by-text
        steps: [{type: click, selector: .login}]
        verify: {type: element_visible, selector: .menu}
  - {type: click, selector: .after}
`)
	session := newFakeSession()
	session.failing["#login"] = true

	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})

	require.False(t, res.Succeeded())
	assert.Equal(t, schema.ErrCodeStrategyExhausted, res.Error.Code)
	assert.Equal(t, "login", res.Error.Step)
	require.Len(t, res.Error.Attempts, 2)
	assert.Equal(t, "by-id", res.Error.Attempts[0].Strategy)
	assert.Contains(t, res.Error.Attempts[0].Reason, "element not found")
	assert.Equal(t, "by-text", res.Error.Attempts[1].Strategy)
	assert.Contains(t, res.Error.Attempts[1].Reason, "verification")
	assert.Zero(t, session.count(schema.StepClick, ".after"))
}

func TestRun_HandlerRunsOnceThenFlowContinues(t *testing.T) {
	wf := compile(t, `
steps:
  - name: login
    type: try
    strategies:
      - steps: [{type: click, selector: .a}]
      - steps: [{type: click, selector: .b}]
    on_all_strategies_failed:
      name: recover
      type: click
      selector: .reset
  - {name: after, type: click, selector: .after}
`)
	session := newFakeSession()
	session.failing[".a"] = true
	session.failing[".b"] = true
	events := &recordingEvents{}

	res := newTestController(t, Deps{Events: events}, Config{}).Run(context.Background(), wf, session, RunOptions{})

	require.True(t, res.Succeeded(), "%+v", res.Error)
	assert.Equal(t, []string{".a", ".b", ".reset", ".after"}, session.clicks())
	assert.Equal(t, []string{"login", "recover", "after"}, res.Trace)
	assert.Contains(t, events.types(), schema.EventFailureHandler)
}

func TestRun_HandlerCanFailTheRun(t *testing.T) {
	wf := compile(t, `
steps:
  - name: login
    type: try
    strategies:
      - name: by-id
        steps: [{type: click, selector: "#login"}]
      - name: by-text
        steps: [{type: click, selector: .login}]
    on_all_strategies_failed:
      type: fail
      message: login unavailable
      error_code: LOGIN_DOWN
`)
	session := newFakeSession()
	session.failing["#login"] = true
	session.failing[".login"] = true

	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})

	require.False(t, res.Succeeded())
	assert.Equal(t, "LOGIN_DOWN", res.Error.Code)
	assert.Equal(t, "login unavailable", res.Error.Message)
	assert.Equal(t, "login", res.Error.Step, "reported at the try step")
	assert.Equal(t, "steps[0].on_all_strategies_failed", res.Error.Details["handler_step"])
	require.Len(t, res.Error.Attempts, 2)
	assert.Equal(t, "by-id", res.Error.Attempts[0].Strategy)
	assert.Equal(t, "by-text", res.Error.Attempts[1].Strategy)
}

func TestRun_HandlerStepErrorKeepsAttempts(t *testing.T) {
	wf := compile(t, `
steps:
  - name: login
    type: try
    strategies:
      - name: by-id
        steps: [{type: click, selector: "#login"}]
    on_all_strategies_failed:
      type: sequence
      steps:
        - {name: reset, type: click, selector: .reset}
`)
	session := newFakeSession()
	session.failing["#login"] = true
	session.failing[".reset"] = true

	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})

	require.False(t, res.Succeeded())
	assert.Equal(t, schema.ErrCodeStepExecution, res.Error.Code)
	assert.Equal(t, "login", res.Error.Step)
	assert.Equal(t, "reset", res.Error.Details["handler_step"])
	require.Len(t, res.Error.Attempts, 1)
	assert.Equal(t, "by-id", res.Error.Attempts[0].Strategy)
}

func TestRun_ActionEscalationChain(t *testing.T) {
	wf := compile(t, `
steps:
  - name: buy
    type: click
    selector: "#buy"
    escalation_chain:
      - name: by-class
        steps: [{type: click, selector: .buy}]
`)

	t.Run("primary succeeds", func(t *testing.T) {
		session := newFakeSession()
		res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})
		require.True(t, res.Succeeded())
		assert.Equal(t, []string{"#buy"}, session.clicks())
		assert.Empty(t, res.Winners)
	})

	t.Run("chain wins after primary fails", func(t *testing.T) {
		session := newFakeSession()
		session.failing["#buy"] = true
		res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})
		require.True(t, res.Succeeded())
		assert.Equal(t, "by-class", res.Winners["buy"])
	})

	t.Run("exhaustion lists primary", func(t *testing.T) {
		session := newFakeSession()
		session.failing["#buy"] = true
		session.failing[".buy"] = true
		res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})
		require.False(t, res.Succeeded())
		assert.Equal(t, schema.ErrCodeStrategyExhausted, res.Error.Code)
		require.Len(t, res.Error.Attempts, 2)
		assert.Equal(t, PrimaryAttempt, res.Error.Attempts[0].Strategy)
		assert.Equal(t, "by-class", res.Error.Attempts[1].Strategy)
	})
}

func TestRun_ActionWithoutChainFails(t *testing.T) {
	wf := compile(t, "steps:\n  - {name: buy, type: click, selector: \"#buy\"}\n")
	session := newFakeSession()
	session.failing["#buy"] = true

	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})

	require.False(t, res.Succeeded())
	assert.Equal(t, schema.ErrCodeStepExecution, res.Error.Code)
	assert.Equal(t, "buy", res.Error.Step)
	assert.Contains(t, res.Error.Message, "element not found")
}

func TestRun_PanicIsIsolated(t *testing.T) {
	wf := compile(t, `
steps:
  - type: try
    strategies:
      - name: crashy
        steps: [{type: click, selector: .boom}]
      - name: safe
        steps: [{type: click, selector: .ok}]
`)
	session := newFakeSession()
	session.panics[".boom"] = true

	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})

	require.True(t, res.Succeeded())
	assert.Equal(t, "safe", res.Winners["steps[0]"])
}

func TestRun_Switch(t *testing.T) {
	const src = `
steps:
  - name: route
    type: switch
    cases:
      - when: {type: url_contains, value: /cart}
        steps: [{type: click, selector: .checkout}]
      - when: {type: url_contains, value: shop}
        steps: [{type: click, selector: .shop}]
      - when: {type: url_contains, value: example}
        steps: [{type: click, selector: .example}]
%s`

	t.Run("first true case wins", func(t *testing.T) {
		session := newFakeSession()
		res := newTestController(t, Deps{}, Config{}).
			Run(context.Background(), compile(t, strings.Replace(src, "%s", "", 1)), session, RunOptions{})
		require.True(t, res.Succeeded())
		assert.Equal(t, []string{".shop"}, session.clicks())
	})

	t.Run("default", func(t *testing.T) {
		session := newFakeSession()
		session.url = "https://other.test/"
		wf := compile(t, strings.Replace(src, "%s", "    default: [{type: click, selector: .fallback}]", 1))
		res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})
		require.True(t, res.Succeeded())
		assert.Equal(t, []string{".fallback"}, session.clicks())
	})

	t.Run("no match and no default", func(t *testing.T) {
		session := newFakeSession()
		session.url = "https://other.test/"
		res := newTestController(t, Deps{}, Config{}).
			Run(context.Background(), compile(t, strings.Replace(src, "%s", "", 1)), session, RunOptions{})
		require.False(t, res.Succeeded())
		assert.Equal(t, schema.ErrCodeStepExecution, res.Error.Code)
		assert.Equal(t, "route", res.Error.Step)
		assert.Empty(t, session.clicks())
	})
}

func TestRun_TerminalSteps(t *testing.T) {
	t.Run("succeed", func(t *testing.T) {
		wf := compile(t, "steps:\n  - {type: succeed, message: all done}\n  - {type: click, selector: x}\n")
		session := newFakeSession()
		res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session, RunOptions{})
		require.True(t, res.Succeeded())
		assert.Equal(t, "all done", res.Message)
		assert.Empty(t, session.clicks())
	})

	t.Run("fail defaults", func(t *testing.T) {
		wf := compile(t, "steps:\n  - {name: stop, type: fail}\n")
		res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, newFakeSession(), RunOptions{})
		require.False(t, res.Succeeded())
		assert.Equal(t, schema.ErrCodeWorkflowFailed, res.Error.Code)
		assert.Equal(t, "stop", res.Error.Step)
	})
}

func TestRun_ConditionErrorFailsRun(t *testing.T) {
	wf := compile(t, `
steps:
  - name: check
    type: if
    condition: {type: expression, expression: "vars.missing.field > 1"}
    then: [{type: succeed}]
`)
	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, newFakeSession(), RunOptions{})

	require.False(t, res.Succeeded())
	assert.Equal(t, schema.ErrCodeConditionEvaluation, res.Error.Code)
	assert.Equal(t, "check", res.Error.Step)
}

func TestRun_VariablesFlowThroughExtractAndConditions(t *testing.T) {
	wf := compile(t, `
steps:
  - {type: fill, selector: "#email", value: "${{ vars.email }}"}
  - {type: extract, selector: .price, as: prices, transform: "map(tonumber) | add"}
  - name: check
    type: if
    condition: {type: expression, expression: "vars.prices == 30.0", lang: expr}
    then: [{type: succeed, message: total ok}]
    else: [{type: fail, message: wrong total}]
`)
	session := newFakeSession()
	session.data[".price"] = []any{"10", "20"}

	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, session,
		RunOptions{Variables: map[string]any{"email": "ana@example.com"}})

	require.True(t, res.Succeeded(), "%+v", res.Error)
	assert.Equal(t, "total ok", res.Message)
	assert.EqualValues(t, 30, res.Variables["prices"])
	assert.Equal(t, "ana@example.com", session.calls[0].Value)
}

func TestRun_MissingVariableFailsAction(t *testing.T) {
	wf := compile(t, "steps:\n  - {name: f, type: fill, selector: x, value: \"${{ vars.nope }}\"}\n")
	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, newFakeSession(), RunOptions{})

	require.False(t, res.Succeeded())
	assert.Equal(t, "f", res.Error.Step)
}

func TestRun_ScreenshotWritesFile(t *testing.T) {
	dir := t.TempDir()
	wf := compile(t, "steps:\n  - {type: screenshot, path: \"shots/${{ vars.order }}.png\"}\n")

	res := newTestController(t, Deps{}, Config{ArtifactDir: dir}).Run(context.Background(), wf, newFakeSession(),
		RunOptions{Variables: map[string]any{"order": "o-17"}})

	require.True(t, res.Succeeded(), "%+v", res.Error)
	raw, err := os.ReadFile(filepath.Join(dir, "shots", "o-17.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), raw)
}

func TestRun_CancelledBeforeFirstStep(t *testing.T) {
	wf := compile(t, "steps:\n  - {name: a, type: click, selector: x}\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := newFakeSession()
	res := newTestController(t, Deps{}, Config{}).Run(ctx, wf, session, RunOptions{})

	require.False(t, res.Succeeded())
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Equal(t, "a", res.Error.Step)
	assert.Empty(t, session.clicks())
}

func TestRun_CancellationNeverInterruptsAnAction(t *testing.T) {
	wf := compile(t, `
steps:
  - {name: slow, type: click, selector: .slow}
  - {name: next, type: click, selector: .next}
`)
	ctx, cancel := context.WithCancel(context.Background())
	session := newFakeSession()
	var sawCancel bool
	session.execute = func(actx context.Context, req browser.ActionRequest) browser.ActionResult {
		if req.Selector == ".slow" {
			cancel()
			time.Sleep(20 * time.Millisecond)
			sawCancel = actx.Err() != nil
		}
		return browser.Succeeded(nil)
	}

	res := newTestController(t, Deps{}, Config{}).Run(ctx, wf, session, RunOptions{})

	assert.False(t, sawCancel, "action context must not observe run cancellation")
	require.False(t, res.Succeeded())
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Equal(t, "next", res.Error.Step, "cancellation is observed at the next step boundary")
	assert.Equal(t, 1, session.count(schema.StepClick, ".slow"))
	assert.Zero(t, session.count(schema.StepClick, ".next"))
}

func TestRun_WorkflowTimeout(t *testing.T) {
	wf := compile(t, `
timeout: 30ms
steps:
  - {name: pause, type: wait, duration: 5s}
  - {type: click, selector: x}
`)
	start := time.Now()
	res := newTestController(t, Deps{}, Config{}).Run(context.Background(), wf, newFakeSession(), RunOptions{})

	require.False(t, res.Succeeded())
	assert.Equal(t, schema.ErrCodeTimeout, res.Error.Code)
	assert.Equal(t, "pause", res.Error.Step)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	wf := compile(t, "steps:\n  - {name: a, type: click, selector: x}\n")
	events := &recordingEvents{}

	res := newTestController(t, Deps{Events: events}, Config{}).Run(context.Background(), wf, newFakeSession(),
		RunOptions{RunID: "run-42"})

	require.True(t, res.Succeeded())
	assert.Equal(t, "run-42", res.RunID)
	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventStepStarted,
		schema.EventStepCompleted,
		schema.EventRunSucceeded,
	}, events.types())
	for _, ev := range events.events {
		assert.Equal(t, "run-42", ev.RunID)
	}
}
