package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/browserflow/pkg/schema"
)

func newCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := NewCompiler(nil)
	require.NoError(t, err)
	return c
}

const loginWorkflow = `
name: login
timeout: 2m
max_visits: 4
session:
  profile: shop
steps:
  - name: open
    type: navigate
    url: https://shop.example.com/login
  - name: auth
    type: sequence
    steps:
      - type: fill
        selector: "#email"
        value: "${{ vars.email }}"
      - name: submit
        type: click
        selector: "#submit"
        escalation_chain:
          - name: by-text
            steps:
              - type: click
                selector: "button:contains('Sign in')"
            verify:
              type: url_contains
              value: /account
          - name: ask-human
            escalate:
              mode: human
              prompt: click the sign in button
              timeout: 5m
  - name: check
    type: if
    condition:
      type: or
      conditions:
        - type: element_visible
          selector: .user-menu
        - type: url_matches
          value: "/account(/.*)?$"
    then:
      - type: succeed
    else:
      - type: goto
        target: open
`

func TestParse_BuildsIndexAndTree(t *testing.T) {
	wf, err := newCompiler(t).Parse([]byte(loginWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "login", wf.Name)
	assert.Equal(t, 2*time.Minute, wf.Timeout)
	assert.Equal(t, 4, wf.MaxVisits)
	assert.Equal(t, "shop", wf.Session.Profile)
	assert.Empty(t, wf.Warnings)

	first := wf.First()
	require.NotNil(t, first)
	assert.Equal(t, "open", first.Key)

	auth, ok := wf.Lookup("auth")
	require.True(t, ok)
	assert.Same(t, auth, first.Following())

	seq, ok := auth.Step.(*SequenceStep)
	require.True(t, ok)
	require.Len(t, seq.Body.Steps, 2)
	assert.Same(t, auth, seq.Body.Owner)

	fill := seq.Body.Steps[0]
	assert.Equal(t, "steps[1].steps[0]", fill.Key, "unnamed steps are keyed by path")
	assert.Equal(t, "", fill.Name)

	submit, ok := wf.Lookup("submit")
	require.True(t, ok)
	action, ok := submit.Step.(*ActionStep)
	require.True(t, ok)
	assert.Equal(t, schema.StepClick, action.Kind())
	require.Len(t, action.Chain, 2)
	assert.Equal(t, "by-text", action.Chain[0].Name)
	assert.IsType(t, &URLContains{}, action.Chain[0].Verify)
	require.NotNil(t, action.Chain[1].Escalate)
	assert.Equal(t, schema.EscalateHuman, action.Chain[1].Escalate.Mode)
	assert.Equal(t, 5*time.Minute, action.Chain[1].Escalate.Timeout)

	check, _ := wf.Lookup("check")
	ifStep, ok := check.Step.(*IfStep)
	require.True(t, ok)
	or, ok := ifStep.Condition.(*Or)
	require.True(t, ok)
	require.Len(t, or.Conditions, 2)
	matches, ok := or.Conditions[1].(*URLMatches)
	require.True(t, ok)
	assert.True(t, matches.Pattern.MatchString("https://x/account/settings"))
	assert.Nil(t, check.Following())

	assert.Len(t, wf.Nodes(), 7)
}

func TestParse_JSONDocument(t *testing.T) {
	wf, err := newCompiler(t).Parse([]byte(`{"steps":[{"type":"navigate","url":"about:blank","end":true},{"type":"succeed"}]}`))
	require.NoError(t, err)
	assert.True(t, wf.First().End)
}

func TestParse_TryHandlerIsOwnBlock(t *testing.T) {
	wf, err := newCompiler(t).Parse([]byte(`
steps:
  - name: attempt
    type: try
    strategies:
      - steps:
          - type: click
            selector: .a
    on_all_strategies_failed:
      name: recover
      type: sequence
      steps:
        - type: screenshot
        - type: fail
          message: gave up
`))
	require.NoError(t, err)

	attempt, _ := wf.Lookup("attempt")
	try := attempt.Step.(*TryStep)
	require.NotNil(t, try.OnFailure)
	require.Len(t, try.OnFailure.Steps, 1)
	assert.Same(t, attempt, try.OnFailure.Owner)
	assert.Equal(t, "steps[0].strategies[0]", try.Strategies[0].Name, "unnamed strategies are named by path")

	handler, ok := wf.Lookup("recover")
	require.True(t, ok)
	assert.Same(t, try.OnFailure.Steps[0], handler)
}

func TestParse_SemanticErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "duplicate names",
			src:  "steps:\n  - {name: a, type: succeed}\n  - {name: a, type: succeed}\n",
			want: `duplicate step name "a"`,
		},
		{
			name: "duplicate name across nesting",
			src:  "steps:\n  - {name: a, type: sequence, steps: [{name: a, type: succeed}]}\n",
			want: `duplicate step name "a"`,
		},
		{
			name: "unknown goto target",
			src:  "steps:\n  - {type: goto, target: nowhere}\n",
			want: `references unknown step "nowhere"`,
		},
		{
			name: "unknown next target",
			src:  "steps:\n  - {type: navigate, url: x, next: nowhere}\n",
			want: `references unknown step "nowhere"`,
		},
		{
			name: "end and next",
			src:  "steps:\n  - {name: a, type: navigate, url: x, end: true, next: a}\n",
			want: "combines end and next",
		},
		{
			name: "directive on goto",
			src:  "steps:\n  - {name: a, type: goto, target: a, end: true}\n",
			want: "goto step cannot carry end or next",
		},
		{
			name: "directive on succeed",
			src:  "steps:\n  - {name: a, type: succeed, next: a}\n",
			want: "succeed step cannot carry end or next",
		},
		{
			name: "control step inside strategy",
			src:  "steps:\n  - type: try\n    strategies:\n      - steps: [{type: goto, target: x}]\n",
			want: "strategy steps must be actions",
		},
		{
			name: "strategy with both",
			src:  "steps:\n  - type: try\n    strategies:\n      - steps: [{type: click, selector: a}]\n        escalate: {mode: vision, prompt: p}\n",
			want: "exactly one is required",
		},
		{
			name: "strategy with neither",
			src:  "steps:\n  - type: try\n    strategies:\n      - name: empty\n",
			want: "requires steps or escalate",
		},
		{
			name: "strategy name reused",
			src:  "steps:\n  - type: try\n    strategies:\n      - {name: css, steps: [{type: click, selector: a}]}\n      - {name: css, steps: [{type: click, selector: b}]}\n",
			want: `duplicate step name "css"`,
		},
		{
			name: "strategy named like an earlier step",
			src:  "steps:\n  - {name: open, type: navigate, url: x}\n  - type: try\n    strategies:\n      - {name: open, steps: [{type: click, selector: a}]}\n",
			want: `duplicate step name "open"`,
		},
		{
			name: "step named like an earlier strategy",
			src:  "steps:\n  - type: try\n    strategies:\n      - {name: css, steps: [{type: click, selector: a}]}\n  - {name: css, type: succeed}\n",
			want: `duplicate step name "css"`,
		},
		{
			name: "jump to a strategy name",
			src:  "steps:\n  - type: try\n    strategies:\n      - {name: css, steps: [{type: click, selector: a}]}\n  - {type: goto, target: css}\n",
			want: "cannot be jumped to",
		},
		{
			name: "jump into strategy",
			src:  "steps:\n  - type: try\n    strategies:\n      - steps: [{name: inner, type: click, selector: a}]\n  - {type: goto, target: inner}\n",
			want: "cannot be jumped to",
		},
		{
			name: "bad regex",
			src:  "steps:\n  - type: if\n    condition: {type: url_matches, value: \"([\"}\n",
			want: "invalid regular expression",
		},
		{
			name: "missing action parameter",
			src:  "steps:\n  - {type: click}\n",
			want: "click step requires selector",
		},
		{
			name: "wait without selector or duration",
			src:  "steps:\n  - {type: wait}\n",
			want: "requires selector or duration",
		},
		{
			name: "bad jq transform",
			src:  "steps:\n  - {type: extract, selector: a, transform: \".[[\"}\n",
			want: "jq parse error",
		},
		{
			name: "bad expression",
			src:  "steps:\n  - type: if\n    condition: {type: expression, expression: \"1 +\", lang: expr}\n",
			want: "expr compile error",
		},
		{
			name: "element_count without bounds",
			src:  "steps:\n  - type: if\n    condition: {type: element_count, selector: li}\n",
			want: "requires min or max",
		},
		{
			name: "switch without cases",
			src:  "steps:\n  - {type: switch, default: [{type: succeed}]}\n",
			want: "at least one case",
		},
		{
			name: "profile escaping the profile root",
			src:  "session: {profile: ../secret}\nsteps:\n  - {type: succeed}\n",
			want: `invalid profile name "../secret"`,
		},
		{
			name: "nested profile path",
			src:  "session: {profile: team/bank}\nsteps:\n  - {type: succeed}\n",
			want: `invalid profile name "team/bank"`,
		},
		{
			name: "unknown interpolation namespace",
			src:  "steps:\n  - {type: navigate, url: \"${{ env.HOME }}\"}\n",
			want: "unknown namespace",
		},
	}

	c := newCompiler(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf, err := c.Parse([]byte(tt.src))
			require.Error(t, err)
			assert.Nil(t, wf)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_ZeroSteps(t *testing.T) {
	_, err := newCompiler(t).Parse([]byte("steps: []\n"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = newCompiler(t).Compile(&schema.WorkflowDefinition{Steps: []schema.StepDefinition{}})
	require.Error(t, err)
}

func TestParse_ReportsEveryIssue(t *testing.T) {
	_, result := newCompiler(t).Validate([]byte(`
steps:
  - {type: goto, target: a}
  - {type: goto, target: b}
  - {type: click}
`))
	assert.Len(t, result.Errors, 3)
}

func TestParse_StructuralErrorsShortCircuit(t *testing.T) {
	_, result := newCompiler(t).Validate([]byte("steps:\n  - {type: hover}\n  - {type: goto, target: nowhere}\n"))
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotContains(t, e.Message, "unknown step")
	}
}

func TestParse_ContinueIsNoOpWithWarning(t *testing.T) {
	wf, err := newCompiler(t).Parse([]byte(`
steps:
  - {type: navigate, url: x, continue: true}
  - {type: succeed}
`))
	require.NoError(t, err)
	require.Len(t, wf.Warnings, 1)
	assert.Equal(t, "steps[0].continue", wf.Warnings[0].Path)

	first := wf.First()
	assert.False(t, first.End)
	assert.Empty(t, first.Next)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := newCompiler(t).Parse([]byte("steps: [\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse workflow")
}

func TestCompile_TypedDefinition(t *testing.T) {
	one := 1
	def := &schema.WorkflowDefinition{
		Name: "typed",
		Steps: []schema.StepDefinition{
			{Name: "a", Type: schema.StepNavigate, URL: "https://example.com", Next: "c"},
			{Name: "b", Type: schema.StepClick, Selector: ".never"},
			{Name: "c", Type: schema.StepIf,
				Condition: &schema.ConditionDefinition{Type: schema.CondElementCount, Selector: "li", Min: &one},
				Then:      []schema.StepDefinition{{Type: schema.StepSucceed}},
			},
		},
	}
	wf, err := newCompiler(t).Compile(def)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxVisits, wf.MaxVisits)

	a, _ := wf.Lookup("a")
	assert.Equal(t, "c", a.Next)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(loginWorkflow), 0o600))

	wf, err := newCompiler(t).ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "login", wf.Name)

	_, err = newCompiler(t).ParseFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
