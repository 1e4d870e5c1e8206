package schema

import (
	"path/filepath"
	"strings"
)

// WorkflowDefinition is the serializable workflow document.
// Authors write it as YAML or JSON; an editor or generator must produce this shape.
type WorkflowDefinition struct {
	Name      string           `json:"name" yaml:"name"`
	Steps     []StepDefinition `json:"steps" yaml:"steps"`
	Session   *SessionConfig   `json:"session,omitempty" yaml:"session,omitempty"`
	Timeout   string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`       // wall-clock budget (e.g. "5m")
	MaxVisits int              `json:"max_visits,omitempty" yaml:"max_visits,omitempty"` // loop guard (default 10)
}

// SessionConfig selects the browser profile a workflow runs with.
type SessionConfig struct {
	Profile          string   `json:"profile,omitempty" yaml:"profile,omitempty"`
	RequiredTags     []string `json:"required_tags,omitempty" yaml:"required_tags,omitempty"`
	CloneForParallel bool     `json:"clone_for_parallel,omitempty" yaml:"clone_for_parallel,omitempty"`
}

// ValidProfileName reports whether name is a single local path element, so a
// profile can never resolve outside the profile root.
func ValidProfileName(name string) bool {
	return name != "" && name != "." && filepath.IsLocal(name) && !strings.ContainsAny(name, `/\`)
}

// StepType enumerates the fixed vocabulary of step kinds.
type StepType string

// Action step types.
const (
	StepNavigate   StepType = "navigate"
	StepClick      StepType = "click"
	StepFill       StepType = "fill"
	StepWait       StepType = "wait"
	StepExtract    StepType = "extract"
	StepPress      StepType = "press"
	StepScreenshot StepType = "screenshot"
	StepExecuteJS  StepType = "execute_js"
)

// Control-flow step types.
const (
	StepSequence StepType = "sequence"
	StepIf       StepType = "if"
	StepTry      StepType = "try"
	StepSwitch   StepType = "switch"
	StepGoto     StepType = "goto"
	StepSucceed  StepType = "succeed"
	StepFail     StepType = "fail"
)

// IsAction reports whether t is a browser primitive.
func (t StepType) IsAction() bool {
	switch t {
	case StepNavigate, StepClick, StepFill, StepWait, StepExtract, StepPress, StepScreenshot, StepExecuteJS:
		return true
	}
	return false
}

// StepDefinition describes a single step. Which fields apply depends on Type.
type StepDefinition struct {
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type StepType `json:"type" yaml:"type"`

	// Flow directives. At most one of End and Next may be set.
	End      bool   `json:"end,omitempty" yaml:"end,omitempty"`
	Next     string `json:"next,omitempty" yaml:"next,omitempty"`
	Continue bool   `json:"continue,omitempty" yaml:"continue,omitempty"` // deprecated no-op

	// Action parameters.
	URL             string               `json:"url,omitempty" yaml:"url,omitempty"`
	Selector        string               `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value           string               `json:"value,omitempty" yaml:"value,omitempty"`
	Keys            string               `json:"keys,omitempty" yaml:"keys,omitempty"`
	Script          string               `json:"script,omitempty" yaml:"script,omitempty"`
	Attribute       string               `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Duration        string               `json:"duration,omitempty" yaml:"duration,omitempty"`
	Path            string               `json:"path,omitempty" yaml:"path,omitempty"`
	FullPage        bool                 `json:"full_page,omitempty" yaml:"full_page,omitempty"`
	As              string               `json:"as,omitempty" yaml:"as,omitempty"`
	Transform       string               `json:"transform,omitempty" yaml:"transform,omitempty"` // jq applied to extracted data
	Timeout         string               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	EscalationChain []StrategyDefinition `json:"escalation_chain,omitempty" yaml:"escalation_chain,omitempty"`

	// sequence
	Steps []StepDefinition `json:"steps,omitempty" yaml:"steps,omitempty"`

	// if
	Condition *ConditionDefinition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Then      []StepDefinition     `json:"then,omitempty" yaml:"then,omitempty"`
	Else      []StepDefinition     `json:"else,omitempty" yaml:"else,omitempty"`

	// try
	Strategies            []StrategyDefinition `json:"strategies,omitempty" yaml:"strategies,omitempty"`
	OnAllStrategiesFailed *StepDefinition      `json:"on_all_strategies_failed,omitempty" yaml:"on_all_strategies_failed,omitempty"`

	// switch
	Cases   []SwitchCaseDefinition `json:"cases,omitempty" yaml:"cases,omitempty"`
	Default []StepDefinition       `json:"default,omitempty" yaml:"default,omitempty"`

	// goto
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// succeed / fail
	Message   string `json:"message,omitempty" yaml:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty" yaml:"error_code,omitempty"`
}

// SwitchCaseDefinition is one guarded branch of a switch step.
type SwitchCaseDefinition struct {
	When  *ConditionDefinition `json:"when" yaml:"when"`
	Steps []StepDefinition     `json:"steps" yaml:"steps"`
}

// StrategyDefinition is one candidate approach inside a try step or an
// action's escalation chain. Exactly one of Steps and Escalate is set.
type StrategyDefinition struct {
	Name     string               `json:"name,omitempty" yaml:"name,omitempty"`
	Steps    []StepDefinition     `json:"steps,omitempty" yaml:"steps,omitempty"`
	Escalate *EscalateDefinition  `json:"escalate,omitempty" yaml:"escalate,omitempty"`
	Verify   *ConditionDefinition `json:"verify,omitempty" yaml:"verify,omitempty"`
}

// EscalationMode selects which external delegate handles an escalate strategy.
type EscalationMode string

const (
	EscalateVision      EscalationMode = "vision"
	EscalateProgressive EscalationMode = "progressive"
	EscalateHuman       EscalationMode = "human"
)

// EscalateDefinition delegates a strategy to a vision model or a human.
type EscalateDefinition struct {
	Mode       EscalationMode `json:"mode" yaml:"mode"`
	Prompt     string         `json:"prompt" yaml:"prompt"`
	MaxActions int            `json:"max_actions,omitempty" yaml:"max_actions,omitempty"`
	Timeout    string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ConditionType enumerates predicate kinds.
type ConditionType string

const (
	CondElementExists  ConditionType = "element_exists"
	CondElementVisible ConditionType = "element_visible"
	CondElementText    ConditionType = "element_text"
	CondElementCount   ConditionType = "element_count"
	CondURLContains    ConditionType = "url_contains"
	CondURLMatches     ConditionType = "url_matches"
	CondURLEquals      ConditionType = "url_equals"
	CondJSEval         ConditionType = "js_eval"
	CondExpression     ConditionType = "expression"
	CondAnd            ConditionType = "and"
	CondOr             ConditionType = "or"
	CondNot            ConditionType = "not"
)

// ConditionDefinition is a boolean predicate over page state.
type ConditionDefinition struct {
	Type       ConditionType         `json:"type" yaml:"type"`
	Selector   string                `json:"selector,omitempty" yaml:"selector,omitempty"`
	Timeout    string                `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Contains   *string               `json:"contains,omitempty" yaml:"contains,omitempty"`
	Equals     *string               `json:"equals,omitempty" yaml:"equals,omitempty"`
	Min        *int                  `json:"min,omitempty" yaml:"min,omitempty"`
	Max        *int                  `json:"max,omitempty" yaml:"max,omitempty"`
	Value      string                `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string                `json:"expression,omitempty" yaml:"expression,omitempty"`
	Expected   any                   `json:"expected,omitempty" yaml:"expected,omitempty"`
	Lang       string                `json:"lang,omitempty" yaml:"lang,omitempty"` // cel | expr
	Conditions []ConditionDefinition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Condition  *ConditionDefinition  `json:"condition,omitempty" yaml:"condition,omitempty"`
}
