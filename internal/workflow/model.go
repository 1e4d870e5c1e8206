// Package workflow compiles workflow documents into an immutable, name-indexed
// step tree that the flow controller walks.
package workflow

import (
	"time"

	"github.com/rendis/browserflow/pkg/schema"
)

// DefaultMaxVisits bounds how often a single step may be entered in one run.
const DefaultMaxVisits = 10

// Workflow is the compiled, immutable form of a workflow document.
type Workflow struct {
	Name      string
	Root      *Block
	Session   schema.SessionConfig
	Timeout   time.Duration
	MaxVisits int
	Warnings  []schema.ValidationIssue

	nodes []*Node
	index map[string]*Node
}

// Lookup returns the step with the given author name.
func (w *Workflow) Lookup(name string) (*Node, bool) {
	n, ok := w.index[name]
	return n, ok
}

// Nodes returns every flow node in document order.
func (w *Workflow) Nodes() []*Node {
	return w.nodes
}

// First returns the entry step, or nil for an empty workflow.
func (w *Workflow) First() *Node {
	if w.Root == nil || len(w.Root.Steps) == 0 {
		return nil
	}
	return w.Root.Steps[0]
}

// Block is an ordered list of steps. Every step array in the document
// (root, sequence body, branch, case, handler) becomes one Block.
type Block struct {
	Path  string
	Owner *Node // nil for the root block
	Steps []*Node
}

// Node is one step positioned in the tree.
type Node struct {
	Key   string // author name, or the path for unnamed steps
	Name  string
	Path  string
	Block *Block
	Index int

	End  bool
	Next string

	Step Step
}

// Following returns the next sibling in the containing block, or nil.
func (n *Node) Following() *Node {
	if n.Index+1 < len(n.Block.Steps) {
		return n.Block.Steps[n.Index+1]
	}
	return nil
}

// Step is the closed set of step kinds.
type Step interface {
	Kind() schema.StepType
	step()
}

// Action holds the parameters of one browser primitive.
type Action struct {
	Type      schema.StepType
	URL       string
	Selector  string
	Value     string
	Keys      string
	Script    string
	Attribute string
	Duration  time.Duration
	Path      string
	FullPage  bool
	As        string
	Transform string
	Timeout   time.Duration
}

// ActionStep is a browser primitive with an optional escalation chain that
// runs when the primary action fails.
type ActionStep struct {
	Action
	Chain []*Strategy
}

// SequenceStep groups nested steps.
type SequenceStep struct {
	Body *Block
}

// IfStep branches on a condition.
type IfStep struct {
	Condition Condition
	Then      *Block
	Else      *Block
}

// TryStep runs strategies in order until one wins. OnFailure holds the single
// on_all_strategies_failed step, or is nil.
type TryStep struct {
	Strategies []*Strategy
	OnFailure  *Block
}

// SwitchCase is one guarded branch.
type SwitchCase struct {
	When Condition
	Body *Block
}

// SwitchStep runs the first case whose condition holds.
type SwitchStep struct {
	Cases   []SwitchCase
	Default *Block // nil when absent
}

// GotoStep jumps to a named step anywhere in the workflow.
type GotoStep struct {
	Target string
}

// SucceedStep terminates the run successfully.
type SucceedStep struct {
	Message string
}

// FailStep terminates the run with a failure.
type FailStep struct {
	Message   string
	ErrorCode string
}

func (s *ActionStep) Kind() schema.StepType { return s.Type }
func (*SequenceStep) Kind() schema.StepType { return schema.StepSequence }
func (*IfStep) Kind() schema.StepType       { return schema.StepIf }
func (*TryStep) Kind() schema.StepType      { return schema.StepTry }
func (*SwitchStep) Kind() schema.StepType   { return schema.StepSwitch }
func (*GotoStep) Kind() schema.StepType     { return schema.StepGoto }
func (*SucceedStep) Kind() schema.StepType  { return schema.StepSucceed }
func (*FailStep) Kind() schema.StepType     { return schema.StepFail }

func (*ActionStep) step()   {}
func (*SequenceStep) step() {}
func (*IfStep) step()       {}
func (*TryStep) step()      {}
func (*SwitchStep) step()   {}
func (*GotoStep) step()     {}
func (*SucceedStep) step()  {}
func (*FailStep) step()     {}

// Strategy is one candidate inside a try step or an escalation chain.
// Exactly one of Actions and Escalate is set.
type Strategy struct {
	Name     string
	Actions  []Action
	Escalate *Escalation
	Verify   Condition // nil when absent
}

// Escalation delegates a strategy to an external resolver.
type Escalation struct {
	Mode       schema.EscalationMode
	Prompt     string
	MaxActions int
	Timeout    time.Duration
}
