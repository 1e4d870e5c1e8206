package diagram

import (
	"fmt"

	"github.com/rendis/browserflow/internal/store"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

// Build constructs a Model from a compiled workflow. Edges follow the
// controller's resolution rules: end, then next, then the following sibling,
// with an exhausted block handing over to its owner. When run is non-nil its
// trace, winners and terminal state are overlaid on the nodes.
func Build(wf *workflow.Workflow, run *store.RunSummary) *Model {
	b := &builder{wf: wf, m: &Model{Title: wf.Name}}
	if b.m.Title == "" {
		b.m.Title = "Workflow"
	}

	b.m.Nodes = append(b.m.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	if first := wf.First(); first != nil {
		b.edge(StartID, first.Key, "")
	} else {
		b.edge(StartID, EndID, "")
	}
	if wf.Root != nil {
		b.block(wf.Root, "", 0)
	}
	b.m.Nodes = append(b.m.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})
	if b.failing || (run != nil && run.Status == schema.RunFailed) {
		b.m.Nodes = append(b.m.Nodes, &Node{ID: FailID, Label: "Failed", Kind: NodeKindFail})
	}

	if run != nil {
		overlay(b.m, run)
	}
	return b.m
}

type builder struct {
	wf      *workflow.Workflow
	m       *Model
	failing bool // some edge leads to FailID
}

func (b *builder) edge(from, to, label string) {
	if to == FailID {
		b.failing = true
	}
	b.m.Edges = append(b.m.Edges, Edge{From: from, To: to, Label: label})
}

func (b *builder) block(blk *workflow.Block, group string, depth int) {
	for _, n := range blk.Steps {
		b.m.Nodes = append(b.m.Nodes, &Node{
			ID:    n.Key,
			Label: nodeLabel(n),
			Kind:  stepKind(n.Step),
			Group: group,
			Depth: depth,
		})
		b.step(n, depth)
	}
}

func (b *builder) step(n *workflow.Node, depth int) {
	switch s := n.Step.(type) {
	case *workflow.ActionStep:
		b.edge(n.Key, b.after(n), "")
	case *workflow.SequenceStep:
		b.enter(n, s.Body, "", "body", depth)
	case *workflow.IfStep:
		b.enter(n, s.Then, "then", "then", depth)
		b.enter(n, s.Else, "else", "else", depth)
	case *workflow.SwitchStep:
		for i, c := range s.Cases {
			label := fmt.Sprintf("case %d", i)
			b.enter(n, c.Body, label, label, depth)
		}
		b.enter(n, s.Default, "default", "default", depth)
	case *workflow.TryStep:
		b.edge(n.Key, b.after(n), "won")
		if s.OnFailure != nil {
			b.enter(n, s.OnFailure, "all failed", "on failure", depth)
		} else {
			b.edge(n.Key, FailID, "all failed")
		}
	case *workflow.GotoStep:
		b.edge(n.Key, b.target(s.Target), "goto")
	case *workflow.SucceedStep:
		b.edge(n.Key, EndID, "")
	case *workflow.FailStep:
		b.edge(n.Key, FailID, "")
	}
}

// enter draws the edge into a child block and lays the block out as a group.
// A missing or empty block falls through to what follows the owner.
func (b *builder) enter(owner *workflow.Node, blk *workflow.Block, edgeLabel, role string, depth int) {
	if blk == nil || len(blk.Steps) == 0 {
		b.edge(owner.Key, b.after(owner), edgeLabel)
		return
	}
	b.edge(owner.Key, blk.Steps[0].Key, edgeLabel)

	parent := ""
	if owner.Block != nil && owner.Block.Owner != nil {
		parent = owner.Block.Path
	}
	b.m.Groups = append(b.m.Groups, &Group{ID: blk.Path, Label: owner.Key + ": " + role, Parent: parent})
	b.block(blk, blk.Path, depth+1)
}

// after resolves the node that follows a completed n.
func (b *builder) after(n *workflow.Node) string {
	for x := n; x != nil; x = x.Block.Owner {
		if x.End {
			return EndID
		}
		if x.Next != "" {
			return b.target(x.Next)
		}
		if f := x.Following(); f != nil {
			return f.Key
		}
	}
	return EndID
}

func (b *builder) target(name string) string {
	if t, ok := b.wf.Lookup(name); ok {
		return t.Key
	}
	return FailID
}

func stepKind(s workflow.Step) NodeKind {
	switch s.(type) {
	case *workflow.IfStep, *workflow.SwitchStep:
		return NodeKindBranch
	case *workflow.TryStep:
		return NodeKindTry
	case *workflow.SequenceStep:
		return NodeKindSequence
	case *workflow.GotoStep:
		return NodeKindGoto
	case *workflow.SucceedStep:
		return NodeKindEnd
	case *workflow.FailStep:
		return NodeKindFail
	default:
		return NodeKindAction
	}
}

// nodeLabel is "name (kind)" or just the kind for unnamed steps, followed by
// a detail line.
func nodeLabel(n *workflow.Node) string {
	kind := string(n.Step.Kind())
	label := kind
	if n.Name != "" {
		label = n.Name + " (" + kind + ")"
	}

	var detail string
	switch s := n.Step.(type) {
	case *workflow.ActionStep:
		detail = s.URL
		if detail == "" {
			detail = s.Selector
		}
		if len(s.Chain) > 0 {
			detail += fmt.Sprintf(" +%d fallback", len(s.Chain))
		}
	case *workflow.TryStep:
		detail = fmt.Sprintf("%d strategies", len(s.Strategies))
	case *workflow.GotoStep:
		detail = s.Target
	case *workflow.SucceedStep:
		detail = s.Message
	case *workflow.FailStep:
		detail = s.Message
	}
	if detail != "" {
		label += "\n" + detail
	}
	return label
}

// overlay marks visited nodes, strategy winners and the terminal state.
func overlay(m *Model, run *store.RunSummary) {
	visits := make(map[string]int, len(run.Trace))
	for _, key := range run.Trace {
		visits[key]++
	}
	for _, n := range m.Nodes {
		if v := visits[n.ID]; v > 0 {
			n.Status = &StatusOverlay{Status: "visited", Visits: v, Winner: run.Winners[n.ID]}
		}
	}

	var terminal string
	switch run.Status {
	case schema.RunSucceeded:
		terminal = EndID
	case schema.RunFailed:
		terminal = FailID
		if last := m.Node(run.LastStep); last != nil && last.Status != nil {
			last.Status.Status = "failed"
		}
	default:
		return
	}
	if n := m.Node(terminal); n != nil {
		n.Status = &StatusOverlay{Status: string(run.Status), Visits: 1}
	}
}
