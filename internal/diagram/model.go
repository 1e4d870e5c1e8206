// Package diagram renders the control flow of a compiled workflow as Mermaid,
// ASCII or a PNG image, optionally overlaid with what one run visited.
package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindAction   NodeKind = "action"
	NodeKindBranch   NodeKind = "branch" // if, switch
	NodeKindTry      NodeKind = "try"
	NodeKindSequence NodeKind = "sequence"
	NodeKindGoto     NodeKind = "goto"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
	NodeKindFail     NodeKind = "fail"
)

// Virtual node IDs.
const (
	StartID = "__start__"
	EndID   = "__end__"
	FailID  = "__fail__"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node // document order, virtual nodes first and last
	Edges  []Edge
	Groups []*Group // one per nested block, document order
}

// Node is one step, or a virtual start or terminal node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Group  string // containing Group ID, empty for the root block
	Depth  int
	Status *StatusOverlay
}

// Group is a nested block: a sequence body, a branch, a case or a handler.
type Group struct {
	ID     string
	Label  string
	Parent string // empty for groups directly under the root block
}

// StatusOverlay is what a run did at a node.
type StatusOverlay struct {
	Status string // "visited", "succeeded" or "failed"
	Visits int
	Winner string // strategy that completed the step, if not the primary action
}

// Edge is a possible transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with id, or nil.
func (m *Model) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
