package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status overlay.
func statusTag(s *StatusOverlay) string {
	if s == nil {
		return ""
	}
	var tag string
	switch s.Status {
	case "visited":
		tag = "[RUN]"
	case "succeeded":
		tag = "[OK]"
	case "failed":
		tag = "[FAIL]"
	default:
		return ""
	}
	if s.Visits > 1 {
		tag += fmt.Sprintf(" x%d", s.Visits)
	}
	if s.Winner != "" {
		tag += " won by " + s.Winner
	}
	return tag
}

// RenderASCII renders a Model as an indented outline in document order. Each
// node is followed by its outgoing transitions.
func RenderASCII(model *Model) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	out := make(map[string][]Edge, len(model.Nodes))
	for _, e := range model.Edges {
		out[e.From] = append(out[e.From], e)
	}
	groupStart := make(map[string]*Group, len(model.Groups))
	for _, g := range model.Groups {
		groupStart[g.ID] = g
	}

	seen := make(map[string]bool, len(model.Groups))
	for _, node := range model.Nodes {
		indent := strings.Repeat("  ", node.Depth)
		if g, ok := groupStart[node.Group]; ok && !seen[g.ID] {
			seen[g.ID] = true
			fmt.Fprintf(&b, "%s┌─ %s\n", strings.Repeat("  ", node.Depth-1), g.Label)
		}

		line := indent + nodeMarker(node) + " " + firstLine(node.Label)
		if tag := statusTag(node.Status); tag != "" {
			line += "  " + tag
		}
		b.WriteString(line + "\n")

		for _, e := range out[node.ID] {
			arrow := indent + "    ─→ " + e.To
			if e.Label != "" {
				arrow += " (" + e.Label + ")"
			}
			b.WriteString(arrow + "\n")
		}
	}

	return b.String()
}

func nodeMarker(n *Node) string {
	switch n.Kind {
	case NodeKindStart, NodeKindEnd, NodeKindFail:
		return "●"
	case NodeKindBranch:
		return "◆"
	case NodeKindTry:
		return "⬡"
	case NodeKindGoto:
		return "↪"
	default:
		return "□"
	}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
