package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart string. Nested blocks
// become nested subgraphs.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	writeMermaidGroup(&b, model, "", "    ")

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef visited fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef won fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")

	for _, node := range model.Nodes {
		if cls := mermaidStatusClass(node.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// writeMermaidGroup writes the nodes of one group, then its child groups.
func writeMermaidGroup(b *strings.Builder, model *Model, group, indent string) {
	for _, node := range model.Nodes {
		if node.Group == group {
			fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(node))
		}
	}
	for _, g := range model.Groups {
		if g.Parent != group {
			continue
		}
		fmt.Fprintf(b, "%ssubgraph %s[%q]\n", indent, mermaidSafeID("grp_"+g.ID), g.Label)
		writeMermaidGroup(b, model, g.ID, indent+"    ")
		fmt.Fprintf(b, "%send\n", indent)
	}
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindBranch:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindTry:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindSequence:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindGoto:
		return fmt.Sprintf("%s>%q]", id, label)
	case NodeKindStart, NodeKindEnd, NodeKindFail:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_", "[", "_", "]", "")

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

func mermaidStatusClass(s *StatusOverlay) string {
	if s == nil {
		return ""
	}
	switch {
	case s.Status == "failed", s.Status == "succeeded":
		return s.Status
	case s.Winner != "":
		return "won"
	case s.Status == "visited":
		return "visited"
	default:
		return ""
	}
}
