package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Image formats accepted by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

// RenderImage lays the model out with graphviz dot and renders it as PNG or
// SVG. Nested blocks become dashed clusters.
func RenderImage(ctx context.Context, model *Model, format string) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	clusters := map[string]*cgraph.Graph{"": graph}
	for _, g := range model.Groups {
		parent, ok := clusters[g.Parent]
		if !ok {
			parent = graph
		}
		sub, err := parent.CreateSubGraphByName("cluster_" + g.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create cluster %s: %w", g.ID, err)
		}
		sub.SetLabel(g.Label)
		sub.SetStyle(cgraph.DashedGraphStyle)
		clusters[g.ID] = sub
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		owner, ok := clusters[node.Group]
		if !ok {
			owner = graph
		}
		gvNode, err := owner.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindAction, NodeKindSequence:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindBranch:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindTry:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindGoto:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindStart, NodeKindEnd, NodeKindFail:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	switch cls := mermaidStatusClass(node.Status); cls {
	case "visited":
		setFill(gvNode, "#1a5276", "white")
	case "won":
		setFill(gvNode, "#b7791a", "white")
	case "succeeded":
		setFill(gvNode, "#2d6a2d", "white")
	case "failed":
		setFill(gvNode, "#8b1a1a", "white")
	}
}

func setFill(gvNode *cgraph.Node, fill, font string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	gvNode.SetFillColor(fill)
	gvNode.SetFontColor(font)
}
