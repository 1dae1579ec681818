package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Format is an image format RenderImage can produce.
type Format = graphviz.Format

const (
	PNG = graphviz.PNG
	SVG = graphviz.SVG
)

// RenderImage lays the model out with graphviz dot and renders it as PNG or
// SVG. Branches and handlers become dashed clusters.
func RenderImage(ctx context.Context, model *DiagramModel, format Format) ([]byte, error) {
	if format != PNG && format != SVG {
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

	r := &dotRenderer{nodes: make(map[string]*cgraph.Node)}
	if err := r.addNodes(graph, model.Nodes); err != nil {
		return nil, err
	}
	r.addEdges(graph, model.Edges)

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

type dotRenderer struct {
	nodes    map[string]*cgraph.Node
	clusters int
}

func (r *dotRenderer) addNodes(g *cgraph.Graph, nodes []*Node) error {
	for _, node := range nodes {
		n, err := g.CreateNodeByName(node.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		n.SetLabel(node.Label)
		applyNodeStyle(n, node)
		r.nodes[node.ID] = n

		for _, sg := range node.Children {
			r.clusters++
			sub, err := g.CreateSubGraphByName(fmt.Sprintf("cluster_%d", r.clusters))
			if err != nil {
				return fmt.Errorf("diagram: create cluster for %s: %w", node.ID, err)
			}
			sub.SetLabel(sg.Label)
			sub.SetStyle(cgraph.DashedGraphStyle)
			if err := r.addNodes(sub, sg.Nodes); err != nil {
				return err
			}
			r.addEdges(g, sg.Edges)
			// Attach the cluster to its owner so dot keeps it below.
			if len(sg.Nodes) > 0 {
				if first := r.nodes[sg.Nodes[0].ID]; first != nil {
					if e, err := g.CreateEdgeByName("", n, first); err == nil {
						e.SetStyle(cgraph.DottedEdgeStyle)
					}
				}
			}
		}
	}
	return nil
}

func (r *dotRenderer) addEdges(g *cgraph.Graph, edges []Edge) {
	for _, edge := range edges {
		from, to := r.nodes[edge.From], r.nodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := g.CreateEdgeByName("", from, to)
		if err != nil {
			continue
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Dashed {
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}
}

// applyNodeStyle picks the shape from the node kind and the fill from its
// status.
func applyNodeStyle(n *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindDecision:
		n.SetShape(cgraph.DiamondShape)
	case NodeKindFault:
		n.SetShape(cgraph.HexagonShape)
	case NodeKindWait:
		n.SetShape(cgraph.EllipseShape)
	case NodeKindInbound:
		n.SetShape(cgraph.TabShape)
	case NodeKindOutbound:
		n.SetShape(cgraph.ComponentShape)
	case NodeKindScope:
		n.SetShape(cgraph.FolderShape)
	case NodeKindStart, NodeKindEnd:
		n.SetShape(cgraph.CircleShape)
		n.SetWidth(0.5)
		n.SetHeight(0.5)
	default:
		n.SetShape(cgraph.BoxShape)
	}

	if node.Status == nil {
		return
	}
	n.SetStyle(cgraph.FilledNodeStyle)
	n.SetFontColor("white")
	switch node.Status.Status {
	case "completed":
		n.SetFillColor("#2d6a2d")
	case "failed":
		n.SetFillColor("#8b1a1a")
	case "running":
		n.SetFillColor("#1a5276")
	case "pending":
		n.SetFillColor("#6b6b6b")
	case "skipped":
		n.SetFillColor("#e8e8e8")
		n.SetFontColor("#888888")
		n.SetStyle(cgraph.DashedNodeStyle)
	}
}
