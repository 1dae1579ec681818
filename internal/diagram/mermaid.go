package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		writeNode(&b, node, 1)
	}
	for _, edge := range model.Edges {
		writeEdge(&b, edge, 1)
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		writeClasses(&b, node)
	}
	return b.String()
}

func writeNode(b *strings.Builder, node *Node, depth int) {
	indent := strings.Repeat("    ", depth)
	fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(node))
	for i, sg := range node.Children {
		fmt.Fprintf(b, "%ssubgraph %s_%d[%q]\n", indent, mermaidSafeID(node.ID), i, sg.Label)
		for _, child := range sg.Nodes {
			writeNode(b, child, depth+1)
		}
		for _, edge := range sg.Edges {
			writeEdge(b, edge, depth+1)
		}
		fmt.Fprintf(b, "%send\n", indent)
	}
}

func writeEdge(b *strings.Builder, edge Edge, depth int) {
	arrow := "-->"
	if edge.Dashed {
		arrow = "-.->"
	}
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", edge.Label)
	}
	fmt.Fprintf(b, "%s%s %s%s %s\n", strings.Repeat("    ", depth),
		mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
}

func writeClasses(b *strings.Builder, node *Node) {
	if node.Status != nil {
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}
	for _, sg := range node.Children {
		for _, child := range sg.Nodes {
			writeClasses(b, child)
		}
	}
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(node.Label)

	switch node.Kind {
	case NodeKindDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindFault:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindFlow, NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindScope:
		return fmt.Sprintf("%s[(%q)]", id, label)
	case NodeKindInbound:
		return fmt.Sprintf("%s>%q]", id, label)
	case NodeKindOutbound:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel keeps quotes from ending the label early.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "pending", "skipped":
		return status
	default:
		return ""
	}
}
