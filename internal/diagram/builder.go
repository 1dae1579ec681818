package diagram

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a compiled process and, optionally,
// the event log of one of its instances. Events overlay the status of the
// activities they mention.
func Build(proc *schema.Process, events []*store.Event) (*DiagramModel, error) {
	if proc == nil || proc.Root == nil {
		return nil, fmt.Errorf("diagram: process has no root scope")
	}

	b := &builder{status: overlays(events)}
	root := b.node(proc.Root)
	root.Label = proc.Name.Local

	start := &Node{ID: startID, Label: "Start", Kind: NodeKindStart}
	end := &Node{ID: endID, Label: "End", Kind: NodeKindEnd}
	return &DiagramModel{
		Title: proc.Name.String(),
		Nodes: []*Node{start, root, end},
		Edges: []Edge{
			{From: startID, To: root.ID},
			{From: root.ID, To: endID},
		},
	}, nil
}

type builder struct {
	status map[int]*StatusOverlay
}

// overlays folds the event log into one status per activity declaration.
func overlays(events []*store.Event) map[int]*StatusOverlay {
	out := make(map[int]*StatusOverlay)
	for _, e := range events {
		var ev schema.ProcessEvent
		if len(e.Payload) == 0 || json.Unmarshal(e.Payload, &ev) != nil || ev.ActivityID == 0 {
			continue
		}
		st, ok := out[ev.ActivityID]
		if !ok {
			st = &StatusOverlay{}
			out[ev.ActivityID] = st
		}
		switch e.Type {
		case schema.EventActivityEnabled:
			if st.Status == "" {
				st.Status = "pending"
			}
		case schema.EventActivityExecStart, schema.EventActivityRecovery:
			st.Status = "running"
			if e.Type == schema.EventActivityExecStart {
				st.Executions++
			}
		case schema.EventActivityExecEnd:
			st.Status = "completed"
		case schema.EventActivityDisabled:
			if st.Status == "" || st.Status == "pending" {
				st.Status = "skipped"
			}
		case schema.EventActivityFailure:
			st.Status = "failed"
			if reason, ok := ev.Details["reason"].(string); ok {
				st.Error = reason
			}
		}
	}
	return out
}

func nodeID(a *schema.Activity) string {
	return fmt.Sprintf("a%d", a.ID)
}

func (b *builder) node(a *schema.Activity) *Node {
	// Implicit scopes without handlers only wrap their activity.
	if sc, ok := a.Body.(*schema.Scope); ok && sc.Implicit && sc.Activity != nil &&
		sc.FaultHandler == nil && sc.EventHandler == nil && sc.CompensationHandler == nil {
		return b.node(sc.Activity)
	}

	n := &Node{
		ID:     nodeID(a),
		Label:  label(a),
		Kind:   kindOf(a),
		Status: b.status[a.ID],
	}

	switch body := a.Body.(type) {
	case *schema.Sequence:
		n.Children = append(n.Children, b.chain("sequence", body.Activities))
	case *schema.Flow:
		sg := b.group("flow", body.Activities...)
		for _, l := range body.Links {
			if l.Source == nil || l.Target == nil {
				continue
			}
			sg.Edges = append(sg.Edges, Edge{From: nodeID(l.Source), To: nodeID(l.Target), Label: l.Name, Dashed: true})
		}
		n.Children = append(n.Children, sg)
	case *schema.If:
		for i, br := range body.Branches {
			name := "else"
			if br.Condition != nil {
				name = "if " + br.Condition.Text
				if i > 0 {
					name = "elseif " + br.Condition.Text
				}
			}
			n.Children = append(n.Children, b.group(name, br.Activity))
		}
	case *schema.While:
		n.Children = append(n.Children, b.group("while "+body.Condition.Text, body.Activity))
	case *schema.RepeatUntil:
		n.Children = append(n.Children, b.group("until "+body.Condition.Text, body.Activity))
	case *schema.ForEach:
		n.Children = append(n.Children, b.group("each", body.InnerScope))
	case *schema.Pick:
		if a.Kind == schema.KindReceive {
			break
		}
		for _, om := range body.OnMessages {
			n.Children = append(n.Children, b.group("onMessage "+om.PartnerLink.Name+"."+om.Operation.Name, om.Activity))
		}
		for _, al := range body.OnAlarms {
			n.Children = append(n.Children, b.group("onAlarm "+alarmLabel(al), al.Activity))
		}
	case *schema.Scope:
		b.scope(n, body)
	}
	return n
}

// scope adds the scope body and its handlers.
func (b *builder) scope(n *Node, sc *schema.Scope) {
	n.Children = append(n.Children, b.group("body", sc.Activity))
	if sc.FaultHandler != nil {
		for _, c := range sc.FaultHandler.Catches {
			name := "catchAll"
			if !c.FaultName.IsZero() {
				name = "catch " + c.FaultName.Local
			}
			n.Children = append(n.Children, b.group(name, c.Activity))
		}
	}
	if sc.EventHandler != nil {
		for _, ev := range sc.EventHandler.OnEvents {
			n.Children = append(n.Children, b.group("onEvent "+ev.PartnerLink.Name+"."+ev.Operation.Name, ev.Activity))
		}
		for _, al := range sc.EventHandler.OnAlarms {
			n.Children = append(n.Children, b.group("onAlarm "+alarmLabel(al), al.Activity))
		}
	}
	if sc.CompensationHandler != nil {
		n.Children = append(n.Children, b.group("compensation", sc.CompensationHandler))
	}
}

// group builds a subgraph of independent activities. Nil activities are
// skipped.
func (b *builder) group(name string, acts ...*schema.Activity) *SubGraph {
	sg := &SubGraph{Label: name}
	for _, a := range acts {
		if a != nil {
			sg.Nodes = append(sg.Nodes, b.node(a))
		}
	}
	return sg
}

// chain builds a subgraph whose activities run one after another.
func (b *builder) chain(name string, acts []*schema.Activity) *SubGraph {
	sg := b.group(name, acts...)
	for i := 1; i < len(sg.Nodes); i++ {
		sg.Edges = append(sg.Edges, Edge{From: sg.Nodes[i-1].ID, To: sg.Nodes[i].ID})
	}
	return sg
}

func kindOf(a *schema.Activity) NodeKind {
	switch a.Kind {
	case schema.KindReceive, schema.KindPick:
		return NodeKindInbound
	case schema.KindReply, schema.KindInvoke:
		return NodeKindOutbound
	case schema.KindIf, schema.KindSwitch:
		return NodeKindDecision
	case schema.KindFlow:
		return NodeKindFlow
	case schema.KindWhile, schema.KindRepeatUntil, schema.KindForEach:
		return NodeKindLoop
	case schema.KindScope:
		return NodeKindScope
	case schema.KindWait:
		return NodeKindWait
	case schema.KindThrow, schema.KindRethrow, schema.KindExit:
		return NodeKindFault
	case schema.KindSequence:
		return NodeKindContainer
	default:
		return NodeKindActivity
	}
}

// label names an activity by kind, then name, then the operation it
// performs when it has one.
func label(a *schema.Activity) string {
	var parts []string
	parts = append(parts, string(a.Kind))
	if a.Name != "" {
		parts = append(parts, a.Name)
	}
	switch body := a.Body.(type) {
	case *schema.Invoke:
		parts = append(parts, body.PartnerLink.Name+"."+body.Operation.Name)
	case *schema.Reply:
		parts = append(parts, body.PartnerLink.Name+"."+body.Operation.Name)
	case *schema.Pick:
		if a.Kind == schema.KindReceive && len(body.OnMessages) == 1 {
			om := body.OnMessages[0]
			parts = append(parts, om.PartnerLink.Name+"."+om.Operation.Name)
		}
	case *schema.Throw:
		parts = append(parts, body.FaultName.Local)
	case *schema.Wait:
		parts = append(parts, waitLabel(body.For, body.Until))
	}
	return strings.Join(parts, " ")
}

func alarmLabel(al *schema.OnAlarm) string {
	s := waitLabel(al.For, al.Until)
	if al.RepeatEvery != nil {
		s = strings.TrimSpace(s + " every " + al.RepeatEvery.Text)
	}
	return s
}

func waitLabel(forExpr, until *schema.Expression) string {
	switch {
	case forExpr != nil:
		return "for " + forExpr.Text
	case until != nil:
		return "until " + until.Text
	}
	return ""
}
