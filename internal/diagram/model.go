package diagram

// NodeKind classifies a diagram node by the activity it stands for.
type NodeKind string

const (
	NodeKindActivity  NodeKind = "activity"
	NodeKindInbound   NodeKind = "inbound"  // receive, pick
	NodeKindOutbound  NodeKind = "outbound" // reply, invoke
	NodeKindDecision  NodeKind = "decision"
	NodeKindFlow      NodeKind = "flow"
	NodeKindLoop      NodeKind = "loop"
	NodeKindScope     NodeKind = "scope"
	NodeKindWait      NodeKind = "wait"
	NodeKindFault     NodeKind = "fault" // throw, rethrow, exit
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
	NodeKindContainer NodeKind = "container"
)

// DiagramModel is the intermediate representation handed to renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one activity. Structured activities carry their nested
// activities in Children, one SubGraph per branch or handler.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph
}

// SubGraph holds the activities of one branch, body or handler.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the runtime state of an activity, folded from the
// instance event log.
type StatusOverlay struct {
	Status     string
	Executions int
	Error      string
}

// Edge is either control flow inside a sequence or a flow link.
type Edge struct {
	From   string
	To     string
	Label  string
	Dashed bool
}
