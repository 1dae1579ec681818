package runtime

import (
	"github.com/rendis/bpelrt/pkg/schema"
)

// FrameID references a ScopeFrame in a FrameArena. The zero value means no
// frame.
type FrameID int

const noFrame FrameID = 0

// ScopeFrame is one activation of a lexical scope.
type ScopeFrame struct {
	ID       FrameID
	Scope    *schema.Scope
	Instance int64
	Parent   FrameID
	// Compensations holds the handlers a compensate activity inside this
	// frame may run. It is nil for ordinary scopes, which forward compensate
	// requests to their parent.
	Compensations *CompensationSet
	// Fault is the fault being handled, set on catch block frames.
	Fault *FaultData
}

// FrameArena owns the scope frames of one instance. Frames are never
// removed: compensation handlers may refer to them long after the scope
// completed.
type FrameArena struct {
	frames []*ScopeFrame
}

// NewFrameArena creates an empty arena.
func NewFrameArena() *FrameArena {
	return &FrameArena{frames: []*ScopeFrame{nil}}
}

// New adds a frame and returns its ID.
func (a *FrameArena) New(scope *schema.Scope, instance int64, parent FrameID, comps *CompensationSet, fault *FaultData) FrameID {
	id := FrameID(len(a.frames))
	a.frames = append(a.frames, &ScopeFrame{
		ID:            id,
		Scope:         scope,
		Instance:      instance,
		Parent:        parent,
		Compensations: comps,
		Fault:         fault,
	})
	return id
}

// Get returns the frame with the given ID.
func (a *FrameArena) Get(id FrameID) *ScopeFrame {
	if id <= noFrame || int(id) >= len(a.frames) {
		panic(invalidProcessf("unknown scope frame %d", id))
	}
	return a.frames[id]
}

// Len returns the number of frames created so far.
func (a *FrameArena) Len() int {
	return len(a.frames) - 1
}

// Find walks from id towards the root and returns the first frame of scope.
func (a *FrameArena) Find(id FrameID, scope *schema.Scope) *ScopeFrame {
	for cur := id; cur != noFrame; {
		f := a.Get(cur)
		if f.Scope == scope {
			return f
		}
		cur = f.Parent
	}
	return nil
}

// Fault returns the nearest fault in the chain, or nil.
func (a *FrameArena) Fault(id FrameID) *FaultData {
	for cur := id; cur != noFrame; {
		f := a.Get(cur)
		if f.Fault != nil {
			return f.Fault
		}
		cur = f.Parent
	}
	return nil
}

// Variable resolves a variable declaration against the frame chain.
func (a *FrameArena) Variable(id FrameID, v *schema.Variable) VariableInstance {
	f := a.Find(id, v.DeclaringScope)
	if f == nil {
		panic(invalidProcessf("variable %q is not visible from frame %d", v.Name, id))
	}
	return VariableInstance{ScopeInstance: f.Instance, Decl: v}
}

// CorrelationSet resolves a correlation set declaration.
func (a *FrameArena) CorrelationSet(id FrameID, cs *schema.CorrelationSet) CorrelationSetInstance {
	f := a.Find(id, cs.DeclaringScope)
	if f == nil {
		panic(invalidProcessf("correlation set %q is not visible from frame %d", cs.Name, id))
	}
	return CorrelationSetInstance{ScopeInstance: f.Instance, Decl: cs}
}

// PartnerLink resolves a partner link declaration.
func (a *FrameArena) PartnerLink(id FrameID, pl *schema.PartnerLink) PartnerLinkInstance {
	f := a.Find(id, pl.DeclaringScope)
	if f == nil {
		panic(invalidProcessf("partner link %q is not visible from frame %d", pl.Name, id))
	}
	return PartnerLinkInstance{ScopeInstance: f.Instance, Decl: pl}
}

// Visible returns the variables visible from the frame. Inner declarations
// hide outer ones with the same name.
func (a *FrameArena) Visible(id FrameID) []VariableInstance {
	seen := make(map[string]bool)
	var out []VariableInstance
	for cur := id; cur != noFrame; {
		f := a.Get(cur)
		for name, v := range f.Scope.Variables {
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, VariableInstance{ScopeInstance: f.Instance, Decl: v})
		}
		cur = f.Parent
	}
	return out
}

// fillEventInfo stamps scope information on an event.
func (a *FrameArena) fillEventInfo(id FrameID, ev *schema.ProcessEvent) {
	if id == noFrame {
		return
	}
	f := a.Get(id)
	ev.ScopeID = f.Scope.ID
	ev.ScopeName = f.Scope.Name
	ev.ScopeInstanceID = f.Instance
	if f.Parent != noFrame {
		ev.ParentScopeID = a.Get(f.Parent).Instance
	}
}
