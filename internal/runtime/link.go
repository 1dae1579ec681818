package runtime

import (
	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

// LinkInfo is the status channel of one link in one flow activation.
type LinkInfo struct {
	Link *schema.Link
	Ch   LinkStatusChan
	set  bool
}

// Publish sets the link status. Only the first call has an effect.
func (li *LinkInfo) Publish(status bool) bool {
	if li.set {
		return false
	}
	li.set = true
	li.Ch.Send(status)
	return true
}

// LinkFrame maps the links of one flow activation to their channels and
// chains to the frame of the enclosing flow.
type LinkFrame struct {
	parent *LinkFrame
	links  map[*schema.Link]*LinkInfo
}

// NewLinkFrame creates an empty frame below parent, which may be nil.
func NewLinkFrame(parent *LinkFrame) *LinkFrame {
	return &LinkFrame{parent: parent, links: make(map[*schema.Link]*LinkInfo)}
}

// Declare creates a fresh channel for l in this frame.
func (f *LinkFrame) Declare(s *jacob.Soup, l *schema.Link) *LinkInfo {
	li := &LinkInfo{Link: l, Ch: jacob.NewChan[bool](s, "link "+l.Name)}
	f.links[l] = li
	return li
}

// Resolve finds the channel of l in this frame or an enclosing one.
func (f *LinkFrame) Resolve(l *schema.Link) *LinkInfo {
	for cur := f; cur != nil; cur = cur.parent {
		if li, ok := cur.links[l]; ok {
			return li
		}
	}
	panic(invalidProcessf("link %q is not declared by an enclosing flow", l.Name))
}
