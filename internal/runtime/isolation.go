package runtime

import (
	"sort"

	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

// rwLock serializes isolated scopes over one shared variable. Waiters are
// granted in arrival order; consecutive readers share the lock.
type rwLock struct {
	readers int
	writer  bool
	queue   []lockWaiter
}

type lockWaiter struct {
	write   bool
	granted SynchChan
}

func (l *rwLock) available(write bool) bool {
	if write {
		return !l.writer && l.readers == 0
	}
	return !l.writer
}

func (l *rwLock) take(write bool) {
	if write {
		l.writer = true
		return
	}
	l.readers++
}

// acquire takes the lock at once and returns true, or queues granted to be
// signalled when the lock becomes available.
func (l *rwLock) acquire(write bool, granted SynchChan) bool {
	if len(l.queue) == 0 && l.available(write) {
		l.take(write)
		return true
	}
	l.queue = append(l.queue, lockWaiter{write: write, granted: granted})
	return false
}

// cancel removes a queued waiter. It reports false when the waiter was
// already granted the lock.
func (l *rwLock) cancel(granted SynchChan) bool {
	for i, w := range l.queue {
		if w.granted == granted {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (l *rwLock) release(write bool) {
	if write {
		l.writer = false
	} else if l.readers > 0 {
		l.readers--
	}
	for len(l.queue) > 0 && l.available(l.queue[0].write) {
		w := l.queue[0]
		l.queue = l.queue[1:]
		l.take(w.write)
		w.granted.Send(struct{}{})
	}
}

func (in *Interpreter) lockFor(v *schema.Variable) *rwLock {
	l, ok := in.locks[v]
	if !ok {
		l = &rwLock{}
		in.locks[v] = l
	}
	return l
}

type lockRequest struct {
	v     *schema.Variable
	write bool
}

// lockPlan lists the shared variables an isolated scope touches in a fixed
// global order, so that two scopes never wait on each other.
func lockPlan(decl *schema.Scope) []lockRequest {
	written := make(map[*schema.Variable]bool, len(decl.VariableWrites))
	var plan []lockRequest
	for _, v := range decl.VariableWrites {
		if !written[v] {
			written[v] = true
			plan = append(plan, lockRequest{v: v, write: true})
		}
	}
	seen := make(map[*schema.Variable]bool)
	for _, v := range decl.VariableReads {
		if !written[v] && !seen[v] {
			seen[v] = true
			plan = append(plan, lockRequest{v: v})
		}
	}
	sort.Slice(plan, func(i, j int) bool {
		a, b := plan[i].v, plan[j].v
		ai, bi := scopeID(a.DeclaringScope), scopeID(b.DeclaringScope)
		if ai != bi {
			return ai < bi
		}
		return a.Name < b.Name
	})
	return plan
}

func scopeID(s *schema.Scope) int {
	if s == nil {
		return -1
	}
	return s.ID
}

// scopeActivity is a scope nested in the activity tree: it creates the
// frame, takes the isolation locks and holds back outgoing links until the
// locks are released.
type scopeActivity struct {
	activity
	decl   *schema.Scope
	held   []lockRequest
	status map[*schema.Link]bool
}

func runScopeActivity(a activity) {
	s := &scopeActivity{activity: a, decl: a.o().Scope()}
	if s.decl == nil {
		panic(invalidProcessf("%s has no scope", a.o()))
	}
	if !s.decl.Isolated {
		s.enter()
		return
	}
	s.acquire(lockPlan(s.decl))
}

func (s *scopeActivity) acquire(plan []lockRequest) {
	for len(plan) > 0 {
		req := plan[0]
		lock := s.in.lockFor(req.v)
		granted := jacob.NewChan[struct{}](s.soup(), "lock "+req.v.Name)
		if !lock.acquire(req.write, granted) {
			rest := plan[1:]
			s.soup().Object(
				granted.On(func(struct{}) {
					s.held = append(s.held, req)
					s.acquire(rest)
				}),
				s.self.Self.On(func(struct{}) {
					if !lock.cancel(granted) {
						lock.release(req.write)
					}
					s.releaseLocks()
					s.self.Parent.Cancelled()
				}),
			)
			return
		}
		s.held = append(s.held, req)
		plan = plan[1:]
	}
	s.enter()
}

func (s *scopeActivity) releaseLocks() {
	for i := len(s.held) - 1; i >= 0; i-- {
		s.in.lockFor(s.held[i].v).release(s.held[i].write)
	}
	s.held = nil
}

func (s *scopeActivity) enter() {
	frame, err := s.in.newScopeFrame(s.frame, s.decl, nil, nil)
	if err != nil {
		s.releaseLocks()
		s.finish(err)
		return
	}
	if !s.decl.Isolated {
		s.soup().Instance(newScope(activity{in: s.in, self: s.self, frame: frame, links: s.links}).run)
		return
	}

	// Outgoing links are buffered so that successors only run once the
	// variables are unlocked.
	links := NewLinkFrame(s.links)
	s.status = make(map[*schema.Link]bool, len(s.o().Outgoing))
	for _, l := range s.o().Outgoing {
		link := l
		li := links.Declare(s.soup(), link)
		s.soup().Object(li.Ch.On(func(v bool) {
			s.status[link] = v
		}))
	}
	inner := &ActivityInfo{
		ID:     s.self.ID,
		O:      s.o(),
		Self:   s.self.Self,
		Parent: newParentChan(s.soup(), "unlock "+s.o().String()),
	}
	s.soup().Instance(newScope(activity{in: s.in, self: inner, frame: frame, links: links}).run)
	s.unlocker(inner)
}

func (s *scopeActivity) unlocker(inner *ActivityInfo) {
	s.soup().Object(inner.Parent.On(ParentHandlers{
		Completed: func(fault *FaultData, comps []*CompensationHandler) {
			s.leave(fault == nil)
			s.self.Parent.Completed(fault, comps)
		},
		Cancelled: func() {
			s.leave(false)
			s.self.Parent.Cancelled()
		},
		Failure: func(reason string, data any) {
			s.leave(false)
			s.self.Parent.Failure(reason, data)
		},
		Compensate: func(scope *schema.Scope, ack SynchChan) {
			s.self.Parent.Compensate(scope, ack)
			s.unlocker(inner)
		},
	}))
}

func (s *scopeActivity) leave(ok bool) {
	s.releaseLocks()
	for _, l := range s.o().Outgoing {
		s.links.Resolve(l).Publish(ok && s.status[l])
	}
}
