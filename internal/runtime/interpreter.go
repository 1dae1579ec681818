// Package runtime interprets compiled BPEL processes. Every activity kind is
// a template that runs as continuations on a jacob soup and talks to its
// parent, children and the host over typed channels.
package runtime

import (
	"context"
	"log/slog"
	"sort"

	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

// Interpreter runs one process instance. It is driven by the soup and, like
// the soup, must only be used by one goroutine at a time.
type Interpreter struct {
	rt     Context
	soup   *jacob.Soup
	proc   *schema.Process
	frames *FrameArena
	locks  map[*schema.Variable]*rwLock
	log    *slog.Logger
	ctx    context.Context
	root   *ActivityInfo
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithLogger sets the instance logger.
func WithLogger(l *slog.Logger) Option {
	return func(in *Interpreter) {
		if l != nil {
			in.log = l
		}
	}
}

// WithContext sets the context passed to expression engines and extensions.
func WithContext(ctx context.Context) Option {
	return func(in *Interpreter) {
		if ctx != nil {
			in.ctx = ctx
		}
	}
}

// New creates an interpreter for proc on soup.
func New(rt Context, soup *jacob.Soup, proc *schema.Process, opts ...Option) *Interpreter {
	in := &Interpreter{
		rt:     rt,
		soup:   soup,
		proc:   proc,
		frames: NewFrameArena(),
		locks:  make(map[*schema.Variable]*rwLock),
		log:    slog.Default(),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.log = in.log.With("instance_id", rt.InstanceID())
	return in
}

// Start creates the process scope and schedules it. The caller runs the soup.
func (in *Interpreter) Start() error {
	if in.root != nil {
		return schema.NewError(schema.ErrCodeConflict, "instance already started").WithInstance(in.rt.InstanceID())
	}
	scope := in.proc.Root.Scope()
	if scope == nil {
		return schema.NewError(schema.ErrCodeInvalidProcess, "process root is not a scope")
	}
	frame, err := in.newScopeFrame(noFrame, scope, nil, nil)
	if err != nil {
		return err
	}
	in.root = in.newActivityInfo(in.proc.Root, "process")
	in.soup.Instance(newScope(activity{in: in, self: in.root, frame: frame, links: NewLinkFrame(nil)}).run)
	in.awaitProcess()
	return nil
}

func (in *Interpreter) awaitProcess() {
	in.soup.Object(in.root.Parent.On(ParentHandlers{
		Completed: func(fault *FaultData, comps []*CompensationHandler) {
			// Nothing can compensate the process scope's children any more.
			forgetAll(comps)
			if fault != nil {
				in.log.Info("process completed with fault", "fault", fault.String())
				in.rt.CompletedFault(fault)
				return
			}
			in.log.Debug("process completed")
			in.rt.CompletedOK()
		},
		Cancelled: func() {
			in.rt.CompletedOK()
		},
		Failure: func(reason string, _ any) {
			in.rt.CompletedFault(&FaultData{Name: schema.FaultActivityFailure, Explanation: reason})
		},
		Compensate: func(_ *schema.Scope, ack SynchChan) {
			ack.Send(struct{}{})
			in.awaitProcess()
		},
	}))
}

// Terminate asks the whole activity tree to terminate.
func (in *Interpreter) Terminate() {
	if in.root == nil {
		return
	}
	in.root.Self.SendReplicated(struct{}{})
}

// Frames exposes the scope frames of the instance.
func (in *Interpreter) Frames() *FrameArena {
	return in.frames
}

func (in *Interpreter) newActivityInfo(o *schema.Activity, desc string) *ActivityInfo {
	return &ActivityInfo{
		ID:     in.rt.GenID(),
		O:      o,
		Self:   jacob.NewChan[struct{}](in.soup, desc+" self"),
		Parent: newParentChan(in.soup, desc+" parent"),
	}
}

// newScopeFrame creates a scope instance below parent and initializes its
// partner links.
func (in *Interpreter) newScopeFrame(parent FrameID, scope *schema.Scope, comps *CompensationSet, fault *FaultData) (FrameID, error) {
	var parentInst int64
	if parent != noFrame {
		parentInst = in.frames.Get(parent).Instance
	}
	inst, err := in.rt.CreateScopeInstance(parentInst, scope)
	if err != nil {
		return noFrame, err
	}
	if len(scope.PartnerLinks) > 0 {
		pls := make([]*schema.PartnerLink, 0, len(scope.PartnerLinks))
		for _, pl := range scope.PartnerLinks {
			pls = append(pls, pl)
		}
		sort.Slice(pls, func(i, j int) bool { return pls[i].Name < pls[j].Name })
		if err := in.rt.InitializePartnerLinks(inst, pls); err != nil {
			return noFrame, err
		}
	}
	return in.frames.New(scope, inst, parent, comps, fault), nil
}

var templates map[schema.ActivityKind]func(activity)

func init() {
	templates = map[schema.ActivityKind]func(activity){
		schema.KindEmpty:           runEmpty,
		schema.KindSequence:        runSequence,
		schema.KindFlow:            runFlow,
		schema.KindIf:              runIf,
		schema.KindSwitch:          runIf,
		schema.KindWhile:           runWhile,
		schema.KindRepeatUntil:     runRepeatUntil,
		schema.KindPick:            runPick,
		schema.KindReceive:         runPick,
		schema.KindScope:           runScopeActivity,
		schema.KindForEach:         runForEach,
		schema.KindInvoke:          runInvoke,
		schema.KindReply:           runReply,
		schema.KindAssign:          runAssign,
		schema.KindThrow:           runThrow,
		schema.KindRethrow:         runRethrow,
		schema.KindCompensate:      runCompensate,
		schema.KindCompensateScope: runCompensateScope,
		schema.KindWait:            runWait,
		schema.KindExit:            runExit,
		schema.KindExtension:       runExtension,
	}
}

func (in *Interpreter) runTemplate(a activity) {
	fn, ok := templates[a.self.O.Kind]
	if !ok {
		panic(invalidProcessf("no template for activity kind %q", a.self.O.Kind))
	}
	fn(a)
}
