// Package engine runs deployed processes: it creates instances, routes
// inbound messages to them, carries their partner calls and timers, and
// checkpoints their state after every stimulus.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/bpelrt/internal/metrics"
	"github.com/rendis/bpelrt/internal/partners"
	"github.com/rendis/bpelrt/internal/runtime"
	"github.com/rendis/bpelrt/internal/scheduler"
	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/internal/streaming"
	"github.com/rendis/bpelrt/pkg/schema"
)

const tracerName = "github.com/rendis/bpelrt/internal/engine"

// Engine hosts process instances.
type Engine struct {
	cfg        Config
	store      store.Store
	exprs      runtime.ExpressionRuntime
	partners   *partners.Registry
	timers     *scheduler.Timers
	ownTimers  bool
	pool       *WorkerPool
	fsm        *InstanceFSM
	router     *router
	metrics    *metrics.Metrics
	hub        streaming.EventHub
	tracer     trace.Tracer
	logger     *slog.Logger
	extensions map[string]runtime.ExtensionHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	deployments map[string]*deployment
	instances   map[int64]*Instance
	closed      bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records engine metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithHub publishes committed process events on h.
func WithHub(h streaming.EventHub) Option {
	return func(e *Engine) { e.hub = h }
}

// WithTimers shares a timer service with the engine. The caller starts and
// stops it.
func WithTimers(t *scheduler.Timers) Option {
	return func(e *Engine) { e.timers = t }
}

// WithExtension registers the handler of an extension activity or assign
// operation.
func WithExtension(name schema.QName, h runtime.ExtensionHandler) Option {
	return func(e *Engine) { e.extensions[name.String()] = h }
}

// WithTracerProvider sets the provider used for stimulus spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// New creates an engine. exprs also evaluates the correlation properties
// used to route inbound messages.
func New(cfg Config, st store.Store, exprs runtime.ExpressionRuntime, reg *partners.Registry, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		store:       st,
		exprs:       exprs,
		partners:    reg,
		fsm:         NewInstanceFSM(),
		router:      newRouter(exprs, cfg.MaxQueuedMessages),
		tracer:      otel.Tracer(tracerName),
		logger:      slog.Default(),
		extensions:  make(map[string]runtime.ExtensionHandler),
		ctx:         ctx,
		cancel:      cancel,
		deployments: make(map[string]*deployment),
		instances:   make(map[int64]*Instance),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.timers == nil {
		e.timers = scheduler.NewTimers(e.logger)
		e.timers.Start()
		e.ownTimers = true
	}
	e.pool = NewWorkerPool(cfg.Workers)
	reg.Breakers().OnTransition(func(key string, _, to partners.CircuitState) {
		e.metrics.CircuitTransition(key, to.String())
	})
	return e
}

// HasExtension reports whether an extension handler is registered under name.
func (e *Engine) HasExtension(name schema.QName) bool {
	_, ok := e.extensions[name.String()]
	return ok
}

// FSM exposes the instance lifecycle hooks.
func (e *Engine) FSM() *InstanceFSM {
	return e.fsm
}

// Deploy makes proc available for instantiation and registers its
// my-role endpoints with the partner registry, so other processes can
// invoke it in-process.
func (e *Engine) Deploy(ctx context.Context, proc *schema.Process, source []byte) error {
	dep, err := newDeployment(proc)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(source)
	if err := e.store.SaveDeployment(ctx, &store.Deployment{
		Process:    dep.key,
		Source:     source,
		Checksum:   hex.EncodeToString(sum[:]),
		DeployedAt: time.Now().UTC(),
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "save deployment").WithCause(err)
	}

	e.mu.Lock()
	e.deployments[dep.key] = dep
	e.deployments[proc.Name.String()] = dep
	e.mu.Unlock()

	for _, pl := range dep.links {
		if pl.HasMyRole() {
			e.partners.Register(dep.myService(pl), &loopback{e: e, process: dep.key, partnerLink: pl.Name})
		}
	}
	e.logger.Info("process deployed", "process", dep.key, "creates", dep.createOps())
	return nil
}

// Processes returns the names of the deployed processes.
func (e *Engine) Processes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, dep := range e.deployments {
		if !seen[dep.key] {
			seen[dep.key] = true
			out = append(out, dep.key)
		}
	}
	sort.Strings(out)
	return out
}

// Process returns a deployed process by name or qualified name.
func (e *Engine) Process(name string) (*schema.Process, error) {
	dep, err := e.deployment(name)
	if err != nil {
		return nil, err
	}
	return dep.proc, nil
}

func (e *Engine) deployment(name string) (*deployment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if dep, ok := e.deployments[name]; ok {
		return dep, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "process %q is not deployed", name)
}

func (e *Engine) instance(id int64) *Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instances[id]
}

func (e *Engine) forget(id int64) {
	e.mu.Lock()
	delete(e.instances, id)
	e.mu.Unlock()
}

// Start creates an instance of process. A non-nil input is delivered to the
// process's only instance-creating operation.
func (e *Engine) Start(ctx context.Context, process string, input schema.Message) (int64, error) {
	dep, err := e.deployment(process)
	if err != nil {
		return 0, err
	}
	var qm *queuedMessage
	if input != nil {
		ops := dep.createOps()
		if len(ops) != 1 {
			return 0, schema.NewErrorf(schema.ErrCodeValidation,
				"process %s has %d instance-creating operations; send the message to one of them", dep.key, len(ops)).
				WithDetails(map[string]any{"operations": ops})
		}
		d := &Delivery{Process: dep.key, PartnerLink: ops[0].partnerLink, Operation: ops[0].operation, Message: input}
		_, op, err := dep.operation(d.PartnerLink, d.Operation)
		if err != nil {
			return 0, err
		}
		qm = &queuedMessage{d: d, x: newExchange(uuid.NewString(), d, op.OneWay()), at: time.Now()}
	}
	in, err := e.spawn(ctx, dep, qm)
	if err != nil {
		return 0, err
	}
	return in.id, nil
}

func (e *Engine) spawn(ctx context.Context, dep *deployment, qm *queuedMessage) (*Instance, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrPoolShutdown
	}

	rec := &store.Instance{
		Process:   dep.key,
		Status:    schema.InstanceStatusNew,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateInstance(ctx, rec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create instance").WithCause(err)
	}
	in := newInstance(e, dep, rec)
	e.mu.Lock()
	e.instances[in.id] = in
	e.mu.Unlock()
	e.metrics.InstanceStarted(dep.key)
	in.log.Info("instance created")

	if err := e.submit(in, "start", func() error { return in.begin(qm) }); err != nil {
		e.forget(in.id)
		return nil, err
	}
	return in, nil
}

// submit queues a stimulus on the instance lane.
func (e *Engine) submit(in *Instance, stimulus string, fn func() error) error {
	return e.pool.SubmitKeyed(in.id, func(ctx context.Context) error {
		err := in.apply(ctx, stimulus, fn)
		if isEnded(err) {
			return nil
		}
		return err
	})
}

// applySync applies a stimulus and waits for its checkpoint.
func (e *Engine) applySync(ctx context.Context, in *Instance, stimulus string, fn func() error) error {
	errc := make(chan error, 1)
	if err := e.pool.SubmitKeyed(in.id, func(c context.Context) error {
		err := in.apply(c, stimulus, fn)
		errc <- err
		return err
	}); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver routes an inbound message. The returned exchange is answered by
// the reply of the receiving instance, or at once for one-way operations
// when a receive accepts the message.
func (e *Engine) Deliver(ctx context.Context, d Delivery) (*Exchange, error) {
	dep, err := e.deployment(d.Process)
	if err != nil {
		return nil, err
	}
	pl, op, err := dep.operation(d.PartnerLink, d.Operation)
	if err != nil {
		return nil, err
	}
	if !pl.HasMyRole() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "partner link %s has no role for the process", pl.Name)
	}
	d.Process = dep.key
	x := newExchange(uuid.NewString(), &d, op.OneWay())
	qm := &queuedMessage{d: &d, x: x, at: time.Now()}
	if err := e.route(ctx, dep, qm); err != nil {
		return nil, err
	}
	return x, nil
}

func (e *Engine) route(ctx context.Context, dep *deployment, qm *queuedMessage) error {
	d := qm.d
	if d.InstanceID != 0 && e.instance(d.InstanceID) == nil {
		e.metrics.MessageRouted(dep.key, metrics.RouteDropped)
		return schema.NewErrorf(schema.ErrCodeNotFound, "instance %d is not running", d.InstanceID).WithInstance(d.InstanceID)
	}
	create := d.InstanceID == 0 && dep.creates[opKey(d.PartnerLink, d.Operation)]
	entry, idx, queued, err := e.router.dispatch(ctx, dep.key, d, qm.x, create)
	switch {
	case err != nil:
		e.metrics.MessageRouted(dep.key, metrics.RouteDropped)
		return err
	case entry != nil:
		e.metrics.MessageRouted(dep.key, metrics.RouteMatched)
		in := entry.inst
		return e.pool.SubmitKeyed(in.id, func(c context.Context) error {
			err := in.apply(c, "message", func() error {
				in.deliver(entry, idx, qm)
				return nil
			})
			if isEnded(err) {
				e.reroute(qm)
				return nil
			}
			return err
		})
	case queued:
		e.metrics.MessageRouted(dep.key, metrics.RouteQueued)
		e.metrics.SetQueuedMessages(e.router.Queued())
		e.logger.Debug("message queued",
			"process", dep.key,
			"partner_link", d.PartnerLink,
			"operation", d.Operation,
		)
		return nil
	default:
		e.metrics.MessageRouted(dep.key, metrics.RouteCreated)
		_, err := e.spawn(ctx, dep, qm)
		return err
	}
}

// reroute routes a message whose select went away before it was delivered.
func (e *Engine) reroute(qm *queuedMessage) {
	dep, err := e.deployment(qm.d.Process)
	if err == nil {
		err = e.route(e.ctx, dep, qm)
	}
	if err != nil {
		e.logger.Warn("message dropped", "process", qm.d.Process, "operation", qm.d.Operation, "error", err)
		qm.x.fail(err)
	}
}

// StartFromCron delivers msg to an instance-creating operation without
// waiting for a reply.
func (e *Engine) StartFromCron(ctx context.Context, process, partnerLink, operation string, msg schema.Message) error {
	_, err := e.Deliver(ctx, Delivery{
		Process:     process,
		PartnerLink: partnerLink,
		Operation:   operation,
		Message:     msg,
	})
	return err
}

// Recover answers an activity awaiting recovery with retry, cancel or
// fault.
func (e *Engine) Recover(ctx context.Context, instanceID, activityID int64, action string) error {
	switch action {
	case runtime.RecoveryRetry, runtime.RecoveryCancel, runtime.RecoveryFault:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown recovery action %q", action)
	}
	in := e.instance(instanceID)
	if in == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "instance %d is not running", instanceID).WithInstance(instanceID)
	}
	var rejected error
	err := e.applySync(ctx, in, "recovery", func() error {
		rejected = in.recover(activityID, runtime.RecoveryAction{Action: action})
		return nil
	})
	if err != nil {
		return err
	}
	return rejected
}

// Terminate ends a running instance without running fault or compensation
// handlers.
func (e *Engine) Terminate(ctx context.Context, instanceID int64) error {
	in := e.instance(instanceID)
	if in == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "instance %d is not running", instanceID).WithInstance(instanceID)
	}
	return e.applySync(ctx, in, "terminate", func() error {
		in.Terminate()
		return nil
	})
}

// InstanceInfo describes an instance.
type InstanceInfo struct {
	ID          int64                    `json:"id"`
	Process     string                   `json:"process"`
	Status      schema.InstanceStatus    `json:"status"`
	Fault       json.RawMessage          `json:"fault,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
	Failures    []*store.ActivityFailure `json:"failures,omitempty"`
	Waiting     []string                 `json:"waiting,omitempty"`
}

// Instance returns the state of a running or finished instance.
func (e *Engine) Instance(ctx context.Context, id int64) (*InstanceInfo, error) {
	if in := e.instance(id); in != nil {
		return in.snapshot(), nil
	}
	rec, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	failures, err := e.store.ListActivityFailures(ctx, id)
	if err != nil {
		return nil, err
	}
	return &InstanceInfo{
		ID:          rec.ID,
		Process:     rec.Process,
		Status:      rec.Status,
		Fault:       rec.Fault,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
		Failures:    failures,
	}, nil
}

// Events returns the event log of an instance after sequence since.
func (e *Engine) Events(ctx context.Context, id, since int64) ([]*store.Event, error) {
	return e.store.GetEvents(ctx, id, since)
}

// Variables returns the stored variables of an instance.
func (e *Engine) Variables(ctx context.Context, id int64) ([]*store.VariableRecord, error) {
	return e.store.ListVariables(ctx, id)
}

// FindByCorrelation returns the instances of process holding key.
func (e *Engine) FindByCorrelation(ctx context.Context, process string, key schema.CorrelationKey) ([]int64, error) {
	dep, err := e.deployment(process)
	if err != nil {
		return nil, err
	}
	return e.store.FindByCorrelation(ctx, dep.key, key.String())
}

// Wait blocks until the instance reaches a terminal status.
func (e *Engine) Wait(ctx context.Context, id int64) (schema.InstanceStatus, error) {
	if in := e.instance(id); in != nil {
		select {
		case <-in.Done():
		case <-ctx.Done():
			return "", schema.NewError(schema.ErrCodeTimeout, "instance still running").WithInstance(id).WithCause(ctx.Err())
		}
	}
	rec, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// Stats reports the engine's live counters.
type Stats struct {
	Instances      int         `json:"instances"`
	QueuedMessages int         `json:"queued_messages"`
	PendingTimers  int         `json:"pending_timers"`
	Pool           PoolMetrics `json:"pool"`
}

// Stats returns the live counters of the engine.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	n := len(e.instances)
	e.mu.RUnlock()
	return Stats{
		Instances:      n,
		QueuedMessages: e.router.Queued(),
		PendingTimers:  e.timers.Pending(),
		Pool:           e.pool.Metrics(),
	}
}

// Close stops accepting work and waits for running stimuli. Instances that
// are still waiting stay in the store with their last checkpoint.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.pool.Shutdown()
		if e.ownTimers {
			e.timers.Stop()
		}
		close(done)
	}()
	defer e.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
