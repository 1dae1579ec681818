package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool is a bounded goroutine pool. Keyed work runs in submission
// order per key, so stimuli of one process instance never overtake each
// other while different instances proceed in parallel.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	lanes   map[int64]*lane
	ctx     context.Context
	cancel  context.CancelFunc
}

type lane struct {
	tasks []func(ctx context.Context) error
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		lanes:  make(map[int64]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit runs fn on the pool. It blocks if the pool is at capacity
// (backpressure) and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		p.run(ctx, fn)
	}()
	return nil
}

// SubmitKeyed queues fn behind earlier work with the same key and returns
// without blocking. Queued work still runs during Shutdown.
func (p *WorkerPool) SubmitKeyed(key int64, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	l, running := p.lanes[key]
	if !running {
		l = &lane{}
		p.lanes[key] = l
	}
	l.tasks = append(l.tasks, fn)
	if !running {
		go p.drain(key, l)
	}
	return nil
}

func (p *WorkerPool) drain(key int64, l *lane) {
	for {
		p.mu.Lock()
		if len(l.tasks) == 0 {
			delete(p.lanes, key)
			p.mu.Unlock()
			return
		}
		fn := l.tasks[0]
		l.tasks = l.tasks[1:]
		p.mu.Unlock()

		p.sem <- struct{}{}
		atomic.AddInt64(&p.metrics.Queued, -1)
		p.run(p.ctx, fn)
		<-p.sem
		p.wg.Done()
	}
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	atomic.AddInt64(&p.metrics.Active, 1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
		}
		atomic.AddInt64(&p.metrics.Active, -1)
	}()

	if err := fn(ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
	} else {
		atomic.AddInt64(&p.metrics.Completed, 1)
	}
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown gracefully stops the pool. It prevents new submissions, waits
// for all active and queued work to complete, then cancels the context
// handed to keyed work.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
