// Package procpool provides the bounded worker pools jobs execute on.
//
// A pool is a fixed set of worker goroutines draining a queue. For the
// thread pool the submitted run function is the job wrapper itself; for the
// process pool the run function spawns a worker subprocess and waits for it,
// so a pool slot corresponds to one live OS process. The queue holds
// admitted-but-not-started work; its length is the backlog the admission
// controller gates on.
package procpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"jobsched/internal/runtime/supervisor"
	logx "jobsched/pkg/logx"
)

var (
	ErrClosed    = errors.New("pool closed")
	ErrQueueFull = errors.New("pool queue full")
)

type Kind int

const (
	KindProcess Kind = iota
	KindThread
)

func (k Kind) String() string {
	if k == KindThread {
		return "thread"
	}
	return "process"
}

// JobMeta identifies a queued job for backlog reporting. Pending jobs have
// not started, so descriptor fields are all a report can show for them.
type JobMeta struct {
	JobID       string
	FuncName    string
	Category    string
	Source      string
	Step        string
	Description string
	EnqueuedAt  time.Time
}

type Config struct {
	Kind      Kind
	Workers   int
	QueueSize int
}

type item struct {
	meta JobMeta
	run  func(ctx context.Context, workerLabel string)
}

// Pool is replaced wholesale on recycle, never resized in place, so
// dispatch always observes a consistent handle.
type Pool struct {
	cfg Config
	log logx.Logger

	queue chan item
	sup   *supervisor.Supervisor

	mu      sync.Mutex
	pending map[string]JobMeta
	closed  bool
}

func New(cfg Config, log logx.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:     cfg,
		log:     log.With(logx.String("pool", cfg.Kind.String())),
		queue:   make(chan item, cfg.QueueSize),
		pending: map[string]JobMeta{},
	}
}

// Start launches the worker goroutines. A pool is started exactly once by
// its owner.
func (p *Pool) Start(ctx context.Context) {
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
	for i := 0; i < p.cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		p.sup.GoRestart(name, func(c context.Context) error {
			p.worker(c, idx)
			return nil
		})
	}
	p.log.Info("pool started", logx.Int("workers", p.cfg.Workers), logx.Int("queue", cap(p.queue)))
}

func (p *Pool) worker(ctx context.Context, idx int) {
	label := fmt.Sprintf("%s:%d", p.cfg.Kind.String(), idx)
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-p.queue:
			if !ok {
				return
			}
			p.mu.Lock()
			delete(p.pending, it.meta.JobID)
			p.mu.Unlock()
			p.runOne(ctx, it, label)
		}
	}
}

func (p *Pool) runOne(ctx context.Context, it item, label string) {
	// The wrapper owns result/error bookkeeping; the pool only guarantees the
	// worker slot survives a panicking body.
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic escaped job wrapper",
				logx.String("job_id", it.meta.JobID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	it.run(ctx, label)
}

// Submit enqueues run without blocking. The admission controller keeps the
// backlog below the configured maximum, so a full queue indicates a
// misconfigured queue size rather than expected load.
func (p *Pool) Submit(meta JobMeta, run func(ctx context.Context, workerLabel string)) error {
	if run == nil {
		return errors.New("pool: run is nil")
	}
	if meta.EnqueuedAt.IsZero() {
		meta.EnqueuedAt = time.Now()
	}

	// The non-blocking send happens under the lock so Shutdown cannot close
	// the queue between the closed check and the send.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	// Register before sending: the receiving worker deletes the entry under
	// the same lock, so the insert must already be visible.
	p.pending[meta.JobID] = meta
	select {
	case p.queue <- item{meta: meta, run: run}:
		return nil
	default:
		delete(p.pending, meta.JobID)
		return ErrQueueFull
	}
}

// Backlog returns the number of jobs queued but not yet picked up by a worker.
func (p *Pool) Backlog() int {
	p.mu.Lock()
	n := len(p.pending)
	p.mu.Unlock()
	return n
}

// Pending lists queued-not-started jobs, oldest first.
func (p *Pool) Pending() []JobMeta {
	p.mu.Lock()
	out := make([]JobMeta, 0, len(p.pending))
	for _, m := range p.pending {
		out = append(out, m)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

func (p *Pool) Workers() int { return p.cfg.Workers }
func (p *Pool) Kind() Kind   { return p.cfg.Kind }

// Shutdown closes intake, drains the queue, and waits for in-flight work.
// It may block for as long as the slowest straggler runs.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.mu.Unlock()

	close(p.queue)
	if p.sup == nil {
		return nil
	}
	if err := p.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	p.log.Info("pool shut down")
	return nil
}
