package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	"jobsched/internal/jobs"
	"jobsched/internal/memwatch"
	"jobsched/internal/procpool"
	"jobsched/internal/recstore"
	logx "jobsched/pkg/logx"
)

// Manager owns the pools, the admission gate, and the in-memory job
// registry. One Manager per controller process.
type Manager struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store recstore.Store
	probe memwatch.Prober
	reg   *jobs.Registry
	spawn Spawner

	// ticket is the capacity-1 admission ticket. The holder owns the
	// admission-decision phase end to end.
	ticket chan struct{}

	mu         sync.Mutex
	active     map[string]JobDescriptor
	procPool   *procpool.Pool
	threadPool *procpool.Pool
	started    bool
	stopped    bool

	// runCtx is the context pools are started under; replacement pools
	// created by recycling reuse it.
	runCtx context.Context

	recycles        atomic.Uint64
	recycleDisabled atomic.Bool

	// breachRecycled marks that the current over-budget episode already
	// triggered a recycle. Touched only while holding the admission ticket.
	breachRecycled bool

	// waitLog throttles the periodic "still waiting" diagnostics so a stuck
	// admission does not flood the log.
	waitLog *rate.Limiter
}

type Option func(*Manager)

// WithSpawner overrides how process-pool jobs launch worker subprocesses.
func WithSpawner(sp Spawner) Option {
	return func(m *Manager) {
		if sp != nil {
			m.spawn = sp
		}
	}
}

func New(cfg Config, store recstore.Store, probe memwatch.Prober, reg *jobs.Registry, bus eventbus.Bus, log logx.Logger, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	m := &Manager{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   store,
		probe:   probe,
		reg:     reg,
		ticket:  make(chan struct{}, 1),
		active:  map[string]JobDescriptor{},
		waitLog: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
	m.spawn = NewExecSpawner(log)
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start reconciles the record store against the live process table and
// brings up both pools.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("sched: manager already started")
	}
	m.mu.Unlock()

	orphans, err := m.store.Reconcile(ctx, m.probe.PidExists)
	if err != nil {
		return fmt.Errorf("sched: reconcile worker records: %w", err)
	}
	for _, rec := range orphans {
		m.log.Warn("removed orphaned worker record",
			logx.String("job_id", rec.JobID),
			logx.String("func", rec.FuncName),
			logx.Int("owner_pid", rec.OwnerPID),
		)
	}

	pp := procpool.New(procpool.Config{
		Kind:      procpool.KindProcess,
		Workers:   m.cfg.ProcessWorkers,
		QueueSize: m.cfg.QueueSize,
	}, m.log)
	tp := procpool.New(procpool.Config{
		Kind:      procpool.KindThread,
		Workers:   m.cfg.ThreadWorkers,
		QueueSize: m.cfg.QueueSize,
	}, m.log)
	pp.Start(ctx)
	tp.Start(ctx)

	m.mu.Lock()
	m.runCtx = ctx
	m.procPool = pp
	m.threadPool = tp
	m.started = true
	m.mu.Unlock()

	m.log.Info("job manager started",
		logx.String("memory_ceiling", humanize.IBytes(m.cfg.MemoryCeiling)),
		logx.Int("process_workers", m.cfg.ProcessWorkers),
		logx.Int("thread_workers", m.cfg.ThreadWorkers),
		logx.Int("max_backlog", m.cfg.MaxBacklog),
	)
	return nil
}

// Stop refuses new submissions and drains both pools. Running jobs are
// never killed; Stop blocks until they finish or ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	m.stopped = true
	pp, tp := m.procPool, m.threadPool
	m.mu.Unlock()

	var errs []error
	if err := pp.Shutdown(ctx); err != nil && !errors.Is(err, procpool.ErrClosed) {
		errs = append(errs, fmt.Errorf("process pool: %w", err))
	}
	if err := tp.Shutdown(ctx); err != nil && !errors.Is(err, procpool.ErrClosed) {
		errs = append(errs, fmt.Errorf("thread pool: %w", err))
	}
	m.log.Info("job manager stopped")
	return errors.Join(errs...)
}

// Snapshot is a cheap diagnostic view. Memory usage is best-effort; a probe
// failure reads as zero.
func (m *Manager) Snapshot(ctx context.Context) Snapshot {
	m.mu.Lock()
	n := len(m.active)
	pp, tp := m.procPool, m.threadPool
	m.mu.Unlock()

	s := Snapshot{
		ActiveJobs:          n,
		MemoryCeiling:       m.cfg.MemoryCeiling,
		Recycles:            m.recycles.Load(),
		AutoRecycleDisabled: m.recycleDisabled.Load(),
	}
	if pp != nil {
		s.ProcessBacklog = pp.Backlog()
		s.ProcessWorkers = pp.Workers()
	}
	if tp != nil {
		s.ThreadBacklog = tp.Backlog()
		s.ThreadWorkers = tp.Workers()
	}
	if u, err := m.probe.Usage(ctx); err == nil {
		s.MemoryUsage = u
	}
	return s
}

func (m *Manager) pool(kind procpool.Kind) *procpool.Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == procpool.KindThread {
		return m.threadPool
	}
	return m.procPool
}

// tracked reports registry membership; the registry entry exists from
// admission until the job's completion bookkeeping ran.
func (m *Manager) tracked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// zeroActive reports whether the in-memory registry and the record store's
// active area jointly show no work.
func (m *Manager) zeroActive(ctx context.Context) (bool, error) {
	m.mu.Lock()
	n := len(m.active)
	m.mu.Unlock()
	if n > 0 {
		return false, nil
	}
	stored, err := m.store.CountActive(ctx)
	if err != nil {
		return false, fmt.Errorf("sched: count active records: %w", err)
	}
	return stored == 0, nil
}

func (m *Manager) acquireTicket(ctx context.Context) error {
	select {
	case m.ticket <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) releaseTicket() { <-m.ticket }
