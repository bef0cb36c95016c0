package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"jobsched/internal/procpool"
	logx "jobsched/pkg/logx"
)

// awaitAdmission blocks the submitting goroutine until the job may enter a
// pool, or ctx is canceled. The caller holds the admission ticket.
//
// Checks run in a fixed order, each with its own sleep-and-retry loop:
// global memory budget, per-job memory requirement, process-pool backlog,
// then caller predicates. Waiting is logged on step entry, not per retry.
func (m *Manager) awaitAdmission(ctx context.Context, d JobDescriptor, kind procpool.Kind) error {
	log := m.log.With(
		logx.String("func_step", d.Step),
		logx.String("category", d.Category),
	)

	if err := m.awaitMemoryBudget(ctx, log); err != nil {
		return err
	}
	if err := m.awaitHeadroom(ctx, d, log); err != nil {
		return err
	}
	if kind == procpool.KindProcess {
		if err := m.awaitBacklog(ctx, log); err != nil {
			return err
		}
	}
	return m.awaitPredicates(ctx, d, log)
}

// awaitMemoryBudget waits until the controller's aggregate usage is back
// under the ceiling. An over-budget episode with no active workers triggers
// one pool recycle; a recycle that fails or does not relieve the pressure
// disables auto-recycling for the manager's lifetime.
func (m *Manager) awaitMemoryBudget(ctx context.Context, log logx.Logger) error {
	waiting := false
	for {
		usage, err := m.probe.Usage(ctx)
		if err != nil {
			return fmt.Errorf("sched: memory probe: %w", err)
		}
		if usage <= m.cfg.MemoryCeiling {
			// Budget restored; the next over-budget episode is a new breach.
			m.breachRecycled = false
			return nil
		}

		if !waiting {
			waiting = true
			log.Info("admission waiting: memory over budget",
				logx.String("usage", humanize.IBytes(usage)),
				logx.String("ceiling", humanize.IBytes(m.cfg.MemoryCeiling)),
			)
		}

		if !m.breachRecycled && !m.recycleDisabled.Load() {
			zero, zerr := m.zeroActive(ctx)
			if zerr != nil {
				return zerr
			}
			if zero {
				m.breachRecycled = true
				if rerr := m.recycleLocked(ctx); rerr != nil {
					m.disableAutoRecycle(rerr)
				} else if after, uerr := m.probe.Usage(ctx); uerr == nil && after > m.cfg.MemoryCeiling {
					m.disableAutoRecycle(fmt.Errorf("usage still %s after recycle", humanize.IBytes(after)))
				}
				continue
			}
		}

		if err := m.admissionSleep(ctx, log, "memory"); err != nil {
			return err
		}
	}
}

// awaitHeadroom waits until the job's own requirement fits strictly within
// the remaining budget. A requirement no ceiling state can satisfy waits
// forever; it is warned about once so the stall is diagnosable.
func (m *Manager) awaitHeadroom(ctx context.Context, d JobDescriptor, log logx.Logger) error {
	if d.MemoryRequirement == 0 {
		return nil
	}
	waiting := false
	warned := false
	for {
		usage, err := m.probe.Usage(ctx)
		if err != nil {
			return fmt.Errorf("sched: memory probe: %w", err)
		}
		var headroom uint64
		if usage < m.cfg.MemoryCeiling {
			headroom = m.cfg.MemoryCeiling - usage
		}
		if d.MemoryRequirement < headroom {
			return nil
		}

		if d.MemoryRequirement >= m.cfg.MemoryCeiling && !warned {
			warned = true
			log.Warn("memory requirement exceeds the whole budget; job will wait indefinitely",
				logx.String("requirement", humanize.IBytes(d.MemoryRequirement)),
				logx.String("ceiling", humanize.IBytes(m.cfg.MemoryCeiling)),
			)
		}
		if !waiting {
			waiting = true
			log.Info("admission waiting: insufficient headroom",
				logx.String("requirement", humanize.IBytes(d.MemoryRequirement)),
				logx.String("headroom", humanize.IBytes(headroom)),
			)
		}
		if err := m.admissionSleep(ctx, log, "headroom"); err != nil {
			return err
		}
	}
}

func (m *Manager) awaitBacklog(ctx context.Context, log logx.Logger) error {
	waiting := false
	for {
		backlog := m.pool(procpool.KindProcess).Backlog()
		if backlog < m.cfg.MaxBacklog {
			return nil
		}
		if !waiting {
			waiting = true
			log.Info("admission waiting: process backlog full",
				logx.Int("backlog", backlog),
				logx.Int("max", m.cfg.MaxBacklog),
			)
		}
		if err := m.admissionSleep(ctx, log, "backlog"); err != nil {
			return err
		}
	}
}

// awaitPredicates evaluates the predicates in order; any failure sleeps and
// restarts the whole pass.
func (m *Manager) awaitPredicates(ctx context.Context, d JobDescriptor, log logx.Logger) error {
	if len(d.Predicates) == 0 {
		return nil
	}
	waiting := false
	for {
		pass := true
		for _, p := range d.Predicates {
			if p != nil && !p() {
				pass = false
				break
			}
		}
		if pass {
			return nil
		}
		if !waiting {
			waiting = true
			log.Info("admission waiting: predicate not satisfied")
		}
		if err := m.admissionSleep(ctx, log, "predicates"); err != nil {
			return err
		}
	}
}

func (m *Manager) admissionSleep(ctx context.Context, log logx.Logger, step string) error {
	if m.waitLog.Allow() {
		log.Debug("admission still waiting", logx.String("check", step))
	}
	t := time.NewTimer(m.cfg.RetryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) disableAutoRecycle(cause error) {
	if m.recycleDisabled.CompareAndSwap(false, true) {
		m.log.Warn("auto-recycle disabled for the rest of this run", logx.Err(cause))
	}
}
