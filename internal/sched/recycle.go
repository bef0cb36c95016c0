package sched

import (
	"context"
	"fmt"

	"jobsched/internal/eventbus"
	"jobsched/internal/procpool"
	logx "jobsched/pkg/logx"
)

// Recycle drains the process pool and replaces it with a fresh one of the
// same capacity, reclaiming memory held by long-lived worker slots. It is
// legal only while the in-memory registry and the record store's active
// area jointly show zero jobs; otherwise ErrWorkersActive.
func (m *Manager) Recycle(ctx context.Context) error {
	if err := m.acquireTicket(ctx); err != nil {
		return err
	}
	defer m.releaseTicket()
	return m.recycleLocked(ctx)
}

// recycleLocked does the swap. The caller holds the admission ticket, so no
// submission can race the zero-active observation.
func (m *Manager) recycleLocked(ctx context.Context) error {
	zero, err := m.zeroActive(ctx)
	if err != nil {
		return err
	}
	if !zero {
		return ErrWorkersActive
	}

	m.mu.Lock()
	old := m.procPool
	runCtx := m.runCtx
	m.mu.Unlock()
	if old == nil {
		return ErrStopped
	}

	// Draining the old pool can block on stragglers, so the shutdown runs as
	// a thread-pool job of its own. It skips admission: the gate may be the
	// one asking for the recycle.
	fut, err := m.SubmitToThread(ctx, JobDescriptor{
		Category:      "system",
		Step:          "pool-recycle",
		Description:   "drain and replace the process pool",
		SkipAdmission: true,
	}, "pool_shutdown", func(c context.Context) (any, error) {
		return nil, old.Shutdown(c)
	})
	if err != nil {
		return fmt.Errorf("sched: submit pool shutdown: %w", err)
	}
	if _, err := fut.Wait(ctx); err != nil {
		return fmt.Errorf("sched: drain old process pool: %w", err)
	}

	fresh := procpool.New(procpool.Config{
		Kind:      procpool.KindProcess,
		Workers:   old.Workers(),
		QueueSize: m.cfg.QueueSize,
	}, m.log)
	fresh.Start(runCtx)

	m.mu.Lock()
	m.procPool = fresh
	m.mu.Unlock()

	n := m.recycles.Add(1)
	m.bus.Publish(eventbus.Event{Type: eventbus.TypePoolRecycled, Data: map[string]any{
		"workers":  fresh.Workers(),
		"recycles": n,
	}})
	m.log.Info("process pool recycled",
		logx.Int("workers", fresh.Workers()),
		logx.Uint64("total_recycles", n),
	)
	return nil
}
