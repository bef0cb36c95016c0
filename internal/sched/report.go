package sched

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"jobsched/internal/procpool"
	"jobsched/internal/recstore"
)

// ScopeKind selects a report view.
type ScopeKind int

const (
	ScopeSummary ScopeKind = iota
	ScopeRunning
	ScopePending
	ScopeDone
	ScopeJob
)

// Scope parameterizes Report. KeepDone suppresses the default purge of the
// done area; JobID is required for ScopeJob.
type Scope struct {
	Kind     ScopeKind
	JobID    string
	KeepDone bool
}

// RunningRow joins an active worker record with live per-process usage.
// Alive is false when the owner exited between record writes; resource
// columns are zero then.
type RunningRow struct {
	Record     recstore.Record
	Alive      bool
	RSS        uint64
	CPUPercent float64
}

// PendingRow is a queued-not-started job. Only descriptor fields exist for
// it; nothing ran yet.
type PendingRow struct {
	Pool string
	Meta procpool.JobMeta
}

type Report struct {
	Summary *Snapshot
	Running []RunningRow
	Pending []PendingRow
	Done    []recstore.Record
	Job     *recstore.Record
}

// Report answers the introspection surface. Reading the done area consumes
// it unless KeepDone is set, so repeated status checks do not grow storage.
func (m *Manager) Report(ctx context.Context, scope Scope) (*Report, error) {
	switch scope.Kind {
	case ScopeSummary:
		snap := m.Snapshot(ctx)
		return &Report{Summary: &snap}, nil

	case ScopeRunning:
		rows, err := m.runningRows(ctx)
		if err != nil {
			return nil, err
		}
		return &Report{Running: rows}, nil

	case ScopePending:
		return &Report{Pending: m.pendingRows()}, nil

	case ScopeDone:
		recs, err := m.store.ListDone(ctx, !scope.KeepDone)
		if err != nil {
			return nil, fmt.Errorf("sched: list done records: %w", err)
		}
		return &Report{Done: recs}, nil

	case ScopeJob:
		if scope.JobID == "" {
			return nil, fmt.Errorf("sched: report by id needs a job id")
		}
		rec, err := m.store.Get(ctx, scope.JobID)
		if err != nil {
			return nil, err
		}
		return &Report{Job: &rec}, nil
	}
	return nil, fmt.Errorf("sched: unknown report scope %d", scope.Kind)
}

func (m *Manager) runningRows(ctx context.Context) ([]RunningRow, error) {
	recs, err := m.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("sched: list active records: %w", err)
	}
	rows := make([]RunningRow, 0, len(recs))
	for _, rec := range recs {
		row := RunningRow{Record: rec}
		if st, ok := m.probe.ProcStat(ctx, rec.OwnerPID); ok {
			row.Alive = true
			row.RSS = st.RSS
			row.CPUPercent = st.CPUPercent
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (m *Manager) pendingRows() []PendingRow {
	m.mu.Lock()
	pp, tp := m.procPool, m.threadPool
	m.mu.Unlock()

	var rows []PendingRow
	for _, pool := range []*procpool.Pool{pp, tp} {
		if pool == nil {
			continue
		}
		for _, meta := range pool.Pending() {
			rows = append(rows, PendingRow{Pool: pool.Kind().String(), Meta: meta})
		}
	}
	return rows
}

// RenderSummary formats a snapshot for logs and the status command.
func RenderSummary(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "active=%d backlog=%d+%d memory=%s/%s workers=%dp+%dt recycles=%d",
		s.ActiveJobs,
		s.ProcessBacklog, s.ThreadBacklog,
		humanize.IBytes(s.MemoryUsage), humanize.IBytes(s.MemoryCeiling),
		s.ProcessWorkers, s.ThreadWorkers,
		s.Recycles,
	)
	if s.AutoRecycleDisabled {
		b.WriteString(" auto-recycle=off")
	}
	return b.String()
}
