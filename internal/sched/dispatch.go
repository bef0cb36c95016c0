package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"jobsched/internal/eventbus"
	"jobsched/internal/jobs"
	"jobsched/internal/procpool"
	"jobsched/internal/recstore"
	logx "jobsched/pkg/logx"
)

// ThreadFunc is an in-process job body for the thread pool. The returned
// value may itself be a *Future; the dispatcher awaits it transparently.
type ThreadFunc func(ctx context.Context) (any, error)

// SubmitToProcess schedules a registered job function in a worker
// subprocess. args must be JSON-serializable; the worker receives the
// marshaled form. The call blocks until the job is admitted (or ctx is
// canceled) and returns a future for its outcome.
func (m *Manager) SubmitToProcess(ctx context.Context, d JobDescriptor, funcName string, args any) (*Future, error) {
	if m.reg != nil {
		if _, ok := m.reg.Lookup(funcName); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFunc, funcName)
		}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("sched: marshal args for %s: %w", funcName, err)
	}
	return m.submit(ctx, d, funcName, procpool.KindProcess, func(id string, fut *Future) runFunc {
		return m.processWrapper(id, d, funcName, raw, fut)
	})
}

// SubmitToThread schedules fn on the in-process thread pool. name labels the
// job in records and reports.
func (m *Manager) SubmitToThread(ctx context.Context, d JobDescriptor, name string, fn ThreadFunc) (*Future, error) {
	if fn == nil {
		return nil, errors.New("sched: nil thread job body")
	}
	if name == "" {
		name = "anonymous"
	}
	return m.submit(ctx, d, name, procpool.KindThread, func(id string, fut *Future) runFunc {
		return m.threadWrapper(id, d, name, fn, fut)
	})
}

type runFunc = func(ctx context.Context, workerLabel string)

func (m *Manager) submit(ctx context.Context, d JobDescriptor, funcName string, kind procpool.Kind, wrap func(id string, fut *Future) runFunc) (*Future, error) {
	m.mu.Lock()
	ready := m.started && !m.stopped
	m.mu.Unlock()
	if !ready {
		return nil, ErrStopped
	}

	if !d.SkipAdmission {
		if err := m.acquireTicket(ctx); err != nil {
			return nil, err
		}
		defer m.releaseTicket()
		if err := m.awaitAdmission(ctx, d, kind); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	fut := newFuture()
	run := wrap(id, fut)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	m.active[id] = d
	var pool *procpool.Pool
	if kind == procpool.KindThread {
		pool = m.threadPool
	} else {
		pool = m.procPool
	}
	m.mu.Unlock()

	meta := procpool.JobMeta{
		JobID:       id,
		FuncName:    funcName,
		Category:    d.Category,
		Source:      d.Source,
		Step:        d.Step,
		Description: d.Description,
		EnqueuedAt:  time.Now(),
	}
	if err := pool.Submit(meta, run); err != nil {
		m.untrack(id)
		return nil, fmt.Errorf("sched: enqueue %s: %w", funcName, err)
	}

	m.bus.Publish(eventbus.Event{Type: eventbus.TypeJobAdmitted, Data: JobEvent{
		JobID:    id,
		FuncName: funcName,
		Category: d.Category,
		Source:   d.Source,
		Step:     d.Step,
	}})
	m.log.Debug("job admitted",
		logx.String("job_id", id),
		logx.String("func", funcName),
		logx.String("pool", kind.String()),
	)
	return fut, nil
}

func (m *Manager) untrack(id string) bool {
	m.mu.Lock()
	_, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()
	return ok
}

// finish runs the completion bookkeeping: registry removal exactly once,
// lifecycle event, future resolution.
func (m *Manager) finish(id, funcName string, d JobDescriptor, started time.Time, fut *Future, value any, err error) {
	if !m.untrack(id) {
		m.log.Error("finished job was not tracked", logx.String("job_id", id))
	}

	ev := JobEvent{
		JobID:    id,
		FuncName: funcName,
		Category: d.Category,
		Source:   d.Source,
		Step:     d.Step,
		Started:  started,
		Duration: time.Since(started),
	}
	if err != nil {
		ev.Error = err.Error()
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: ev})
		m.log.Warn("job failed",
			logx.String("job_id", id),
			logx.String("func", funcName),
			logx.Duration("took", ev.Duration),
			logx.Err(err),
		)
	} else {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Data: ev})
		m.log.Info("job finished",
			logx.String("job_id", id),
			logx.String("func", funcName),
			logx.Duration("took", ev.Duration),
		)
	}
	fut.resolve(value, err)
}

// threadWrapper runs the body on a pool worker and writes the worker record
// on behalf of the job, labeled with the worker slot that ran it.
func (m *Manager) threadWrapper(id string, d JobDescriptor, name string, fn ThreadFunc, fut *Future) runFunc {
	return func(ctx context.Context, label string) {
		started := time.Now()
		rec := recstore.Record{
			JobID:             id,
			OwnerPID:          os.Getpid(),
			OwnerLabel:        label,
			FuncName:          name,
			Category:          d.Category,
			Source:            d.Source,
			Step:              d.Step,
			Description:       d.Description,
			MemoryRequirement: d.MemoryRequirement,
			SkipAdmission:     d.SkipAdmission,
			StartedAt:         started,
		}
		if err := m.store.Create(ctx, rec); err != nil {
			m.finish(id, name, d, started, fut, nil, fmt.Errorf("sched: create worker record: %w", err))
			return
		}
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Data: JobEvent{
			JobID: id, FuncName: name, Step: d.Step, Started: started,
		}})

		value, runErr, trace := runThreadBody(ctx, fn)
		if runErr == nil {
			// A body that fanned out returns a future; the job is not done
			// until that sub-work is.
			if nested, ok := value.(*Future); ok && nested != nil {
				value, runErr = nested.Wait(ctx)
			}
		}

		rec.Duration = time.Since(started)
		if runErr != nil {
			rec.Error = runErr.Error()
			rec.Trace = trace
			value = nil
		} else if value != nil {
			if b, merr := json.Marshal(value); merr == nil {
				rec.Result = string(b)
			} else {
				rec.Result = fmt.Sprintf("%v", value)
			}
		}
		if err := m.store.Update(ctx, id, rec); err != nil {
			m.log.Error("update worker record", logx.String("job_id", id), logx.Err(err))
		} else if err := m.store.MoveToDone(ctx, id); err != nil {
			m.log.Error("relocate worker record", logx.String("job_id", id), logx.Err(err))
		}

		if runErr != nil {
			runErr = &JobError{JobID: id, FuncName: name, Trace: trace, Err: runErr}
		}
		m.finish(id, name, d, started, fut, value, runErr)
	}
}

func runThreadBody(ctx context.Context, fn ThreadFunc) (value any, err error, trace string) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("panic: %v", r)
			trace = string(debug.Stack())
		}
	}()
	value, err = fn(ctx)
	return
}

// processWrapper spawns the worker subprocess from a pool slot and waits
// for it. The worker writes its own record; the wrapper reads it back for
// the result or the failure detail.
func (m *Manager) processWrapper(id string, d JobDescriptor, funcName string, args json.RawMessage, fut *Future) runFunc {
	return func(ctx context.Context, label string) {
		started := time.Now()
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Data: JobEvent{
			JobID: id, FuncName: funcName, Step: d.Step, Started: started,
		}})

		runErr := m.spawn.Run(ctx, jobs.WorkOrder{
			JobID:             id,
			FuncName:          funcName,
			Args:              args,
			RunDir:            m.cfg.RunDir,
			Category:          d.Category,
			Source:            d.Source,
			Step:              d.Step,
			Description:       d.Description,
			MemoryRequirement: d.MemoryRequirement,
			SkipAdmission:     d.SkipAdmission,
		})

		var value any
		rec, gerr := m.store.Get(ctx, id)
		switch {
		case runErr != nil:
			// Prefer the error the worker recorded over the raw exit status.
			if gerr == nil && rec.Error != "" {
				runErr = &JobError{JobID: id, FuncName: funcName, Trace: rec.Trace, Err: errors.New(rec.Error)}
			} else {
				runErr = &JobError{JobID: id, FuncName: funcName, Err: runErr}
			}
		case gerr != nil:
			// The worker exited clean but left no record; surface it rather
			// than report a silent success.
			runErr = fmt.Errorf("sched: worker record for job %s: %w", id, gerr)
		case rec.Result != "":
			value = json.RawMessage(rec.Result)
		}

		m.finish(id, funcName, d, started, fut, value, runErr)
	}
}
