package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"jobsched/internal/recstore"
	logx "jobsched/pkg/logx"
)

// RunOrder is the worker-subprocess entrypoint. It writes the worker record
// before running the body, runs the body, then finalizes and relocates the
// record. The returned error mirrors what was written to the record; the
// caller turns it into a non-zero exit code.
//
// Record writes are not best-effort: a record the controller cannot read
// later is worse than a failed job, so store errors abort the run.
func RunOrder(ctx context.Context, reg *Registry, order WorkOrder, log logx.Logger) error {
	if err := order.Validate(); err != nil {
		return err
	}
	fn, ok := reg.Lookup(order.FuncName)
	if !ok {
		return fmt.Errorf("jobs: unknown job %q", order.FuncName)
	}

	store, err := recstore.Open(recstore.Config{Dir: order.RunDir}, log)
	if err != nil {
		return fmt.Errorf("jobs: open record store: %w", err)
	}
	defer store.Close()

	started := time.Now()
	rec := recstore.Record{
		JobID:             order.JobID,
		Area:              recstore.AreaActive,
		OwnerPID:          os.Getpid(),
		FuncName:          order.FuncName,
		Args:              string(order.Args),
		Category:          order.Category,
		Source:            order.Source,
		Step:              order.Step,
		Description:       order.Description,
		MemoryRequirement: order.MemoryRequirement,
		SkipAdmission:     order.SkipAdmission,
		StartedAt:         started,
	}
	if err := store.Create(ctx, rec); err != nil {
		return fmt.Errorf("jobs: create worker record: %w", err)
	}

	result, runErr := runBody(ctx, fn, order.Args)

	rec.Duration = time.Since(started)
	if runErr != nil {
		rec.Error = runErr.err.Error()
		rec.Trace = runErr.trace
	} else if result != nil {
		if b, merr := json.Marshal(result); merr == nil {
			rec.Result = string(b)
		} else {
			// Unserializable results degrade to their string form.
			rec.Result = fmt.Sprintf("%v", result)
		}
	}

	if err := store.Update(ctx, order.JobID, rec); err != nil {
		return fmt.Errorf("jobs: finalize worker record: %w", err)
	}
	if err := store.MoveToDone(ctx, order.JobID); err != nil {
		return fmt.Errorf("jobs: relocate worker record: %w", err)
	}

	if runErr != nil {
		return runErr.err
	}
	return nil
}

type bodyError struct {
	err   error
	trace string
}

// runBody executes fn, converting panics into errors with a captured stack
// so the record always carries a trace for failed jobs.
func runBody(ctx context.Context, fn Func, args json.RawMessage) (result any, bErr *bodyError) {
	defer func() {
		if r := recover(); r != nil {
			bErr = &bodyError{
				err:   fmt.Errorf("job panicked: %v", r),
				trace: string(debug.Stack()),
			}
		}
	}()
	res, err := fn(ctx, args)
	if err != nil {
		return nil, &bodyError{err: err, trace: string(debug.Stack())}
	}
	return res, nil
}
