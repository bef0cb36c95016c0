package sched

import (
	"errors"
	"fmt"
)

var (
	ErrStopped       = errors.New("job manager stopped")
	ErrWorkersActive = errors.New("workers still active")
	ErrUnknownFunc   = errors.New("job function not registered")
)

// JobError wraps a job body failure with the job's identity and the trace
// captured by the worker. The scheduler never retries; callers that want a
// retry submit again.
type JobError struct {
	JobID    string
	FuncName string
	Trace    string
	Err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s (%s) failed: %v", e.JobID, e.FuncName, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
