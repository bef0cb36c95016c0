package recstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("worker record not found")

// Area is the lifecycle area a record lives in.
//
// A record is created in the active area, updated in place when its job
// finishes, then relocated to the done area. It is never observed out of
// this sequence.
type Area string

const (
	AreaActive Area = "active"
	AreaDone   Area = "done"
)

// Config configures the store.
type Config struct {
	// Dir is the run directory; the database file lives inside it.
	Dir string

	// BusyTimeout bounds cross-process lock waits. 0 means default.
	BusyTimeout time.Duration
}

// Record is the durable snapshot of one job's execution state.
//
// OwnerPID identifies the OS process that executes the job; OwnerLabel
// distinguishes thread-pool workers inside the controller process.
// The descriptor fields are a copy taken at dispatch time.
type Record struct {
	JobID      string
	Area       Area
	OwnerPID   int
	OwnerLabel string

	FuncName string
	Args     string

	Category          string
	Source            string
	Step              string
	Description       string
	MemoryRequirement uint64
	SkipAdmission     bool

	StartedAt time.Time
	Duration  time.Duration

	Result string
	Error  string
	Trace  string
}

// Store is the worker record persistence API.
//
// Create/Update/MoveToDone are called by the worker owning the job id;
// the list and reconcile operations are called by the controller.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Update(ctx context.Context, jobID string, rec Record) error
	MoveToDone(ctx context.Context, jobID string) error

	Get(ctx context.Context, jobID string) (Record, error)
	ListActive(ctx context.Context) ([]Record, error)
	CountActive(ctx context.Context) (int, error)

	// ListDone returns done records sorted by start time. With consume set,
	// the returned records are deleted in the same transaction, bounding
	// storage growth.
	ListDone(ctx context.Context, consume bool) ([]Record, error)

	// Reconcile deletes active records whose owner process no longer exists
	// (crash during execution). alive reports whether a PID is present in
	// the live process table. Returns the orphans it removed.
	Reconcile(ctx context.Context, alive func(pid int) bool) ([]Record, error)

	Close() error
}
