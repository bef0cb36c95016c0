package sched

import (
	"time"
)

// Predicate is a caller-supplied readiness check gating admission.
// Predicates are evaluated in order once per pass; any failure restarts the
// whole pass on the next attempt.
type Predicate func() bool

// JobDescriptor describes one unit of work. It is read-only for the
// scheduler and discarded once the job completes.
//
// SkipAdmission bypasses the admission gate entirely, including the
// admission ticket. Pool recycling depends on this: the old pool's shutdown
// is itself a job, and making it wait for admission while admission waits
// for recycling would deadlock.
type JobDescriptor struct {
	Category    string
	Source      string
	Step        string
	Description string

	// MemoryRequirement is the job's expected peak resident usage in bytes.
	// 0 means unknown; such jobs are admitted on the global check alone.
	MemoryRequirement uint64

	Predicates    []Predicate
	SkipAdmission bool
}

// Config carries the scheduler's constructor parameters. Everything that was
// ambient module state in older designs is explicit here.
type Config struct {
	// RunDir holds the worker record store. It must survive restarts;
	// startup reconciliation depends on it.
	RunDir string

	// MemoryCeiling is the resolved absolute budget in bytes for the
	// controller plus all worker descendants.
	MemoryCeiling uint64

	// MaxBacklog bounds queued-not-started jobs in the process pool.
	MaxBacklog int

	ProcessWorkers int
	ThreadWorkers  int

	// QueueSize is the pool queue capacity. It must exceed MaxBacklog or
	// admission would never be the binding constraint.
	QueueSize int

	// RetryInterval is the sleep between admission re-checks.
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProcessWorkers <= 0 {
		c.ProcessWorkers = 2
	}
	if c.ThreadWorkers <= 0 {
		c.ThreadWorkers = 4
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = 32
	}
	if c.QueueSize <= c.MaxBacklog {
		c.QueueSize = c.MaxBacklog * 2
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	return c
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	ActiveJobs     int
	ProcessBacklog int
	ThreadBacklog  int

	MemoryUsage   uint64
	MemoryCeiling uint64

	ProcessWorkers int
	ThreadWorkers  int

	Recycles            uint64
	AutoRecycleDisabled bool
}

// JobEvent is the payload published on the event bus for job lifecycle
// events.
type JobEvent struct {
	JobID    string        `json:"job_id"`
	FuncName string        `json:"func_name"`
	Category string        `json:"category,omitempty"`
	Source   string        `json:"source,omitempty"`
	Step     string        `json:"step,omitempty"`
	Started  time.Time     `json:"started,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
