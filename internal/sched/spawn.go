package sched

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"jobsched/internal/jobs"
	logx "jobsched/pkg/logx"
)

// WorkerExecArg is the hidden argv mode the controller binary re-execs
// itself with. The child reads one work order from stdin, runs it, and
// exits nonzero when the body failed.
const WorkerExecArg = "worker-exec"

// Spawner launches one worker subprocess per work order and waits for it
// to exit. Tests substitute an in-process fake.
type Spawner interface {
	Run(ctx context.Context, order jobs.WorkOrder) error
}

type execSpawner struct {
	log logx.Logger
}

func NewExecSpawner(log logx.Logger) Spawner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &execSpawner{log: log}
}

func (s *execSpawner) Run(ctx context.Context, order jobs.WorkOrder) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("sched: locate executable: %w", err)
	}

	var in bytes.Buffer
	if err := jobs.EncodeOrder(&in, order); err != nil {
		return err
	}

	// Dispatched work is never killed, so the command is deliberately not
	// bound to ctx.
	cmd := exec.Command(exe, WorkerExecArg)
	cmd.Stdin = &in
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	s.log.Debug("spawning worker",
		logx.String("job_id", order.JobID),
		logx.String("func", order.FuncName),
	)
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("worker: %w: %s", err, tailStr(msg, 512))
		}
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

func tailStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
