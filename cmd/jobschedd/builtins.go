package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"jobsched/internal/jobs"
)

// builtinRegistry holds the job bodies this binary ships with. The same
// registry backs both the daemon (for validation) and the worker mode (for
// execution), so names always resolve on both sides of the fork.
func builtinRegistry() *jobs.Registry {
	reg := jobs.NewRegistry()
	mustRegister(reg, "noop", noopJob)
	mustRegister(reg, "sleep", sleepJob)
	mustRegister(reg, "exec", execJob)
	return reg
}

func mustRegister(reg *jobs.Registry, name string, fn jobs.Func) {
	if err := reg.Register(name, fn); err != nil {
		panic(err)
	}
}

func noopJob(context.Context, json.RawMessage) (any, error) {
	return nil, nil
}

// sleepJob holds a worker slot for the given duration. Mostly useful for
// exercising admission and pool behavior from the outside.
func sleepJob(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Duration string `json:"duration"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}
	d, err := time.ParseDuration(in.Duration)
	if err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
		return map[string]string{"slept": d.String()}, nil
	}
}

// execJob runs an external command and returns its combined output. This is
// the workhorse for scheduled maintenance steps.
func execJob(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Argv []string `json:"argv"`
		Dir  string   `json:"dir,omitempty"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	if len(in.Argv) == 0 {
		return nil, fmt.Errorf("exec: argv is required")
	}

	cmd := exec.CommandContext(ctx, in.Argv[0], in.Argv[1:]...)
	cmd.Dir = in.Dir
	out, err := cmd.CombinedOutput()
	result := map[string]any{
		"argv":   strings.Join(in.Argv, " "),
		"output": string(out),
	}
	if err != nil {
		return nil, fmt.Errorf("exec %s: %w (output: %s)", in.Argv[0], err, strings.TrimSpace(string(out)))
	}
	return result, nil
}
