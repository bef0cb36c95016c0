// Package jobs holds the registry of named job bodies and the worker-side
// execution path used by process-pool subprocesses.
//
// Process jobs are referenced by registered name because a function value
// cannot cross a process boundary; the worker subprocess resolves the name
// against the same registry the daemon built at startup.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Func is a job body runnable in a worker subprocess. Args is the JSON
// payload supplied at submission; the returned value is JSON-marshaled into
// the worker record.
type Func func(ctx context.Context, args json.RawMessage) (any, error)

type Registry struct {
	mu sync.RWMutex
	m  map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Func{}}
}

func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("jobs: empty job name")
	}
	if fn == nil {
		return fmt.Errorf("jobs: nil body for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[name]; dup {
		return fmt.Errorf("jobs: %q already registered", name)
	}
	r.m[name] = fn
	return nil
}

func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.m[name]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
