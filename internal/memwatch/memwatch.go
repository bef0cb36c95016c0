// Package memwatch measures resident memory of the controller and its
// worker descendants, and resolves the configured memory ceiling.
package memwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// AutoCeilingPercent is the share of available system memory used when the
// ceiling is configured as "auto". Resolved once at startup.
const AutoCeilingPercent = 55

// ProcStat is a point-in-time view of one process, used by the running report.
type ProcStat struct {
	RSS        uint64
	CPUPercent float64
}

// Prober answers memory and liveness questions about OS processes.
//
// The scheduler depends on this interface so tests can substitute
// deterministic probes.
type Prober interface {
	// Usage returns the aggregate resident set size of the controller
	// process and all of its descendants.
	Usage(ctx context.Context) (uint64, error)

	// PidExists reports whether pid is present in the live process table.
	PidExists(pid int) bool

	// ProcStat returns resource usage for a single pid; ok is false when the
	// process is gone.
	ProcStat(ctx context.Context, pid int) (ProcStat, bool)
}

// New returns a Prober rooted at the current process.
func New() Prober {
	return &procProber{root: int32(os.Getpid())}
}

type procProber struct {
	root int32
}

func (p *procProber) Usage(ctx context.Context) (uint64, error) {
	proc, err := process.NewProcessWithContext(ctx, p.root)
	if err != nil {
		return 0, fmt.Errorf("memwatch: self lookup: %w", err)
	}

	total := uint64(0)
	mi, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("memwatch: self rss: %w", err)
	}
	total += mi.RSS

	for _, child := range descendants(ctx, proc) {
		cmi, err := child.MemoryInfoWithContext(ctx)
		if err != nil {
			// A worker may exit between enumeration and sampling.
			continue
		}
		total += cmi.RSS
	}
	return total, nil
}

// descendants walks the process tree below proc, breadth-first.
func descendants(ctx context.Context, proc *process.Process) []*process.Process {
	var out []*process.Process
	frontier := []*process.Process{proc}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		children, err := cur.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, children...)
		frontier = append(frontier, children...)
	}
	return out
}

func (p *procProber) PidExists(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func (p *procProber) ProcStat(ctx context.Context, pid int) (ProcStat, bool) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcStat{}, false
	}
	st := ProcStat{}
	if mi, err := proc.MemoryInfoWithContext(ctx); err == nil {
		st.RSS = mi.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	return st, true
}

// ResolveCeiling turns the configured ceiling spec into an absolute byte
// count. "auto" (or empty) takes AutoCeilingPercent of the memory available
// at call time; anything else is parsed as a byte size ("512MB", "2GiB").
func ResolveCeiling(ctx context.Context, spec string) (uint64, error) {
	spec = strings.TrimSpace(strings.ToLower(spec))
	if spec == "" || spec == "auto" {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, fmt.Errorf("memwatch: query system memory: %w", err)
		}
		return vm.Available * AutoCeilingPercent / 100, nil
	}

	n, err := humanize.ParseBytes(spec)
	if err != nil {
		return 0, fmt.Errorf("memwatch: invalid memory ceiling %q: %w", spec, err)
	}
	if n == 0 {
		return 0, errors.New("memwatch: memory ceiling must be positive")
	}
	return n, nil
}
