package sched

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/jobs"
	"jobsched/internal/memwatch"
	"jobsched/internal/recstore"
	logx "jobsched/pkg/logx"
)

// fakeProber answers memory questions from test-controlled values. Only the
// test process itself counts as alive.
type fakeProber struct {
	usage atomic.Uint64
	self  int
}

func newFakeProber(usage uint64) *fakeProber {
	p := &fakeProber{self: os.Getpid()}
	p.usage.Store(usage)
	return p
}

func (p *fakeProber) Usage(context.Context) (uint64, error) { return p.usage.Load(), nil }

func (p *fakeProber) PidExists(pid int) bool { return pid == p.self }

func (p *fakeProber) ProcStat(_ context.Context, pid int) (memwatch.ProcStat, bool) {
	if pid != p.self {
		return memwatch.ProcStat{}, false
	}
	return memwatch.ProcStat{RSS: 1 << 20, CPUPercent: 1.5}, true
}

// fakeSpawner runs the work order in-process, exercising the same worker
// code path a real subprocess would, including the record writes.
type fakeSpawner struct {
	reg *jobs.Registry
}

func (f *fakeSpawner) Run(ctx context.Context, order jobs.WorkOrder) error {
	return jobs.RunOrder(ctx, f.reg, order, logx.Nop())
}

func newTestManager(t *testing.T, cfg Config, probe *fakeProber, reg *jobs.Registry) (*Manager, recstore.Store) {
	t.Helper()
	if cfg.RunDir == "" {
		cfg.RunDir = t.TempDir()
	}
	if cfg.MemoryCeiling == 0 {
		cfg.MemoryCeiling = 1 << 30
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 10 * time.Millisecond
	}
	store, err := recstore.Open(recstore.Config{Dir: cfg.RunDir}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := New(cfg, store, probe, reg, eventbus.New(), logx.Nop(), WithSpawner(&fakeSpawner{reg: reg}))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m, store
}

func waitDone(t *testing.T, fut *Future) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := fut.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("job did not finish in time")
	}
	return v, err
}

func TestThreadJobLifecycle(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Config{}, newFakeProber(0), nil)

	fut, err := m.SubmitToThread(context.Background(), JobDescriptor{Step: "sum"}, "sum", func(context.Context) (any, error) {
		return 41 + 1, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	v, err := waitDone(t, fut)
	if err != nil {
		t.Fatalf("job error: %v", err)
	}
	if v.(int) != 42 {
		t.Fatalf("value = %v, want 42", v)
	}

	if n := m.Snapshot(context.Background()).ActiveJobs; n != 0 {
		t.Fatalf("active after completion = %d", n)
	}
	done, err := store.ListDone(context.Background(), false)
	if err != nil {
		t.Fatalf("list done: %v", err)
	}
	if len(done) != 1 {
		t.Fatalf("done records = %d, want 1", len(done))
	}
	rec := done[0]
	if rec.Result != "42" {
		t.Errorf("recorded result = %q", rec.Result)
	}
	if !strings.HasPrefix(rec.OwnerLabel, "thread:") {
		t.Errorf("owner label = %q", rec.OwnerLabel)
	}
	if rec.Step != "sum" {
		t.Errorf("recorded step = %q", rec.Step)
	}
}

func TestThreadJobErrorBecomesJobError(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Config{}, newFakeProber(0), nil)

	boom := errors.New("disk on fire")
	fut, err := m.SubmitToThread(context.Background(), JobDescriptor{}, "burn", func(context.Context) (any, error) {
		return nil, boom
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, jerr := waitDone(t, fut)

	var je *JobError
	if !errors.As(jerr, &je) {
		t.Fatalf("error %T, want *JobError", jerr)
	}
	if !errors.Is(je, boom) {
		t.Errorf("cause not preserved: %v", je)
	}

	done, _ := store.ListDone(context.Background(), false)
	if len(done) != 1 || done[0].Error == "" {
		t.Fatalf("failure not recorded: %+v", done)
	}
}

func TestThreadJobPanicCapturesTrace(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Config{}, newFakeProber(0), nil)

	fut, err := m.SubmitToThread(context.Background(), JobDescriptor{}, "panicky", func(context.Context) (any, error) {
		panic("kaboom")
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, jerr := waitDone(t, fut)

	var je *JobError
	if !errors.As(jerr, &je) {
		t.Fatalf("error %T, want *JobError", jerr)
	}
	if je.Trace == "" {
		t.Error("panic trace missing from error")
	}
	done, _ := store.ListDone(context.Background(), false)
	if len(done) != 1 || done[0].Trace == "" {
		t.Error("panic trace missing from record")
	}
}

func TestNestedFutureAwaitedTransparently(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{}, newFakeProber(0), nil)

	inner, resolve := NewManualFuture()
	go func() {
		time.Sleep(20 * time.Millisecond)
		resolve("inner-result", nil)
	}()

	fut, err := m.SubmitToThread(context.Background(), JobDescriptor{}, "fanout", func(context.Context) (any, error) {
		return inner, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	v, jerr := waitDone(t, fut)
	if jerr != nil {
		t.Fatalf("job error: %v", jerr)
	}
	if v != "inner-result" {
		t.Fatalf("value = %v, want inner-result", v)
	}
}

func TestRegistryTracksRunningJob(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{}, newFakeProber(0), nil)

	release := make(chan struct{})
	fut, err := m.SubmitToThread(context.Background(), JobDescriptor{}, "held", func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Snapshot(context.Background()).ActiveJobs != 1 {
		if time.Now().After(deadline) {
			t.Fatal("job never became active in the registry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	if _, err := waitDone(t, fut); err != nil {
		t.Fatalf("job error: %v", err)
	}
	if n := m.Snapshot(context.Background()).ActiveJobs; n != 0 {
		t.Fatalf("registry entry not removed, active = %d", n)
	}
}

func TestProcessJobRoundTrip(t *testing.T) {
	t.Parallel()
	reg := jobs.NewRegistry()
	if err := reg.Register("add", func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return in.A + in.B, nil
	}); err != nil {
		t.Fatal(err)
	}
	m, store := newTestManager(t, Config{}, newFakeProber(0), reg)

	fut, err := m.SubmitToProcess(context.Background(), JobDescriptor{Category: "math"}, "add", map[string]int{"A": 2, "B": 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	v, jerr := waitDone(t, fut)
	if jerr != nil {
		t.Fatalf("job error: %v", jerr)
	}
	raw, ok := v.(json.RawMessage)
	if !ok {
		t.Fatalf("value %T, want json.RawMessage", v)
	}
	if string(raw) != "5" {
		t.Fatalf("value = %s, want 5", raw)
	}

	done, err := store.ListDone(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || done[0].FuncName != "add" || done[0].Category != "math" {
		t.Fatalf("unexpected done records: %+v", done)
	}
}

func TestProcessJobFailureCarriesRecordedError(t *testing.T) {
	t.Parallel()
	reg := jobs.NewRegistry()
	if err := reg.Register("boom", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("deliberate failure")
	}); err != nil {
		t.Fatal(err)
	}
	m, _ := newTestManager(t, Config{}, newFakeProber(0), reg)

	fut, err := m.SubmitToProcess(context.Background(), JobDescriptor{}, "boom", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, jerr := waitDone(t, fut)

	var je *JobError
	if !errors.As(jerr, &je) {
		t.Fatalf("error %T, want *JobError", jerr)
	}
	if !strings.Contains(je.Error(), "deliberate failure") {
		t.Fatalf("recorded failure detail lost: %v", je)
	}
	if je.Trace == "" {
		t.Error("trace missing")
	}
}

func TestSubmitUnknownProcessFunc(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{}, newFakeProber(0), jobs.NewRegistry())

	_, err := m.SubmitToProcess(context.Background(), JobDescriptor{}, "nope", nil)
	if !errors.Is(err, ErrUnknownFunc) {
		t.Fatalf("err = %v, want ErrUnknownFunc", err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()
	probe := newFakeProber(0)
	m, _ := newTestManager(t, Config{}, probe, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := m.SubmitToThread(context.Background(), JobDescriptor{}, "late", func(context.Context) (any, error) {
		return nil, nil
	}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestStartReconcilesOrphanRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	seed, err := recstore.Open(recstore.Config{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := seed.Create(context.Background(), recstore.Record{
		JobID:    "ghost",
		OwnerPID: 999999,
		FuncName: "vanished",
	}); err != nil {
		t.Fatal(err)
	}
	seed.Close()

	m, store := newTestManager(t, Config{RunDir: dir}, newFakeProber(0), nil)

	active, err := store.ListActive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("orphan survived reconcile: %+v", active)
	}

	rep, err := m.Report(context.Background(), Scope{Kind: ScopeRunning})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Running) != 0 {
		t.Fatalf("running report shows ghosts: %+v", rep.Running)
	}
}

func TestReportScopes(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{}, newFakeProber(512), nil)

	fut, err := m.SubmitToThread(context.Background(), JobDescriptor{Step: "report-me"}, "report_me", func(context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := waitDone(t, fut); err != nil {
		t.Fatalf("job error: %v", err)
	}

	sum, err := m.Report(context.Background(), Scope{Kind: ScopeSummary})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Summary == nil || sum.Summary.MemoryUsage != 512 {
		t.Fatalf("summary = %+v", sum.Summary)
	}
	if s := RenderSummary(*sum.Summary); !strings.Contains(s, "memory=512 B") {
		t.Errorf("rendered summary %q", s)
	}

	// First done read consumes; the second must come back empty.
	done, err := m.Report(context.Background(), Scope{Kind: ScopeDone})
	if err != nil {
		t.Fatal(err)
	}
	if len(done.Done) != 1 || done.Done[0].Step != "report-me" {
		t.Fatalf("done view = %+v", done.Done)
	}
	again, err := m.Report(context.Background(), Scope{Kind: ScopeDone})
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Done) != 0 {
		t.Fatalf("done area not purged: %+v", again.Done)
	}

	if _, err := m.Report(context.Background(), Scope{Kind: ScopeJob, JobID: "missing"}); !errors.Is(err, recstore.ErrNotFound) {
		t.Fatalf("by-id err = %v, want ErrNotFound", err)
	}
}
