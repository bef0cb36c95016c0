package procpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "jobsched/pkg/logx"
)

func TestPoolRunsSubmittedWork(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(Config{Kind: KindThread, Workers: 3, QueueSize: 16}, logx.Nop())
	p.Start(ctx)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		err := p.Submit(JobMeta{JobID: string(rune('a' + i))}, func(ctx context.Context, label string) {
			defer wg.Done()
			if label == "" {
				t.Error("empty worker label")
			}
			ran.Add(1)
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	if got := ran.Load(); got != 9 {
		t.Fatalf("ran = %d, want 9", got)
	}
}

func TestPoolBacklogAndPending(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(Config{Kind: KindProcess, Workers: 1, QueueSize: 16}, logx.Nop())
	p.Start(ctx)

	release := make(chan struct{})
	started := make(chan struct{})
	_ = p.Submit(JobMeta{JobID: "busy"}, func(ctx context.Context, label string) {
		close(started)
		<-release
	})
	<-started

	now := time.Now()
	_ = p.Submit(JobMeta{JobID: "second", Category: "dump", EnqueuedAt: now.Add(time.Millisecond)}, func(ctx context.Context, label string) {})
	_ = p.Submit(JobMeta{JobID: "first", Category: "upload", EnqueuedAt: now}, func(ctx context.Context, label string) {})

	if got := p.Backlog(); got != 2 {
		t.Fatalf("Backlog = %d, want 2", got)
	}
	pending := p.Pending()
	if len(pending) != 2 || pending[0].JobID != "first" || pending[1].JobID != "second" {
		t.Fatalf("Pending order wrong: %+v", pending)
	}

	close(release)
}

func TestPoolPanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(Config{Kind: KindThread, Workers: 1, QueueSize: 4}, logx.Nop())
	p.Start(ctx)

	_ = p.Submit(JobMeta{JobID: "boom"}, func(ctx context.Context, label string) {
		panic("wrapper escaped")
	})

	done := make(chan struct{})
	_ = p.Submit(JobMeta{JobID: "after"}, func(ctx context.Context, label string) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestPoolShutdownDrains(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(Config{Kind: KindThread, Workers: 2, QueueSize: 16}, logx.Nop())
	p.Start(ctx)

	var ran atomic.Int32
	for i := 0; i < 6; i++ {
		_ = p.Submit(JobMeta{JobID: string(rune('a' + i))}, func(ctx context.Context, label string) {
			time.Sleep(10 * time.Millisecond)
			ran.Add(1)
		})
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := p.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := ran.Load(); got != 6 {
		t.Fatalf("ran = %d, want 6 after drain", got)
	}

	if err := p.Submit(JobMeta{JobID: "late"}, func(ctx context.Context, label string) {}); err != ErrClosed {
		t.Fatalf("Submit after shutdown = %v, want ErrClosed", err)
	}
	if err := p.Shutdown(sctx); err != ErrClosed {
		t.Fatalf("second Shutdown = %v, want ErrClosed", err)
	}
}
