package recstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "jobsched/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Dir: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	started := time.Now().Truncate(time.Millisecond)
	rec := Record{
		JobID:             "job-1",
		OwnerPID:          os.Getpid(),
		OwnerLabel:        "thread:0",
		FuncName:          "dump_articles",
		Args:              `{"source":"enwiki"}`,
		Category:          "dump",
		Source:            "enwiki",
		Step:              "download",
		Description:       "download article dump",
		MemoryRequirement: 64 << 20,
		SkipAdmission:     false,
		StartedAt:         started,
	}
	require.NoError(t, st.Create(ctx, rec))

	got, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, AreaActive, got.Area)
	require.Equal(t, rec.OwnerPID, got.OwnerPID)
	require.Equal(t, rec.OwnerLabel, got.OwnerLabel)
	require.Equal(t, rec.FuncName, got.FuncName)
	require.Equal(t, rec.Args, got.Args)
	require.Equal(t, rec.Category, got.Category)
	require.Equal(t, rec.Source, got.Source)
	require.Equal(t, rec.Step, got.Step)
	require.Equal(t, rec.Description, got.Description)
	require.Equal(t, rec.MemoryRequirement, got.MemoryRequirement)
	require.Equal(t, rec.SkipAdmission, got.SkipAdmission)
	require.True(t, got.StartedAt.Equal(started), "StartedAt = %v, want %v", got.StartedAt, started)
	require.Empty(t, got.Error)
	require.Empty(t, got.Trace)
}

func TestLifecycleCreateUpdateMove(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	rec := Record{JobID: "job-2", OwnerPID: 123, FuncName: "upload_batch"}
	require.NoError(t, st.Create(ctx, rec))

	n, err := st.CountActive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec.Duration = 1500 * time.Millisecond
	rec.Error = "boom"
	rec.Trace = "goroutine 1 [running]:\nmain.main()"
	require.NoError(t, st.Update(ctx, "job-2", rec))
	require.NoError(t, st.MoveToDone(ctx, "job-2"))

	n, err = st.CountActive(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	got, err := st.Get(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, AreaDone, got.Area)
	require.Equal(t, 1500*time.Millisecond, got.Duration)
	require.Equal(t, "boom", got.Error)
	require.NotEmpty(t, got.Trace)

	// Moving an already-done record is an error, not a silent no-op.
	require.ErrorIs(t, st.MoveToDone(ctx, "job-2"), ErrNotFound)
}

func TestUpdateMissingRecord(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	err := st.Update(context.Background(), "nope", Record{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListDoneConsume(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"d-c", "d-a", "d-b"} {
		require.NoError(t, st.Create(ctx, Record{
			JobID:     id,
			OwnerPID:  1,
			FuncName:  "build_index",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
		require.NoError(t, st.MoveToDone(ctx, id))
	}

	// Non-destructive read keeps records, sorted by start time.
	recs, err := st.ListDone(ctx, false)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, []string{"d-c", "d-a", "d-b"}, []string{recs[0].JobID, recs[1].JobID, recs[2].JobID})

	// Consuming read purges the done area.
	recs, err = st.ListDone(ctx, true)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	recs, err = st.ListDone(ctx, false)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestReconcileRemovesOrphans(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	self := os.Getpid()
	require.NoError(t, st.Create(ctx, Record{JobID: "live", OwnerPID: self, FuncName: "dump"}))
	require.NoError(t, st.Create(ctx, Record{JobID: "ghost", OwnerPID: 999999, FuncName: "dump"}))

	orphans, err := st.Reconcile(ctx, func(pid int) bool { return pid == self })
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "ghost", orphans[0].JobID)

	active, err := st.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "live", active[0].JobID)

	_, err = st.Get(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}
