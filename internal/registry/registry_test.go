package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosterline/platform/internal/domain"
	"github.com/rosterline/platform/internal/registry"
	"github.com/rosterline/platform/internal/storage"
)

func testRegistry(t *testing.T) (*registry.Registry, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	return registry.New(store, 8), store
}

func TestRegistry_CreateAndRead(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "r1", "queued for processing")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, created.Status)
	assert.Equal(t, 0, created.Progress)
	assert.Equal(t, int64(1), created.Etag)

	got, err := reg.Read(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, created.RunID, got.RunID)
	assert.Equal(t, created.Status, got.Status)
	assert.Equal(t, created.Etag, got.Etag)
}

func TestRegistry_CreateDuplicate_Conflict(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "r1", "")
	require.NoError(t, err)

	_, err = reg.Create(ctx, "r1", "")
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestRegistry_ReadMissing_NotFound(t *testing.T) {
	reg, _ := testRegistry(t)

	_, err := reg.Read(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestRegistry_Update_AdvancesEtag(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "r1", "")
	require.NoError(t, err)

	updated, err := reg.Update(ctx, "r1", func(run *domain.Run) error {
		run.Status = domain.RunStatusProcessing
		run.Progress = 10
		run.Message = "solving"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusProcessing, updated.Status)
	assert.Equal(t, 10, updated.Progress)
	assert.Equal(t, int64(2), updated.Etag)

	got, err := reg.Read(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, updated.Etag, got.Etag)
	assert.Equal(t, "solving", got.Message)
}

func TestRegistry_Update_TerminalRunIsFrozen(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "r1", "")
	require.NoError(t, err)
	_, err = reg.Update(ctx, "r1", func(run *domain.Run) error {
		run.Status = domain.RunStatusCompleted
		run.Progress = 100
		return nil
	})
	require.NoError(t, err)

	_, err = reg.Update(ctx, "r1", func(run *domain.Run) error {
		run.Status = domain.RunStatusFailed
		return nil
	})
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))

	got, err := reg.Read(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
}

func TestRegistry_Update_ProgressNeverDecreases(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "r1", "")
	require.NoError(t, err)
	_, err = reg.Update(ctx, "r1", func(run *domain.Run) error {
		run.Status = domain.RunStatusProcessing
		run.Progress = 60
		return nil
	})
	require.NoError(t, err)

	// A stale writer reporting lower progress gets clamped up.
	got, err := reg.Update(ctx, "r1", func(run *domain.Run) error {
		run.Progress = 40
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 60, got.Progress)

	// And a live run's progress caps at 99 — 100 is reserved for completion.
	got, err = reg.Update(ctx, "r1", func(run *domain.Run) error {
		run.Progress = 250
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 99, got.Progress)
}

func TestRegistry_Update_ProgressHundredOnlyWhenCompleted(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "r1", "")
	require.NoError(t, err)

	// Solvers are external callables and may report a 100% checkpoint before
	// returning; the run must not look finished while it is still processing.
	got, err := reg.Update(ctx, "r1", func(run *domain.Run) error {
		run.Status = domain.RunStatusProcessing
		run.Progress = 100
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusProcessing, got.Status)
	assert.Equal(t, 99, got.Progress)

	// The completed transition always lands exactly at 100.
	got, err = reg.Update(ctx, "r1", func(run *domain.Run) error {
		run.Status = domain.RunStatusCompleted
		run.ResultFolder = "Result_1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestRegistry_Update_ConcurrentWritersAllLand(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "r1", "")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Update(ctx, "r1", func(run *domain.Run) error {
				run.Message = fmt.Sprintf("writer-%d", i)
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	got, err := reg.Read(ctx, "r1")
	require.NoError(t, err)
	// Create was etag 1; every writer advanced it exactly once.
	assert.Equal(t, int64(1+writers), got.Etag)
}

func TestRegistry_RequestCancel(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "r1", "")
	require.NoError(t, err)

	got, err := reg.RequestCancel(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	// Cancel is a request, not a transition — the run stays live until the
	// worker observes the flag.
	assert.False(t, got.Status.Terminal())

	_, err = reg.Update(ctx, "r1", func(run *domain.Run) error {
		run.Status = domain.RunStatusCancelled
		return nil
	})
	require.NoError(t, err)

	_, err = reg.RequestCancel(ctx, "r1")
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestRegistry_AppendLog_SequencesAndListing(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "r1", "")
	require.NoError(t, err)

	for i, msg := range []string{"parsing case", "building schedule", "writing results"} {
		seq, err := reg.AppendLog(ctx, "r1", domain.LogEntry{Message: msg})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	all, err := reg.ListLogs(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(1), all[0].Seq)
	assert.Equal(t, "parsing case", all[0].Message)
	assert.Equal(t, int64(3), all[2].Seq)

	tail, err := reg.ListLogs(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "writing results", tail[0].Message)

	none, err := reg.ListLogs(ctx, "r1", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegistry_AppendLog_TerminalRun_Conflict(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "r1", "")
	require.NoError(t, err)
	_, err = reg.Update(ctx, "r1", func(run *domain.Run) error {
		run.Status = domain.RunStatusFailed
		run.Error = "solver crashed"
		return nil
	})
	require.NoError(t, err)

	_, err = reg.AppendLog(ctx, "r1", domain.LogEntry{Message: "late"})
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestRegistry_ListRunsAndCountActive(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		_, err := reg.Create(ctx, id, "")
		require.NoError(t, err)
	}
	_, err := reg.Update(ctx, "r2", func(run *domain.Run) error {
		run.Status = domain.RunStatusCompleted
		run.Progress = 100
		return nil
	})
	require.NoError(t, err)

	runs, err := reg.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	active, err := reg.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, active)
}

func TestRegistry_DeleteRun_RemovesDocumentAndLogs(t *testing.T) {
	reg, store := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "r1", "")
	require.NoError(t, err)
	_, err = reg.AppendLog(ctx, "r1", domain.LogEntry{Message: "hello"})
	require.NoError(t, err)
	require.Positive(t, store.Len())

	require.NoError(t, reg.DeleteRun(ctx, "r1"))
	assert.Zero(t, store.Len())

	_, err = reg.Read(ctx, "r1")
	assert.True(t, domain.IsNotFound(err))

	// Idempotent.
	require.NoError(t, reg.DeleteRun(ctx, "r1"))
}
