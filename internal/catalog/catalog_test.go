package catalog_test

import (
	"archive/zip"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosterline/platform/internal/catalog"
	"github.com/rosterline/platform/internal/domain"
	"github.com/rosterline/platform/internal/storage"
)

func testCatalog(t *testing.T) (*catalog.Catalog, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	return catalog.New(store, 16), store
}

func writeFolder(t *testing.T, c *catalog.Catalog, runID string) string {
	t.Helper()
	folder, err := c.AllocateNext(context.Background())
	require.NoError(t, err)
	err = c.WriteResult(context.Background(), folder, []byte(`{"solutions":[]}`), domain.ResultMetadata{
		RunID:          runID,
		SolverType:     "greedy",
		SolutionsCount: 1,
		RuntimeSeconds: 2.5,
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	return folder
}

func TestCatalog_AllocateNext_Sequential(t *testing.T) {
	c, _ := testCatalog(t)
	ctx := context.Background()

	first, err := c.AllocateNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Result_1", first)

	second, err := c.AllocateNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Result_2", second)
}

func TestCatalog_AllocateNext_SkipsPastExistingFolders(t *testing.T) {
	c, store := testCatalog(t)
	ctx := context.Background()

	// A folder exists but the counter doesn't (restored bucket, wiped counter).
	require.NoError(t, store.Put(ctx, "Result_5/results.json", []byte("{}"), ""))

	folder, err := c.AllocateNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Result_6", folder)
}

func TestCatalog_AllocateNext_NumbersNeverReused(t *testing.T) {
	c, _ := testCatalog(t)
	ctx := context.Background()

	writeFolder(t, c, "r1")
	second := writeFolder(t, c, "r2")
	require.Equal(t, "Result_2", second)

	require.NoError(t, c.DeleteFolder(ctx, "Result_2"))

	// The counter remembers — Result_2 is gone for good.
	third, err := c.AllocateNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Result_3", third)
}

func TestCatalog_AllocateNext_ConcurrentAllocationsDistinct(t *testing.T) {
	c, _ := testCatalog(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	names := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			names[i], errs[i] = c.AllocateNext(ctx)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i := range n {
		require.NoError(t, errs[i], "allocation %d", i)
		assert.False(t, seen[names[i]], "duplicate allocation %s", names[i])
		seen[names[i]] = true
	}
}

func TestCatalog_ListFolders_NewestFirstAndExcludesIncomplete(t *testing.T) {
	c, store := testCatalog(t)
	ctx := context.Background()

	writeFolder(t, c, "r1") // Result_1
	writeFolder(t, c, "r2") // Result_2

	// An in-flight folder: results written, metadata not yet.
	inflight, err := c.AllocateNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, inflight+"/results.json", []byte("{}"), ""))

	// Junk that merely shares the prefix.
	require.NoError(t, store.Put(ctx, "Result_abc/metadata.json", []byte("{}"), ""))

	folders, err := c.ListFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "Result_2", folders[0].Name)
	assert.Equal(t, "Result_1", folders[1].Name)
	assert.Equal(t, 2, folders[0].FileCount)
	assert.Positive(t, folders[0].TotalSize)
	assert.Equal(t, "greedy", folders[0].SolverType)
}

func TestCatalog_DeleteFolder(t *testing.T) {
	c, store := testCatalog(t)
	ctx := context.Background()

	folder := writeFolder(t, c, "r1")
	require.Positive(t, store.Len())

	require.NoError(t, c.DeleteFolder(ctx, folder))
	require.NoError(t, c.DeleteFolder(ctx, folder)) // idempotent

	folders, err := c.ListFolders(ctx)
	require.NoError(t, err)
	assert.Empty(t, folders)

	err = c.DeleteFolder(ctx, "../../etc")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestCatalog_StreamZip_RoundTrip(t *testing.T) {
	c, _ := testCatalog(t)
	ctx := context.Background()

	folder := writeFolder(t, c, "r1")

	var buf bytes.Buffer
	require.NoError(t, c.StreamZip(ctx, folder, &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"results.json", "metadata.json"}, names)

	rc, err := zr.Open("results.json")
	require.NoError(t, err)
	defer rc.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(rc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"solutions":[]}`, out.String())
}

func TestCatalog_StreamZip_MissingOrIncomplete_NotFound(t *testing.T) {
	c, store := testCatalog(t)
	ctx := context.Background()

	var buf bytes.Buffer
	err := c.StreamZip(ctx, "Result_9", &buf)
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))

	// In-flight folder: objects present but no metadata.json yet.
	require.NoError(t, store.Put(ctx, "Result_9/results.json", []byte("{}"), ""))
	err = c.StreamZip(ctx, "Result_9", &buf)
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))

	err = c.StreamZip(ctx, "Result_0", &buf)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}
