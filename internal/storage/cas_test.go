package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosterline/platform/internal/domain"
)

// fakeS3 is a minimal S3 endpoint backing conditional-write tests: GET and
// PUT on /{bucket}/{key}, honoring If-Match and If-None-Match the way MinIO
// does. onGet, when set, runs once between serving a read and the caller's
// next request, standing in for a concurrent writer landing in that window.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	rev     int
	onGet   func()
}

type fakeObject struct {
	data []byte
	etag string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) putLocked(key string, data []byte) {
	f.rev++
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key] = fakeObject{data: cp, etag: fmt.Sprintf("rev-%d", f.rev)}
}

func (f *fakeS3) set(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(key, data)
}

func (f *fakeS3) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj.data, ok
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	key := parts[1]

	switch r.Method {
	case http.MethodGet:
		f.mu.Lock()
		obj, ok := f.objects[key]
		hook := f.onGet
		f.onGet = nil
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// The hook mutates the store before the snapshot is served, so the
		// caller's follow-up PUT always sees the interloper's revision.
		if hook != nil {
			hook()
		}
		w.Header().Set("ETag", `"`+obj.etag+`"`)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.WriteHeader(http.StatusOK)
		w.Write(obj.data)

	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		obj, exists := f.objects[key]
		if r.Header.Get("If-None-Match") == "*" && exists {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		if m := r.Header.Get("If-Match"); m != "" {
			if !exists || m != `"`+obj.etag+`"` {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
		}
		f.putLocked(key, body)
		w.Header().Set("ETag", `"`+f.objects[key].etag+`"`)
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// newFakeS3Store wires an S3Store to an in-process fake endpoint. Signature
// V2 keeps request bodies unframed so the fake can read them verbatim.
func newFakeS3Store(t *testing.T) (*fakeS3, *S3Store) {
	t.Helper()
	backend := newFakeS3()
	ts := httptest.NewServer(backend)
	t.Cleanup(ts.Close)

	client, err := minio.New(strings.TrimPrefix(ts.URL, "http://"), &minio.Options{
		Creds:  credentials.NewStaticV2("test", "test", ""),
		Secure: false,
		Region: "us-east-1",
	})
	require.NoError(t, err)

	return backend, &S3Store{
		client:          client,
		bucket:          "rosterline",
		metadataTimeout: 2 * time.Second,
		dataTimeout:     2 * time.Second,
	}
}

func casStores(t *testing.T) map[string]ObjectStore {
	t.Helper()
	_, s3 := newFakeS3Store(t)
	return map[string]ObjectStore{
		"memory": NewMemStore(),
		"s3":     s3,
	}
}

func TestCompareAndSwap_CreateOnly(t *testing.T) {
	for name, store := range casStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, CompareAndSwap(ctx, store, "doc", nil, []byte(`{"v":1}`), "application/json"))

			data, err := store.Get(ctx, "doc")
			require.NoError(t, err)
			assert.Equal(t, `{"v":1}`, string(data))

			// Second create against an existing key loses.
			err = CompareAndSwap(ctx, store, "doc", nil, []byte(`{"v":9}`), "application/json")
			assert.True(t, domain.IsConflict(err))
		})
	}
}

func TestCompareAndSwap_ReplaceWithMatch(t *testing.T) {
	for name, store := range casStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v1 := []byte(`{"v":1}`)
			require.NoError(t, store.Put(ctx, "doc", v1, "application/json"))

			require.NoError(t, CompareAndSwap(ctx, store, "doc", v1, []byte(`{"v":2}`), "application/json"))

			data, err := store.Get(ctx, "doc")
			require.NoError(t, err)
			assert.Equal(t, `{"v":2}`, string(data))
		})
	}
}

func TestCompareAndSwap_StaleExpectedConflicts(t *testing.T) {
	for name, store := range casStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "doc", []byte(`{"v":2}`), "application/json"))

			err := CompareAndSwap(ctx, store, "doc", []byte(`{"v":1}`), []byte(`{"v":3}`), "application/json")
			assert.True(t, domain.IsConflict(err))

			// Loser must not have clobbered the document.
			data, err := store.Get(ctx, "doc")
			require.NoError(t, err)
			assert.Equal(t, `{"v":2}`, string(data))
		})
	}
}

func TestCompareAndSwap_VanishedDocumentConflicts(t *testing.T) {
	for name, store := range casStores(t) {
		t.Run(name, func(t *testing.T) {
			err := CompareAndSwap(context.Background(), store, "gone", []byte(`{"v":1}`), []byte(`{"v":2}`), "application/json")
			assert.True(t, domain.IsConflict(err))
		})
	}
}

// plainStore hides Swap. Stores without conditional writes cannot back the
// registry or catalog and must be rejected, not emulated.
type plainStore struct {
	ObjectStore
}

func TestCompareAndSwap_RejectsStoreWithoutSwap(t *testing.T) {
	store := plainStore{ObjectStore: NewMemStore()}
	err := CompareAndSwap(context.Background(), store, "doc", nil, []byte(`{"v":1}`), "application/json")
	require.Error(t, err)
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
}

// A writer that lands between the read and the conditional put changes the
// etag, so the put fails the If-Match precondition instead of clobbering.
func TestS3Swap_WriterBetweenReadAndPutConflicts(t *testing.T) {
	backend, store := newFakeS3Store(t)
	ctx := context.Background()

	backend.set("doc", []byte(`{"v":1}`))
	backend.onGet = func() {
		backend.set("doc", []byte(`{"v":7}`))
	}

	err := store.Swap(ctx, "doc", []byte(`{"v":1}`), []byte(`{"v":2}`), "application/json")
	assert.True(t, domain.IsConflict(err))

	// The interloper's write survives.
	data, ok := backend.get("doc")
	require.True(t, ok)
	assert.Equal(t, `{"v":7}`, string(data))
}

// Counter documents make the hardest case: two allocators bumping the same
// counter write byte-identical content, so no content comparison can tell
// the winner from the loser. The etag precondition still can.
func TestS3Swap_ConflictsEvenWhenRacingWriteIsByteIdentical(t *testing.T) {
	backend, store := newFakeS3Store(t)
	ctx := context.Background()

	next := []byte(`{"next":2}`)
	backend.set("counter", []byte(`{"next":1}`))
	backend.onGet = func() {
		backend.set("counter", next)
	}

	err := store.Swap(ctx, "counter", []byte(`{"next":1}`), next, "application/json")
	assert.True(t, domain.IsConflict(err))
}

func TestS3Swap_CreateRace_SecondCreateConflicts(t *testing.T) {
	backend, store := newFakeS3Store(t)
	ctx := context.Background()

	require.NoError(t, store.Swap(ctx, "doc", nil, []byte(`{"v":1}`), "application/json"))

	err := store.Swap(ctx, "doc", nil, []byte(`{"v":2}`), "application/json")
	assert.True(t, domain.IsConflict(err))

	data, ok := backend.get("doc")
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(data))
}

func TestMemStoreSwap_IsAtomicUnderContention(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "doc", []byte("0"), "text/plain"))

	// Racing writers all swap from the same expected value; exactly one wins.
	const writers = 16
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			results <- store.Swap(ctx, "doc", []byte("0"), []byte{byte('a' + i)}, "text/plain")
		}(i)
	}

	wins := 0
	for i := 0; i < writers; i++ {
		if err := <-results; err == nil {
			wins++
		} else {
			assert.True(t, domain.IsConflict(err))
		}
	}
	assert.Equal(t, 1, wins)
}
