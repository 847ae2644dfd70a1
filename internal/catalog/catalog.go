// Package catalog manages the durable result folders (Result_1, Result_2, …)
// and the counter that hands out their numbers. Folder numbers are allocated
// through a compare-and-swap on a counter document, reconciled against the
// folders actually present, so concurrent workers never claim the same name
// and deleting old folders never causes a number to be reused.
package catalog

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rosterline/platform/internal/domain"
	"github.com/rosterline/platform/internal/storage"
)

const contentTypeJSON = "application/json"

// counterDoc is the allocation counter, stored at results/_counter.json.
type counterDoc struct {
	Next int64 `json:"next"` // next number to hand out
}

// Catalog reads and writes result folders in the object store.
type Catalog struct {
	store        storage.ObjectStore
	allocRetries int
}

// New creates a Catalog over the given store. allocRetries bounds the
// counter CAS loop under allocation contention.
func New(store storage.ObjectStore, allocRetries int) *Catalog {
	if allocRetries <= 0 {
		allocRetries = 16
	}
	return &Catalog{store: store, allocRetries: allocRetries}
}

// AllocateNext claims the next result folder name. The claimed number is
// max(counter, highest existing folder + 1), so the counter self-heals if it
// is ever deleted or lags behind the folders on disk. The claim itself is the
// counter CAS — two racing workers cannot both win the same number.
func (c *Catalog) AllocateNext(ctx context.Context) (string, error) {
	for attempt := 0; attempt < c.allocRetries; attempt++ {
		raw, err := c.store.Get(ctx, domain.CounterKey)
		var expected []byte
		var counter counterDoc
		switch {
		case domain.IsNotFound(err):
			expected = nil
			counter.Next = 1
		case err != nil:
			return "", err
		default:
			expected = raw
			if err := json.Unmarshal(raw, &counter); err != nil {
				return "", domain.Errorf(domain.KindPermanent, "catalog: corrupt counter: %v", err)
			}
			if counter.Next < 1 {
				counter.Next = 1
			}
		}

		highest, err := c.highestFolder(ctx)
		if err != nil {
			return "", err
		}
		n := counter.Next
		if highest >= n {
			n = highest + 1
		}

		next, err := json.Marshal(counterDoc{Next: n + 1})
		if err != nil {
			return "", fmt.Errorf("catalog: marshal counter: %w", err)
		}
		err = storage.CompareAndSwap(ctx, c.store, domain.CounterKey, expected, next, contentTypeJSON)
		if err == nil {
			return domain.ResultFolderName(n), nil
		}
		if !domain.IsConflict(err) {
			return "", err
		}
	}
	return "", domain.Errorf(domain.KindConflict,
		"catalog: allocation contention exceeded %d attempts", c.allocRetries)
}

// highestFolder returns the largest Result_N suffix present, 0 if none.
func (c *Catalog) highestFolder(ctx context.Context) (int64, error) {
	listing, err := c.store.List(ctx, domain.ResultsPrefix, "/")
	if err != nil {
		return 0, err
	}
	var highest int64
	for _, cp := range listing.CommonPrefixes {
		name := strings.TrimSuffix(cp, "/")
		if n, ok := domain.ParseResultFolder(name); ok && n > highest {
			highest = n
		}
	}
	return highest, nil
}

// WriteResult persists the solver output and then the metadata document into
// an allocated folder. Metadata is written last: a folder becomes visible to
// listings only once it is complete.
func (c *Catalog) WriteResult(ctx context.Context, folder string, results []byte, meta domain.ResultMetadata) error {
	if _, ok := domain.ParseResultFolder(folder); !ok {
		return domain.Errorf(domain.KindValidation, "catalog: invalid folder name %q", folder)
	}
	if err := c.store.Put(ctx, folder+"/results.json", results, contentTypeJSON); err != nil {
		return err
	}
	body, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("catalog: marshal metadata: %w", err)
	}
	return c.store.Put(ctx, folder+"/metadata.json", body, contentTypeJSON)
}

// ListFolders returns every completed result folder, newest (highest number)
// first. Folders without a metadata.json are still being assembled by a
// worker and are excluded.
func (c *Catalog) ListFolders(ctx context.Context) ([]domain.FolderSummary, error) {
	listing, err := c.store.List(ctx, domain.ResultsPrefix, "/")
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.FolderSummary, 0, len(listing.CommonPrefixes))
	for _, cp := range listing.CommonPrefixes {
		name := strings.TrimSuffix(cp, "/")
		if _, ok := domain.ParseResultFolder(name); !ok {
			continue
		}
		summary, err := c.summarize(ctx, name)
		if domain.IsNotFound(err) {
			continue // in-flight folder, no metadata yet
		}
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		ni, _ := domain.ParseResultFolder(summaries[i].Name)
		nj, _ := domain.ParseResultFolder(summaries[j].Name)
		return ni > nj
	})
	return summaries, nil
}

// summarize builds one folder's listing entry from its metadata and contents.
func (c *Catalog) summarize(ctx context.Context, name string) (*domain.FolderSummary, error) {
	raw, err := c.store.Get(ctx, name+"/metadata.json")
	if err != nil {
		return nil, err
	}
	var meta domain.ResultMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, domain.Errorf(domain.KindPermanent, "catalog: corrupt metadata in %s: %v", name, err)
	}

	listing, err := c.store.List(ctx, name+"/", "")
	if err != nil {
		return nil, err
	}
	var total int64
	for _, obj := range listing.Objects {
		total += obj.Size
	}
	return &domain.FolderSummary{
		Name:           name,
		Created:        meta.CreatedAt,
		FileCount:      len(listing.Objects),
		TotalSize:      total,
		RuntimeSeconds: meta.RuntimeSeconds,
		SolutionsCount: meta.SolutionsCount,
		SolverType:     meta.SolverType,
	}, nil
}

// DeleteFolder removes a result folder and everything in it. Idempotent;
// invalid names are rejected before touching the store.
func (c *Catalog) DeleteFolder(ctx context.Context, name string) error {
	if _, ok := domain.ParseResultFolder(name); !ok {
		return domain.Errorf(domain.KindValidation, "catalog: invalid folder name %q", name)
	}
	return c.store.DeletePrefix(ctx, name+"/")
}

// StreamZip writes the folder's contents as a ZIP archive to w. The archive
// is assembled object by object — nothing is buffered beyond a single file.
// An empty or in-flight folder (no metadata.json) is NotFound: downloads only
// serve completed results.
func (c *Catalog) StreamZip(ctx context.Context, name string, w io.Writer) error {
	if _, ok := domain.ParseResultFolder(name); !ok {
		return domain.Errorf(domain.KindValidation, "catalog: invalid folder name %q", name)
	}
	listing, err := c.store.List(ctx, name+"/", "")
	if err != nil {
		return err
	}
	if len(listing.Objects) == 0 {
		return domain.Errorf(domain.KindNotFound, "catalog: folder %s not found", name)
	}
	complete := false
	for _, obj := range listing.Objects {
		if obj.Key == name+"/metadata.json" {
			complete = true
			break
		}
	}
	if !complete {
		return domain.Errorf(domain.KindNotFound, "catalog: folder %s is not complete", name)
	}

	// Store-only: solver artifacts are JSON blobs small enough that deflate
	// buys little, and stored entries let the archive stream straight through.
	zw := zip.NewWriter(w)
	for _, obj := range listing.Objects {
		data, err := c.store.Get(ctx, obj.Key)
		if domain.IsNotFound(err) {
			continue // deleted mid-stream
		}
		if err != nil {
			// The response is already partially written; leave a manifest
			// entry naming the failure so the truncated archive explains
			// itself, then abort.
			writeZipError(zw, obj.Key, err)
			zw.Close()
			return err
		}
		fw, err := zw.CreateHeader(zipHeader(strings.TrimPrefix(obj.Key, name+"/"), obj.Modified))
		if err != nil {
			return fmt.Errorf("catalog: zip header %s: %w", obj.Key, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("catalog: zip write %s: %w", obj.Key, err)
		}
	}
	return zw.Close()
}

func zipHeader(name string, modified time.Time) *zip.FileHeader {
	if modified.IsZero() {
		modified = time.Now()
	}
	return &zip.FileHeader{Name: name, Method: zip.Store, Modified: modified}
}

// writeZipError appends a manifest entry describing an aborted stream.
func writeZipError(zw *zip.Writer, key string, cause error) {
	fw, err := zw.CreateHeader(zipHeader("_MANIFEST_ERROR.txt", time.Now()))
	if err != nil {
		return
	}
	fmt.Fprintf(fw, "archive truncated: failed reading %s: %v\n", key, cause)
}
