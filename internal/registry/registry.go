// Package registry maintains the authoritative run documents in the object
// store. Every status transition, progress update, and log append goes
// through here, guarded by optimistic concurrency on the document's etag so
// API nodes, workers, and the janitor can write concurrently without a
// coordination service.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rosterline/platform/internal/domain"
	"github.com/rosterline/platform/internal/storage"
)

const contentTypeJSON = "application/json"

// Registry reads and writes run documents at runs/{run_id}/status.json and
// log segments at runs/{run_id}/logs/{seq}.json.
type Registry struct {
	store      storage.ObjectStore
	casRetries int
}

// New creates a Registry over the given store. casRetries bounds the
// compare-and-swap retry loop on contended updates.
func New(store storage.ObjectStore, casRetries int) *Registry {
	if casRetries <= 0 {
		casRetries = 8
	}
	return &Registry{store: store, casRetries: casRetries}
}

// Create persists a brand-new run document. The run starts queued with zero
// progress. Creating a run ID that already exists returns a Conflict error —
// run IDs are random, so a collision means a caller bug, not bad luck.
func (r *Registry) Create(ctx context.Context, runID, message string) (*domain.Run, error) {
	now := time.Now().UTC()
	run := &domain.Run{
		RunID:     runID,
		Status:    domain.RunStatusQueued,
		Progress:  0,
		Message:   message,
		CreatedAt: now,
		UpdatedAt: now,
		Etag:      1,
	}
	body, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal run %s: %w", runID, err)
	}
	if err := storage.CompareAndSwap(ctx, r.store, domain.RunStatusKey(runID), nil, body, contentTypeJSON); err != nil {
		return nil, err
	}
	return run, nil
}

// Read fetches the current run document. Missing runs surface as NotFound.
func (r *Registry) Read(ctx context.Context, runID string) (*domain.Run, error) {
	raw, err := r.store.Get(ctx, domain.RunStatusKey(runID))
	if err != nil {
		return nil, err
	}
	var run domain.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, domain.Errorf(domain.KindPermanent, "registry: corrupt run document %s: %v", runID, err)
	}
	return &run, nil
}

// Update applies mutate to the run document under optimistic concurrency:
// read, mutate, write-if-unchanged, retry on contention. The loop is bounded;
// exhaustion surfaces as Conflict.
//
// Three invariants are enforced here rather than in callers: terminal
// documents are frozen (any mutation attempt is a Conflict), progress never
// moves backwards — a stale writer's lower progress value is clamped up to
// the stored one — and progress 100 is reserved for completed runs.
func (r *Registry) Update(ctx context.Context, runID string, mutate func(*domain.Run) error) (*domain.Run, error) {
	key := domain.RunStatusKey(runID)

	for attempt := 0; attempt < r.casRetries; attempt++ {
		raw, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var run domain.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return nil, domain.Errorf(domain.KindPermanent, "registry: corrupt run document %s: %v", runID, err)
		}
		if run.Status.Terminal() {
			return nil, domain.Errorf(domain.KindConflict,
				"registry: run %s is already %s", runID, run.Status)
		}

		prevProgress := run.Progress
		if err := mutate(&run); err != nil {
			return nil, err
		}
		if run.Progress < prevProgress {
			run.Progress = prevProgress
		}
		// Progress 100 belongs to the completed transition alone: a solver
		// checkpoint reporting 100 before the run completes is held at 99,
		// and completion always lands exactly at 100.
		switch {
		case run.Status == domain.RunStatusCompleted:
			run.Progress = 100
		case run.Progress > 99:
			run.Progress = 99
		}
		run.RunID = runID
		run.UpdatedAt = time.Now().UTC()
		run.Etag++

		next, err := json.Marshal(&run)
		if err != nil {
			return nil, fmt.Errorf("registry: marshal run %s: %w", runID, err)
		}

		err = storage.CompareAndSwap(ctx, r.store, key, raw, next, contentTypeJSON)
		if err == nil {
			return &run, nil
		}
		if !domain.IsConflict(err) {
			return nil, err
		}
		casBackoff(ctx, attempt)
	}
	return nil, domain.Errorf(domain.KindConflict,
		"registry: run %s: update contention exceeded %d attempts", runID, r.casRetries)
}

// RequestCancel flips the cancel flag on a live run. Workers observe the flag
// at their next progress checkpoint. Cancelling a terminal run is a Conflict.
func (r *Registry) RequestCancel(ctx context.Context, runID string) (*domain.Run, error) {
	return r.Update(ctx, runID, func(run *domain.Run) error {
		run.CancelRequested = true
		run.Message = "cancellation requested"
		return nil
	})
}

// AppendLog reserves the next log sequence number through the document CAS,
// then writes the segment. Reserving first means two concurrent appenders can
// never write the same segment key; a crash between the reserve and the
// segment write leaves a gap in the sequence, which readers tolerate.
//
// The entry's Seq and TS are assigned here.
func (r *Registry) AppendLog(ctx context.Context, runID string, entry domain.LogEntry) (int64, error) {
	run, err := r.Update(ctx, runID, func(run *domain.Run) error {
		run.LogSeq++
		return nil
	})
	if err != nil {
		return 0, err
	}

	entry.Seq = run.LogSeq
	entry.TS = time.Now().UTC()
	if entry.Level == "" {
		entry.Level = "info"
	}
	body, err := json.Marshal(&entry)
	if err != nil {
		return 0, fmt.Errorf("registry: marshal log entry: %w", err)
	}
	if err := r.store.Put(ctx, domain.RunLogKey(runID, entry.Seq), body, contentTypeJSON); err != nil {
		return 0, err
	}
	return entry.Seq, nil
}

// ListLogs returns every stored log entry with seq > since, in ascending seq
// order. Segment keys are zero-padded, so store listing order is already
// sequence order; unparsable stragglers under the prefix are skipped.
func (r *Registry) ListLogs(ctx context.Context, runID string, since int64) ([]domain.LogEntry, error) {
	prefix := domain.RunLogsPrefix(runID)
	listing, err := r.store.List(ctx, prefix, "")
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LogEntry, 0, len(listing.Objects))
	for _, obj := range listing.Objects {
		seq, ok := parseLogSeq(prefix, obj.Key)
		if !ok || seq <= since {
			continue
		}
		raw, err := r.store.Get(ctx, obj.Key)
		if domain.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry domain.LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// ListRuns reads every run document under runs/. The janitor and health
// reporting use it; it is a full scan, sized for janitor cadence rather than
// request paths.
func (r *Registry) ListRuns(ctx context.Context) ([]*domain.Run, error) {
	listing, err := r.store.List(ctx, domain.RunsPrefix, "/")
	if err != nil {
		return nil, err
	}

	runs := make([]*domain.Run, 0, len(listing.CommonPrefixes))
	for _, cp := range listing.CommonPrefixes {
		runID := strings.TrimSuffix(strings.TrimPrefix(cp, domain.RunsPrefix), "/")
		if runID == "" {
			continue
		}
		run, err := r.Read(ctx, runID)
		if domain.IsNotFound(err) {
			// Deleted between list and read, or a logs/ prefix with no document.
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// CountActive returns the number of non-terminal runs.
func (r *Registry) CountActive(ctx context.Context) (int, error) {
	runs, err := r.ListRuns(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range runs {
		if !run.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// DeleteRun removes the run document and all log segments. Idempotent — the
// janitor may race another node over the same run.
func (r *Registry) DeleteRun(ctx context.Context, runID string) error {
	return r.store.DeletePrefix(ctx, domain.RunsPrefix+runID+"/")
}

// parseLogSeq extracts the sequence number from a log segment key.
func parseLogSeq(prefix, key string) (int64, bool) {
	name := strings.TrimPrefix(key, prefix)
	name = strings.TrimSuffix(name, ".json")
	seq, err := strconv.ParseInt(name, 10, 64)
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}

// casBackoff sleeps briefly with jitter before a CAS retry so contending
// writers fan out instead of colliding again in lockstep.
func casBackoff(ctx context.Context, attempt int) {
	base := 10 * time.Millisecond << uint(attempt)
	if base > 500*time.Millisecond {
		base = 500 * time.Millisecond
	}
	d := base/2 + time.Duration(rand.Int63n(int64(base/2)+1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
