// Package janitor is the background retention sweeper. On a cron schedule it
// reclaims job payloads of old terminal runs, fails runs stuck in processing,
// and removes orphaned result folders that never got their metadata written.
// Every deletion here has a single owner: the janitor is the only component
// that ever deletes jobs/ objects.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rosterline/platform/internal/domain"
	"github.com/rosterline/platform/internal/registry"
	"github.com/rosterline/platform/internal/storage"
)

// Defaults for the sweep thresholds.
const (
	DefaultRetention   = 7 * 24 * time.Hour // terminal runs' job payloads
	DefaultStuckAfter  = 24 * time.Hour     // processing with no update
	DefaultOrphanAfter = 24 * time.Hour     // result folder without metadata
)

// Options tunes a Janitor. Zero values take defaults.
type Options struct {
	Retention   time.Duration
	StuckAfter  time.Duration
	OrphanAfter time.Duration
	Logger      *slog.Logger
	// Now overrides the clock. Tests age objects by moving it forward.
	Now func() time.Time
}

// Stats summarizes one sweep.
type Stats struct {
	JobsDeleted    int
	RunsFailed     int
	OrphansDeleted int
}

// Janitor runs retention sweeps on a cron schedule.
type Janitor struct {
	store    storage.ObjectStore
	registry *registry.Registry
	schedule cron.Schedule

	retention   time.Duration
	stuckAfter  time.Duration
	orphanAfter time.Duration
	log         *slog.Logger
	now         func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Janitor from a standard 5-field cron expression.
func New(store storage.ObjectStore, reg *registry.Registry, cronExpr string, opts Options) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("janitor: parse cron %q: %w", cronExpr, err)
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = DefaultStuckAfter
	}
	if opts.OrphanAfter <= 0 {
		opts.OrphanAfter = DefaultOrphanAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Janitor{
		store:       store,
		registry:    reg,
		schedule:    schedule,
		retention:   opts.Retention,
		stuckAfter:  opts.StuckAfter,
		orphanAfter: opts.OrphanAfter,
		log:         opts.Logger,
		now:         opts.Now,
	}, nil
}

// Start launches the sweep loop in the background.
func (j *Janitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.run(ctx)
	j.log.Info("janitor started", "retention", j.retention.String())
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	j.log.Info("janitor stopped")
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.done)
	for {
		next := j.schedule.Next(j.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		j.safeSweep(ctx)
	}
}

// safeSweep isolates a panicking sweep from the loop.
func (j *Janitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("sweep panicked", "panic", fmt.Sprint(r))
		}
	}()
	stats, err := j.Sweep(ctx)
	if err != nil {
		j.log.Error("sweep failed", "error", err)
		return
	}
	j.log.Info("sweep finished",
		"jobs_deleted", stats.JobsDeleted,
		"runs_failed", stats.RunsFailed,
		"orphans_deleted", stats.OrphansDeleted)
}

// Sweep runs one full pass. Each phase tolerates individual failures and
// keeps going — a bad object must not block the rest of the sweep.
func (j *Janitor) Sweep(ctx context.Context) (Stats, error) {
	var stats Stats

	runs, err := j.registry.ListRuns(ctx)
	if err != nil {
		return stats, fmt.Errorf("janitor: list runs: %w", err)
	}
	now := j.now()

	for _, run := range runs {
		switch {
		case run.Status.Terminal() && now.Sub(run.UpdatedAt) > j.retention:
			if err := j.store.DeletePrefix(ctx, domain.JobsPrefix+run.RunID+"/"); err != nil {
				j.log.Warn("delete job payload failed", "run_id", run.RunID, "error", err)
				continue
			}
			stats.JobsDeleted++

		case run.Status == domain.RunStatusProcessing && now.Sub(run.UpdatedAt) > j.stuckAfter:
			_, err := j.registry.Update(ctx, run.RunID, func(r *domain.Run) error {
				r.Status = domain.RunStatusFailed
				r.Error = "stuck: no progress for " + j.stuckAfter.String()
				r.Message = "failed by janitor"
				return nil
			})
			if err != nil {
				// Conflict means the run resolved or moved since we listed it.
				if !domain.IsConflict(err) {
					j.log.Warn("fail stuck run failed", "run_id", run.RunID, "error", err)
				}
				continue
			}
			j.log.Warn("failed stuck run", "run_id", run.RunID)
			stats.RunsFailed++
		}
	}

	orphans, err := j.sweepOrphans(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.OrphansDeleted = orphans
	return stats, nil
}

// sweepOrphans deletes result folders that have objects but no metadata.json
// and have not been touched within the orphan window — the leftovers of a
// worker that died between upload and completion.
func (j *Janitor) sweepOrphans(ctx context.Context, now time.Time) (int, error) {
	listing, err := j.store.List(ctx, domain.ResultsPrefix, "/")
	if err != nil {
		return 0, fmt.Errorf("janitor: list result folders: %w", err)
	}

	deleted := 0
	for _, cp := range listing.CommonPrefixes {
		name := strings.TrimSuffix(cp, "/")
		if _, ok := domain.ParseResultFolder(name); !ok {
			continue
		}
		if _, err := j.store.Head(ctx, name+"/metadata.json"); err == nil {
			continue // complete folder
		} else if !domain.IsNotFound(err) {
			j.log.Warn("head metadata failed", "folder", name, "error", err)
			continue
		}

		contents, err := j.store.List(ctx, name+"/", "")
		if err != nil {
			j.log.Warn("list folder failed", "folder", name, "error", err)
			continue
		}
		newest := time.Time{}
		for _, obj := range contents.Objects {
			if obj.Modified.After(newest) {
				newest = obj.Modified
			}
		}
		if now.Sub(newest) <= j.orphanAfter {
			continue // a worker may still be assembling it
		}
		if err := j.store.DeletePrefix(ctx, name+"/"); err != nil {
			j.log.Warn("delete orphan folder failed", "folder", name, "error", err)
			continue
		}
		j.log.Info("deleted orphan result folder", "folder", name)
		deleted++
	}
	return deleted, nil
}
