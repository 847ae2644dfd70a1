// Package worker implements the solve loop: dequeue an envelope, load the
// case, run the solver with progress checkpoints, publish the result folder,
// and resolve the queue delivery. One worker processes one job at a time —
// the solver is CPU-bound, and fleet parallelism comes from more instances.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rosterline/platform/internal/catalog"
	"github.com/rosterline/platform/internal/domain"
	"github.com/rosterline/platform/internal/queue"
	"github.com/rosterline/platform/internal/registry"
	"github.com/rosterline/platform/internal/solver"
	"github.com/rosterline/platform/internal/storage"
)

// errVisibilityLost aborts a solve whose queue delivery can no longer be
// renewed. The run is left untouched: whoever receives the redelivery owns it.
var errVisibilityLost = errors.New("worker: queue visibility lost")

// DefaultReceiveWait is the long-poll window for an empty queue.
const DefaultReceiveWait = 20 * time.Second

// Options tunes a Worker. Zero values take defaults.
type Options struct {
	// Visibility is the queue redelivery window; the heartbeat renews it at
	// a third of this interval.
	Visibility time.Duration
	// ReceiveWait is the long-poll window per receive.
	ReceiveWait time.Duration
	Logger      *slog.Logger
}

// Worker runs solve jobs from the queue.
type Worker struct {
	queue    queue.Queue
	store    storage.ObjectStore
	registry *registry.Registry
	catalog  *catalog.Catalog
	solver   solver.Solver

	visibility  time.Duration
	receiveWait time.Duration
	log         *slog.Logger
}

// New wires a Worker from its collaborators.
func New(q queue.Queue, store storage.ObjectStore, reg *registry.Registry, cat *catalog.Catalog, s solver.Solver, opts Options) *Worker {
	if opts.Visibility <= 0 {
		opts.Visibility = queue.DefaultVisibilityTimeout
	}
	if opts.ReceiveWait <= 0 {
		opts.ReceiveWait = DefaultReceiveWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		queue:       q,
		store:       store,
		registry:    reg,
		catalog:     cat,
		solver:      s,
		visibility:  opts.Visibility,
		receiveWait: opts.ReceiveWait,
		log:         opts.Logger,
	}
}

// Run processes jobs until ctx is cancelled. Receive errors are logged and
// retried — a flapping queue must not kill the worker.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "solver", w.solver.Name(), "visibility", w.visibility.String())
	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping")
			return nil
		}
		if err := w.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				w.log.Info("worker stopping")
				return nil
			}
			w.log.Error("receive failed", "error", err)
			sleep(ctx, 2*time.Second)
		}
	}
}

// ProcessNext receives at most one delivery and processes it to resolution.
// Returns nil when the receive window elapses empty.
func (w *Worker) ProcessNext(ctx context.Context) error {
	msg, err := w.queue.Receive(ctx, w.receiveWait)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	w.process(ctx, msg)
	return nil
}

func (w *Worker) process(ctx context.Context, msg *queue.Message) {
	runID := msg.Envelope.RunID
	log := w.log.With("run_id", runID)

	run, err := w.registry.Read(ctx, runID)
	switch {
	case domain.IsNotFound(err):
		// The run document is gone (janitor, manual cleanup). Nothing left
		// to do for this delivery.
		log.Warn("dropping delivery for unknown run")
		w.ack(ctx, msg.Handle, log)
		return
	case err != nil:
		log.Error("read run failed, leaving delivery for retry", "error", err)
		return
	case run.Status.Terminal():
		// Redelivery of an already-resolved job. Terminal transitions happen
		// exactly once, so this only acknowledges.
		log.Info("dropping redelivery of resolved run", "status", string(run.Status))
		w.ack(ctx, msg.Handle, log)
		return
	}

	if _, err := w.registry.Update(ctx, runID, func(r *domain.Run) error {
		r.Status = domain.RunStatusProcessing
		r.Message = "solver started"
		return nil
	}); err != nil {
		if domain.IsConflict(err) {
			log.Info("run resolved before processing started")
			w.ack(ctx, msg.Handle, log)
			return
		}
		log.Error("mark processing failed, leaving delivery for retry", "error", err)
		return
	}
	if _, err := w.registry.AppendLog(ctx, runID, domain.LogEntry{Message: "job dequeued, solver starting"}); err != nil {
		log.Warn("append log failed", "error", err)
	}

	caseData, err := w.store.Get(ctx, msg.Envelope.CasePointer)
	switch {
	case domain.IsNotFound(err):
		w.fail(ctx, runID, msg.Handle, "case payload missing", log)
		return
	case err != nil:
		log.Error("load case failed, leaving delivery for retry", "error", err)
		return
	}

	// The heartbeat renews queue visibility while the solver grinds; losing
	// it cancels the solve so two workers never finish the same delivery.
	solveCtx, cancelSolve := context.WithCancelCause(ctx)
	defer cancelSolve(nil)
	hbDone := make(chan struct{})
	go w.heartbeat(solveCtx, cancelSolve, msg.Handle, log, hbDone)

	started := time.Now()
	log.Info("solve starting", "solver", w.solver.Name(), "case_bytes", len(caseData))
	res, solveErr := w.solver.Solve(solveCtx, caseData, w.progressFunc(solveCtx, runID))
	cancelSolve(nil)
	<-hbDone

	switch {
	case ctx.Err() != nil:
		// Shutdown mid-solve: leave the delivery in flight for redelivery.
		log.Info("solve interrupted by shutdown")
	case errors.Is(context.Cause(solveCtx), errVisibilityLost):
		log.Warn("visibility lost, abandoning solve for redelivery")
	case solveErr == nil:
		w.complete(ctx, runID, msg.Handle, res, time.Since(started), log)
	case errors.Is(solveErr, solver.ErrCancelled):
		w.cancelled(ctx, runID, msg.Handle, log)
	case domain.IsTransient(solveErr):
		log.Warn("transient solve failure, leaving delivery for retry", "error", solveErr)
	default:
		w.fail(ctx, runID, msg.Handle, solveErr.Error(), log)
	}
}

// progressFunc builds the solver checkpoint callback: persist progress, emit
// a log entry, and observe the cancel flag. This is the only point where a
// stop request reaches the solver.
func (w *Worker) progressFunc(ctx context.Context, runID string) solver.Progress {
	return func(pct int, message string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		run, err := w.registry.Update(ctx, runID, func(r *domain.Run) error {
			r.Progress = pct
			r.Message = message
			return nil
		})
		if err != nil {
			if domain.IsConflict(err) {
				// Run was resolved externally; unwind like a cancellation.
				return solver.ErrCancelled
			}
			return err
		}
		p := pct
		if _, err := w.registry.AppendLog(ctx, runID, domain.LogEntry{Message: message, Progress: &p}); err != nil && !domain.IsConflict(err) {
			return err
		}
		if run.CancelRequested {
			return solver.ErrCancelled
		}
		return nil
	}
}

// heartbeat extends queue visibility at a third of the window. A NotFound
// (delivery reclaimed or acknowledged elsewhere) or two consecutive failures
// abort the solve.
func (w *Worker) heartbeat(ctx context.Context, abort context.CancelCauseFunc, handle string, log *slog.Logger, done chan<- struct{}) {
	defer close(done)
	interval := w.visibility / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.ExtendVisibility(ctx, handle, w.visibility)
			if err == nil {
				failures = 0
				continue
			}
			if domain.IsNotFound(err) {
				log.Warn("delivery no longer in flight")
				abort(errVisibilityLost)
				return
			}
			failures++
			log.Warn("visibility heartbeat failed", "error", err, "consecutive", failures)
			if failures >= 2 {
				abort(errVisibilityLost)
				return
			}
		}
	}
}

// complete publishes the result folder and transitions the run to completed.
// The folder is fully written (metadata last) before the transition, so a
// completed run always points at a complete folder.
func (w *Worker) complete(ctx context.Context, runID, handle string, res *solver.Result, elapsed time.Duration, log *slog.Logger) {
	folder, err := w.catalog.AllocateNext(ctx)
	if err != nil {
		log.Error("allocate result folder failed, leaving delivery for retry", "error", err)
		return
	}
	meta := domain.ResultMetadata{
		RunID:          runID,
		SolverType:     res.SolverType,
		SolutionsCount: res.SolutionsCount,
		RuntimeSeconds: elapsed.Seconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := w.catalog.WriteResult(ctx, folder, res.Output, meta); err != nil {
		log.Error("upload result failed, leaving delivery for retry", "error", err, "folder", folder)
		return
	}

	// Terminal documents are frozen, so the final log precedes the transition.
	if _, err := w.registry.AppendLog(ctx, runID, domain.LogEntry{
		Message: "results uploaded to " + folder,
	}); err != nil && !domain.IsConflict(err) {
		log.Warn("append log failed", "error", err)
	}
	if _, err := w.registry.Update(ctx, runID, func(r *domain.Run) error {
		r.Status = domain.RunStatusCompleted
		r.Progress = 100
		r.ResultFolder = folder
		r.Message = "solve complete"
		return nil
	}); err != nil {
		if domain.IsConflict(err) {
			// Resolved underneath us; the folder stays, the janitor never
			// touches complete folders.
			log.Warn("run resolved before completion recorded", "folder", folder)
			w.ack(ctx, handle, log)
			return
		}
		log.Error("mark completed failed, leaving delivery for retry", "error", err)
		return
	}
	log.Info("solve completed", "folder", folder, "solutions", res.SolutionsCount, "elapsed", elapsed.String())
	w.ack(ctx, handle, log)
}

// cancelled records the cooperative cancellation and resolves the delivery.
func (w *Worker) cancelled(ctx context.Context, runID, handle string, log *slog.Logger) {
	if _, err := w.registry.AppendLog(ctx, runID, domain.LogEntry{Message: "solve cancelled"}); err != nil && !domain.IsConflict(err) {
		log.Warn("append log failed", "error", err)
	}
	if _, err := w.registry.Update(ctx, runID, func(r *domain.Run) error {
		r.Status = domain.RunStatusCancelled
		r.Message = "cancelled by request"
		return nil
	}); err != nil && !domain.IsConflict(err) {
		log.Error("mark cancelled failed, leaving delivery for retry", "error", err)
		return
	}
	log.Info("solve cancelled")
	w.ack(ctx, handle, log)
}

// fail records a permanent failure and resolves the delivery — redelivering a
// job that fails deterministically would loop forever.
func (w *Worker) fail(ctx context.Context, runID, handle, reason string, log *slog.Logger) {
	if _, err := w.registry.AppendLog(ctx, runID, domain.LogEntry{Level: "error", Message: reason}); err != nil && !domain.IsConflict(err) {
		log.Warn("append log failed", "error", err)
	}
	if _, err := w.registry.Update(ctx, runID, func(r *domain.Run) error {
		r.Status = domain.RunStatusFailed
		r.Error = reason
		r.Message = "solve failed"
		return nil
	}); err != nil && !domain.IsConflict(err) {
		log.Error("mark failed failed, leaving delivery for retry", "error", err)
		return
	}
	log.Error("solve failed", "reason", reason)
	w.ack(ctx, handle, log)
}

// ack deletes the queue delivery. Failure is logged, not retried here: the
// run is already terminal, so an eventual redelivery resolves as a no-op.
func (w *Worker) ack(ctx context.Context, handle string, log *slog.Logger) {
	if err := w.queue.Delete(ctx, handle); err != nil {
		log.Warn("delete delivery failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
