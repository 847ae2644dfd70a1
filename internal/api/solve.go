package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/rosterline/platform/internal/domain"
	"github.com/rosterline/platform/internal/solver"
)

// solveResponse acknowledges an accepted run. The reported status is
// "processing" even though the run starts queued — from the client's point of
// view the solve is underway the moment the request is accepted.
type solveResponse struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// HandleSolve accepts a case payload and dispatches a solver run:
// store the case, create the registry record, enqueue the envelope. The
// handler never waits for the solver.
func (s *Server) HandleSolve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxCaseSize())
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorJSON(w, "case payload exceeds maximum size", "PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return
		}
		errorJSON(w, "failed to read request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if err := solver.ValidateCase(payload); err != nil {
		errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	runID := domain.NewRunID()

	if err := s.Store.Put(ctx, domain.JobInputKey(runID), payload, "application/json"); err != nil {
		internalError(w, "failed to store case payload", err)
		return
	}
	if _, err := s.Registry.Create(ctx, runID, "Optimization started"); err != nil {
		// No run document points at the payload, so the janitor will never
		// find it — remove it now instead of leaking it.
		if derr := s.Store.Delete(ctx, domain.JobInputKey(runID)); derr != nil {
			LoggerFromContext(ctx).Error("orphan payload cleanup failed", "run_id", runID, "error", derr)
		}
		internalError(w, "failed to create run", err)
		return
	}

	if err := s.Queue.Enqueue(ctx, domain.JobEnvelope{
		RunID:       runID,
		CasePointer: domain.JobInputKey(runID),
	}); err != nil {
		// The run exists but no worker will ever see it — resolve it now
		// rather than leaving a forever-queued record. The janitor reclaims
		// the orphaned jobs/ payload.
		LoggerFromContext(ctx).Error("enqueue failed", "run_id", runID, "error", err)
		if _, uerr := s.Registry.Update(ctx, runID, func(run *domain.Run) error {
			run.Status = domain.RunStatusFailed
			run.Error = "dispatch_failed"
			run.Message = "failed to enqueue job"
			return nil
		}); uerr != nil {
			LoggerFromContext(ctx).Error("mark dispatch failure failed", "run_id", runID, "error", uerr)
		}
		errorJSON(w, "job queue unavailable", "DISPATCH_FAILED", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, solveResponse{RunID: runID, Status: "processing", Progress: 0})
}
