package api

import (
	"net/http"
	"time"

	"github.com/rosterline/platform/internal/domain"
)

// statusResponse is the public view of a run document. Internal bookkeeping
// fields (etag, log_seq) stay out of the API shape.
type statusResponse struct {
	RunID           string    `json:"run_id"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	Message         string    `json:"message"`
	ResultFolder    string    `json:"result_folder,omitempty"`
	Error           string    `json:"error,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func runToStatus(run *domain.Run) statusResponse {
	return statusResponse{
		RunID:           run.RunID,
		Status:          string(run.Status),
		Progress:        run.Progress,
		Message:         run.Message,
		ResultFolder:    run.ResultFolder,
		Error:           run.Error,
		CancelRequested: run.CancelRequested,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}
}

// HandleStatus returns the current run document.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.Registry.Read(r.Context(), runIDParam(r))
	if err != nil {
		if domain.IsNotFound(err) {
			errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to read run", err)
		return
	}
	writeJSON(w, http.StatusOK, runToStatus(run))
}

// HandleStop requests cooperative cancellation. The worker observes the flag
// at its next progress checkpoint; this endpoint never kills anything.
func (s *Server) HandleStop(w http.ResponseWriter, r *http.Request) {
	_, err := s.Registry.RequestCancel(r.Context(), runIDParam(r))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
	case domain.IsNotFound(err):
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
	case domain.IsConflict(err):
		errorJSON(w, "run is already finished", "ALREADY_TERMINAL", http.StatusConflict)
	default:
		internalError(w, "failed to request cancellation", err)
	}
}
