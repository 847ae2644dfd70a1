package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rosterline/platform/internal/domain"
)

// activeCaseResponse wraps the raw case document with its save time.
type activeCaseResponse struct {
	Case         json.RawMessage `json:"case"`
	LastModified time.Time       `json:"last_modified"`
}

// HandleGetActiveCase returns the admin-curated active case document.
func (s *Server) HandleGetActiveCase(w http.ResponseWriter, r *http.Request) {
	data, modified, err := s.Cases.Active(r.Context())
	if err != nil {
		if domain.IsNotFound(err) {
			errorJSON(w, "no active case", "NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to read active case", err)
		return
	}
	writeJSON(w, http.StatusOK, activeCaseResponse{Case: data, LastModified: modified})
}

// HandleSaveCase replaces the active case, backing up the previous version.
func (s *Server) HandleSaveCase(w http.ResponseWriter, r *http.Request) {
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

	backupKey, err := s.Cases.Save(r.Context(), payload)
	if err != nil {
		if domain.IsKind(err, domain.KindValidation) {
			errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		internalError(w, "failed to save case", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "saved",
		"backup_key": backupKey,
	})
}
