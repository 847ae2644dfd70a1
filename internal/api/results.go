package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rosterline/platform/internal/domain"
)

// folderCacheKey is the single key in the folder listing cache.
const folderCacheKey = "all"

// HandleListFolders returns every completed result folder, newest first.
func (s *Server) HandleListFolders(w http.ResponseWriter, r *http.Request) {
	if s.FolderCache != nil {
		if folders, ok := s.FolderCache.Get(folderCacheKey); ok {
			writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
			return
		}
	}

	folders, err := s.Catalog.ListFolders(r.Context())
	if err != nil {
		internalError(w, "failed to list result folders", err)
		return
	}
	if s.FolderCache != nil {
		s.FolderCache.Set(folderCacheKey, folders)
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

// HandleDeleteFolder removes a result folder. Deleting is idempotent: a
// folder that is already gone still answers deleted.
func (s *Server) HandleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := domain.ParseResultFolder(name); !ok {
		errorJSON(w, "no such result folder", "NOT_FOUND", http.StatusNotFound)
		return
	}

	if err := s.Catalog.DeleteFolder(r.Context(), name); err != nil {
		internalError(w, "failed to delete result folder", err)
		return
	}
	s.invalidateFolderCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
