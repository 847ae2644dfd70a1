package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rosterline/platform/internal/domain"
)

// countingWriter tracks whether any archive bytes reached the client, which
// decides between a clean error response and an aborted stream.
type countingWriter struct {
	io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.n += int64(n)
	return n, err
}

// HandleDownloadFolder streams a result folder as a ZIP archive. Only
// complete folders are served: an unknown name, an empty prefix, or an
// in-flight folder without metadata all answer 404.
func (s *Server) HandleDownloadFolder(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := domain.ParseResultFolder(name); !ok {
		errorJSON(w, "no such result folder", "NOT_FOUND", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.zip"`)

	cw := &countingWriter{Writer: w}
	if err := s.Catalog.StreamZip(r.Context(), name, cw); err != nil {
		if cw.n == 0 {
			// Nothing sent yet — headers above are still unflushed, so a
			// normal error response can replace them.
			w.Header().Del("Content-Disposition")
			if domain.IsNotFound(err) || domain.IsKind(err, domain.KindValidation) {
				errorJSON(w, "no such result folder", "NOT_FOUND", http.StatusNotFound)
				return
			}
			internalError(w, "failed to stream archive", err)
			return
		}
		// Mid-stream failure: the archive already carries a manifest entry
		// describing the truncation.
		LoggerFromContext(r.Context()).Error("archive stream aborted", "folder", name, "error", err)
	}
}
