// Package api provides the HTTP handlers for rosterd: job dispatch, run
// status and log streaming, result folder management, and the active case
// document. Handlers hold no state of their own — every read and write goes
// through the registry, catalog, queue, and case store, so any number of API
// nodes can serve the same bucket.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rosterline/platform/internal/cache"
	"github.com/rosterline/platform/internal/casestore"
	"github.com/rosterline/platform/internal/catalog"
	"github.com/rosterline/platform/internal/domain"
	"github.com/rosterline/platform/internal/queue"
	"github.com/rosterline/platform/internal/registry"
	"github.com/rosterline/platform/internal/storage"
)

// DefaultMaxCaseSize caps POST /solve and /case/save bodies when the Server
// doesn't set its own limit.
const DefaultMaxCaseSize = 10 << 20

// Structured error type codes, independent of the HTTP status code.
const (
	ErrorTypeValidation  = "VALIDATION"
	ErrorTypeNotFound    = "NOT_FOUND"
	ErrorTypeConflict    = "CONFLICT"
	ErrorTypeRateLimit   = "RATE_LIMIT"
	ErrorTypeInternal    = "INTERNAL"
	ErrorTypeUnavailable = "UNAVAILABLE"
)

// APIError is the JSON error envelope for every error response:
// {"error": {"code": "...", "type": "...", "message": "..."}}.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// errorTypeFromStatus maps HTTP status codes to broad error categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge:
		return ErrorTypeValidation
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusConflict:
		return ErrorTypeConflict
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorTypeUnavailable
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response. All API errors use this
// shape so clients handle a single format.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("encode error response failed", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic error.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// domainError maps a typed domain error onto the matching HTTP response.
func domainError(w http.ResponseWriter, err error) {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
	case domain.KindNotFound:
		errorJSON(w, err.Error(), "NOT_FOUND", http.StatusNotFound)
	case domain.KindConflict:
		errorJSON(w, err.Error(), "CONFLICT", http.StatusConflict)
	default:
		internalError(w, "internal error", err)
	}
}

// writeJSON encodes v and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Server holds dependencies for all handlers.
type Server struct {
	Registry *registry.Registry
	Catalog  *catalog.Catalog
	Queue    queue.Queue
	Cases    *casestore.Store
	// Store is used directly only by the dispatcher, which owns the
	// jobs/{run_id}/input.json writes.
	Store storage.ObjectStore

	// MaxCaseSize caps solve/case-save request bodies. Zero = DefaultMaxCaseSize.
	MaxCaseSize int64
	// Region is reported by GET /health.
	Region string
	// CORSOrigins defaults to ["http://localhost:3000"].
	CORSOrigins []string

	SSELimiter  *SSELimiter
	StoreHealth HealthChecker // object store reachability; nil = skip
	QueueHealth HealthChecker // queue reachability; nil = skip

	// RateLimit enables the per-IP limiter when non-nil. NewRouter fills
	// RateLimiterStop for main to call during shutdown.
	RateLimit       *RateLimitConfig
	RateLimiterStop func()

	// FolderCache takes result-folder listing load off the store; the folder
	// set only changes when a run completes or an admin deletes one.
	// Nil is safe — handlers check before using.
	FolderCache *cache.Cache[string, []domain.FolderSummary]
	// ActiveCache throttles the run scan behind GET /health, which
	// orchestrators probe every few seconds.
	ActiveCache *cache.Cache[string, int]
}

// maxCaseSize returns the configured body cap.
func (s *Server) maxCaseSize() int64 {
	if s.MaxCaseSize > 0 {
		return s.MaxCaseSize
	}
	return DefaultMaxCaseSize
}

// invalidateFolderCache drops the cached folder listing after any mutation.
func (s *Server) invalidateFolderCache() {
	if s.FolderCache != nil {
		s.FolderCache.Clear()
	}
}

// NewRouter creates a configured chi router with all routes mounted.
func NewRouter(srv *Server) chi.Router {
	if srv.SSELimiter == nil {
		srv.SSELimiter = NewSSELimiter()
	}
	if srv.FolderCache == nil {
		srv.FolderCache = cache.New[string, []domain.FolderSummary](cache.Options{})
	}
	if srv.ActiveCache == nil {
		srv.ActiveCache = cache.New[string, int](cache.Options{TTL: 5 * time.Second})
	}

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	if srv.RateLimit != nil {
		limiter, mw := RateLimit(*srv.RateLimit)
		srv.RateLimiterStop = limiter.Stop
		r.Use(mw)
	}

	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)
	r.Get("/metrics", srv.HandleMetrics)

	r.Post("/solve", srv.HandleSolve)
	r.Get("/status/{runID}", srv.HandleStatus)
	r.Post("/stop/{runID}", srv.HandleStop)
	r.Get("/logs/{runID}", srv.HandleLogs)

	r.Get("/results/folders", srv.HandleListFolders)
	r.Delete("/results/delete/{name}", srv.HandleDeleteFolder)
	r.Get("/download/folder/{name}", srv.HandleDownloadFolder)

	r.Get("/case/active", srv.HandleGetActiveCase)
	r.Post("/case/save", srv.HandleSaveCase)

	return r
}

// runIDParam pulls the run ID path parameter.
func runIDParam(r *http.Request) string {
	return chi.URLParam(r, "runID")
}
