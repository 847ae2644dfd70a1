package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// requestIDHeader is the canonical header for request ID propagation,
// recognized by proxies and load balancers.
const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// ContextWithRequestID stores a request ID in the context. Handlers get this
// from the middleware; background jobs can inject their own correlation ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext extracts the request ID, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestID propagates the incoming X-Request-ID header or generates a fresh
// UUID, stores it in the context together with a request-scoped logger, and
// echoes it on the response so clients can correlate.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		ctx := ContextWithRequestID(r.Context(), id)
		ctx = context.WithValue(ctx, loggerKey{}, slog.Default().With("request_id", id))
		w.Header().Set(requestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type loggerKey struct{}

// LoggerFromContext returns the request-scoped logger, falling back to
// slog.Default when none was injected.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
