package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags:
//
//	go build -ldflags "-X api.Version=1.4.0 -X api.GitCommit=abc1234 -X api.BuildTime=2026-08-24T12:00:00Z"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthChecker verifies that a dependency is reachable. Implementations
// should be lightweight (Ping, BucketExists).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of one dependency check.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReadinessResponse is the JSON returned by GET /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealth is the application health summary: overall status, number of
// runs currently queued or processing, and the deployment region.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	active := s.activeRuns(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": active,
		"region":      s.Region,
	})
}

// activeRuns counts non-terminal runs, cached briefly — orchestrators probe
// health every few seconds and the count is a full registry scan.
func (s *Server) activeRuns(ctx context.Context) int {
	if s.ActiveCache != nil {
		if n, ok := s.ActiveCache.Get("active"); ok {
			return n
		}
	}
	n, err := s.Registry.CountActive(ctx)
	if err != nil {
		LoggerFromContext(ctx).Warn("count active runs failed", "error", err)
		return 0
	}
	if s.ActiveCache != nil {
		s.ActiveCache.Set("active", n)
	}
	return n
}

// HandleHealthLive is the liveness probe — the process is up. Always 200.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}

// HandleHealthReady checks every configured dependency concurrently, each
// with its own timeout, and answers 503 when any is down.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checkers := s.healthCheckers()
	if len(checkers) == 0 {
		// Dev mode with in-memory backends: nothing external to check.
		writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: map[string]CheckResult{}})
		return
	}

	type result struct {
		name string
		res  CheckResult
	}
	results := make([]result, len(checkers))

	var wg sync.WaitGroup
	i := 0
	for name, checker := range checkers {
		wg.Add(1)
		go func(idx int, n string, c HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()
			if err := c.HealthCheck(ctx); err != nil {
				results[idx] = result{name: n, res: CheckResult{Status: "error", Error: err.Error()}}
			} else {
				results[idx] = result{name: n, res: CheckResult{Status: "ok"}}
			}
		}(i, name, checker)
		i++
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(results))
	allOK := true
	for _, r := range results {
		checks[r.name] = r.res
		if r.res.Status != "ok" {
			allOK = false
		}
	}

	resp := ReadinessResponse{Checks: checks}
	if allOK {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
	} else {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

func (s *Server) healthCheckers() map[string]HealthChecker {
	checkers := make(map[string]HealthChecker)
	if s.StoreHealth != nil {
		checkers["store"] = s.StoreHealth
	}
	if s.QueueHealth != nil {
		checkers["queue"] = s.QueueHealth
	}
	return checkers
}

// HandleMetrics exposes basic metrics in Prometheus text format.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP rosterd_info Build information about rosterd.\n")
	fmt.Fprintf(w, "# TYPE rosterd_info gauge\n")
	fmt.Fprintf(w, "rosterd_info{version=%q,git_commit=%q,go_version=%q} 1\n", Version, GitCommit, runtime.Version())

	fmt.Fprintf(w, "# HELP rosterd_active_runs Runs currently queued or processing.\n")
	fmt.Fprintf(w, "# TYPE rosterd_active_runs gauge\n")
	fmt.Fprintf(w, "rosterd_active_runs %d\n", s.activeRuns(r.Context()))

	fmt.Fprintf(w, "# HELP rosterd_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE rosterd_goroutines gauge\n")
	fmt.Fprintf(w, "rosterd_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP rosterd_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE rosterd_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "rosterd_memory_alloc_bytes %d\n", memStats.Alloc)

	if s.SSELimiter != nil {
		fmt.Fprintf(w, "# HELP rosterd_log_streams_active Current number of active log streams.\n")
		fmt.Fprintf(w, "# TYPE rosterd_log_streams_active gauge\n")
		fmt.Fprintf(w, "rosterd_log_streams_active %d\n", s.SSELimiter.GlobalCount())
	}
}
