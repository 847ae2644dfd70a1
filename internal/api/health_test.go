package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosterline/platform/internal/api"
	"github.com/rosterline/platform/internal/domain"
)

func TestHealth_ReportsActiveRuns(t *testing.T) {
	e := newTestEnv(t)
	e.createRun(t, "run-1")
	e.createRun(t, "run-2")
	e.finishRun(t, "run-2", domain.RunStatusCompleted, "")

	resp, body := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Status     string `json:"status"`
		ActiveRuns int    `json:"active_runs"`
		Region     string `json:"region"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, 1, out.ActiveRuns)
	assert.Equal(t, "test", out.Region)
}

func TestHealthLive_AlwaysOK(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "ok", out["status"])
	assert.Contains(t, out, "version")
	assert.Contains(t, out, "go_version")
}

// stubChecker implements HealthChecker with a fixed outcome.
type stubChecker struct{ err error }

func (c stubChecker) HealthCheck(context.Context) error { return c.err }

func TestHealthReady_NoCheckersIsReady(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.ReadinessResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "ready", out.Status)
	assert.Empty(t, out.Checks)
}

func TestHealthReady_FailingDependency(t *testing.T) {
	e := newTestEnv(t)
	e.srv.StoreHealth = stubChecker{}
	e.srv.QueueHealth = stubChecker{err: errors.New("dial tcp: connection refused")}

	resp, body := e.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var out api.ReadinessResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "not_ready", out.Status)
	assert.Equal(t, "ok", out.Checks["store"].Status)
	assert.Equal(t, "error", out.Checks["queue"].Status)
	assert.Contains(t, out.Checks["queue"].Error, "connection refused")
}

func TestMetrics_PrometheusText(t *testing.T) {
	e := newTestEnv(t)
	e.createRun(t, "run-1")

	resp, body := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	text := string(body)
	assert.Contains(t, text, "rosterd_info{")
	assert.Contains(t, text, "rosterd_active_runs 1")
	assert.Contains(t, text, "rosterd_goroutines ")
	assert.Contains(t, text, "rosterd_log_streams_active 0")
}

func TestSecurityHeaders(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}
