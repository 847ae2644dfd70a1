package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rosterline/platform/internal/domain"
)

// Streaming cadence. New entries are tailed at pollInterval; a heartbeat goes
// out after heartbeatAfter without events so intermediaries keep the
// connection open.
const (
	pollInterval   = time.Second
	heartbeatAfter = 30 * time.Second
)

// Log stream event shapes. Every event is one JSON object on a data line;
// the type field discriminates.
type logEvent struct {
	Type     string    `json:"type"` // "log" or "progress"
	Seq      int64     `json:"seq"`
	TS       time.Time `json:"ts"`
	Level    string    `json:"level,omitempty"`
	Progress *int      `json:"progress,omitempty"`
	Message  string    `json:"message"`
}

type heartbeatEvent struct {
	Type string    `json:"type"` // "heartbeat"
	TS   time.Time `json:"ts"`
}

type endEvent struct {
	Type   string `json:"type"` // "end"
	Status string `json:"status"`
}

func toLogEvent(e domain.LogEntry) logEvent {
	ev := logEvent{Type: "log", Seq: e.Seq, TS: e.TS, Level: e.Level, Message: e.Message}
	if e.Progress != nil {
		ev.Type = "progress"
		ev.Progress = e.Progress
	}
	return ev
}

// HandleLogs streams run log entries. The server flushes every stored entry
// with seq > ?since, then tails new entries until the run reaches a terminal
// state and closes with an end event. Clients reconnect by passing the last
// seq they saw. Without an SSE Accept header the stored entries are returned
// as one JSON document instead.
func (s *Server) HandleLogs(w http.ResponseWriter, r *http.Request) {
	runID := runIDParam(r)

	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			errorJSON(w, "since must be a non-negative integer", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		since = n
	}

	run, err := s.Registry.Read(r.Context(), runID)
	if err != nil {
		if domain.IsNotFound(err) {
			errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to read run", err)
		return
	}

	if r.Header.Get("Accept") != "text/event-stream" {
		entries, err := s.Registry.ListLogs(r.Context(), runID, since)
		if err != nil {
			internalError(w, "failed to list logs", err)
			return
		}
		events := make([]logEvent, 0, len(entries))
		for _, e := range entries {
			events = append(events, toLogEvent(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"logs":   events,
			"status": run.Status,
		})
		return
	}

	ip := clientIP(r)
	if !s.SSELimiter.Acquire(ip) {
		errorJSON(w, "too many concurrent log streams", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests)
		return
	}
	defer s.SSELimiter.Release(ip)

	s.streamLogs(w, r, runID, since)
}

// streamLogs is the long-lived streaming path. Entries go out in strictly
// increasing seq order with no duplicates; the resume contract is entirely
// carried by the seq cursor.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request, runID string, since int64) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(MaxSSEDuration)*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	send := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if canFlush {
			flusher.Flush()
		}
	}

	lastSeq := since
	lastEvent := time.Now()
	drain := func() bool {
		entries, err := s.Registry.ListLogs(ctx, runID, lastSeq)
		if err != nil {
			return false
		}
		for _, e := range entries {
			send(toLogEvent(e))
			lastSeq = e.Seq
			lastEvent = time.Now()
		}
		return true
	}

	// Initial flush of everything already stored.
	drain()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drain()

			run, err := s.Registry.Read(ctx, runID)
			if err != nil {
				continue
			}
			if run.Status.Terminal() {
				// Entries appended just before the terminal transition may
				// have landed after the drain above; the terminal guard
				// means one more pass is complete.
				drain()
				send(endEvent{Type: "end", Status: string(run.Status)})
				return
			}
			if time.Since(lastEvent) >= heartbeatAfter {
				send(heartbeatEvent{Type: "heartbeat", TS: time.Now().UTC()})
				lastEvent = time.Now()
			}
		}
	}
}
