// Package domain defines the core types shared across rosterd and rosterw.
// These types represent the orchestration data model — not HTTP specifics.
//
// Run documents are serialized straight into the object store and into API
// responses, so they carry json tags. When the API shape diverges from the
// stored document (e.g. the status endpoint omits internal fields), the api
// package defines a response struct instead.
package domain

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RunStatus represents the state of a solver run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Terminal returns true if the status is a final state. Terminal runs are
// frozen — the registry rejects any further mutation.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run is the authoritative per-run document, stored at runs/{run_id}/status.json.
type Run struct {
	RunID           string    `json:"run_id"`
	Status          RunStatus `json:"status"`
	Progress        int       `json:"progress"` // 0..100, monotonically non-decreasing
	Message         string    `json:"message"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	ResultFolder    string    `json:"result_folder,omitempty"`
	Error           string    `json:"error,omitempty"`
	LogSeq          int64     `json:"log_seq"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Etag is the CAS token: a monotonic integer advanced by every successful
	// write. Concurrent writers race on it; the loser rereads and retries.
	Etag int64 `json:"etag"`
}

// LogEntry is one append-only log segment, stored at
// runs/{run_id}/logs/{seq:010d}.json.
type LogEntry struct {
	Seq      int64     `json:"seq"`
	TS       time.Time `json:"ts"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	Progress *int      `json:"progress,omitempty"` // set when the entry accompanies a progress update
}

// JobEnvelope is the queued work item. It is small and bounded — the full
// case payload lives in the object store, referenced by CasePointer.
type JobEnvelope struct {
	RunID       string `json:"run_id"`
	CasePointer string `json:"case_pointer"`
}

// ResultMetadata is persisted as Result_{N}/metadata.json alongside the
// solver output. A folder without it is still being assembled.
type ResultMetadata struct {
	RunID          string    `json:"run_id"`
	SolverType     string    `json:"solver_type"`
	SolutionsCount int       `json:"solutions_count"`
	RuntimeSeconds float64   `json:"runtime_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

// FolderSummary describes one completed result folder for listing.
type FolderSummary struct {
	Name           string    `json:"name"`
	Created        time.Time `json:"created"`
	FileCount      int       `json:"file_count"`
	TotalSize      int64     `json:"total_size"`
	RuntimeSeconds float64   `json:"runtime_seconds"`
	SolutionsCount int       `json:"solutions_count"`
	SolverType     string    `json:"solver_type"`
}

// resultFolderRe matches valid result folder names: Result_1, Result_42, ...
var resultFolderRe = regexp.MustCompile(`^Result_([1-9][0-9]*)$`)

// ParseResultFolder extracts the numeric suffix from a result folder name.
// Returns 0, false for anything that is not a valid Result_N name.
func ParseResultFolder(name string) (int64, bool) {
	m := resultFolderRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ResultFolderName formats the folder name for allocation number n.
func ResultFolderName(n int64) string {
	return fmt.Sprintf("Result_%d", n)
}

// Object store key layout. All run, job, result, and case objects live under
// these prefixes; the registry, catalog, and casestore build keys through
// these helpers so the layout is defined in one place.
const (
	RunsPrefix     = "runs/"
	JobsPrefix     = "jobs/"
	ResultsPrefix  = "Result_"
	CounterKey     = "results/_counter.json"
	ActiveCaseKey  = "case/active.json"
	CaseBackupPref = "case/backup-"
)

// RunStatusKey returns the registry document key for a run.
func RunStatusKey(runID string) string {
	return RunsPrefix + runID + "/status.json"
}

// RunLogsPrefix returns the log segment prefix for a run.
func RunLogsPrefix(runID string) string {
	return RunsPrefix + runID + "/logs/"
}

// RunLogKey returns the key for one log segment. Sequence numbers are
// zero-padded to ten digits so lexicographic listing order equals seq order.
func RunLogKey(runID string, seq int64) string {
	return fmt.Sprintf("%s%010d.json", RunLogsPrefix(runID), seq)
}

// JobInputKey returns the case payload key for a run.
func JobInputKey(runID string) string {
	return JobsPrefix + runID + "/input.json"
}

// NewRunID generates a random 128-bit URL-safe run identifier.
func NewRunID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; if it does, the
		// process has bigger problems than run ID generation.
		panic("domain: crypto/rand unavailable: " + err.Error())
	}
	return strings.TrimRight(base64.URLEncoding.EncodeToString(b[:]), "=")
}
