// Package solver defines the pluggable solver contract and ships a built-in
// greedy scheduler. The orchestration plane treats solvers as callables: case
// bytes in, result bytes out, with a progress callback as the only coupling
// point. Heavier engines (CP-SAT sidecars, external services) implement the
// same interface.
package solver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rosterline/platform/internal/domain"
)

// ErrCancelled is returned by a progress callback to unwind the solver when
// cancellation has been requested. Solvers must propagate it unchanged.
var ErrCancelled = errors.New("solver: cancelled")

// Progress reports completion percentage and a human-readable message at
// solver checkpoints. A non-nil return (typically ErrCancelled) tells the
// solver to stop and unwind.
type Progress func(pct int, message string) error

// Result is the solver's output. Output is the exact results.json content.
type Result struct {
	SolverType     string
	SolutionsCount int
	Output         []byte
}

// Solver turns a case payload into a result.
type Solver interface {
	// Name identifies the solver in result metadata.
	Name() string
	// Solve runs the engine. It must call report at reasonable checkpoints
	// and return its error verbatim; any other failure is a solver failure.
	Solve(ctx context.Context, caseData []byte, report Progress) (*Result, error)
}

// caseDoc is the subset of the case payload the built-in solver understands.
// Everything else in the document passes through untouched.
type caseDoc struct {
	Days      []string       `json:"days"`
	Shifts    []caseShift    `json:"shifts"`
	Providers []caseProvider `json:"providers"`
}

type caseShift struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Required int    `json:"required"`
}

type caseProvider struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	MaxShifts   int      `json:"max_shifts"`
	Unavailable []string `json:"unavailable"` // days this provider cannot work
}

// ValidateCase checks the structural minimum a case payload needs before a
// run is accepted: well-formed JSON with non-empty days, shifts, and
// providers sections. Deeper feasibility checks belong to the solver.
func ValidateCase(payload []byte) error {
	if len(payload) == 0 {
		return domain.Errorf(domain.KindValidation, "case payload is empty")
	}
	var doc caseDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.Errorf(domain.KindValidation, "case payload is not valid JSON: %v", err)
	}
	if len(doc.Days) == 0 {
		return domain.Errorf(domain.KindValidation, "case payload has no days")
	}
	if len(doc.Shifts) == 0 {
		return domain.Errorf(domain.KindValidation, "case payload has no shifts")
	}
	if len(doc.Providers) == 0 {
		return domain.Errorf(domain.KindValidation, "case payload has no providers")
	}
	return nil
}
