package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Greedy is the built-in scheduler: it walks the calendar day by day and
// fills each shift with the least-loaded available providers. It produces at
// most one solution, but it is fast, deterministic, and needs no external
// engine — the default for deployments without a CP-SAT sidecar.
type Greedy struct{}

var _ Solver = Greedy{}

// Name implements Solver.
func (Greedy) Name() string { return "greedy" }

// assignment is one filled slot in the roster.
type assignment struct {
	Day      string `json:"day"`
	Shift    string `json:"shift"`
	Provider string `json:"provider"`
}

// unfilledSlot records demand the greedy pass could not satisfy.
type unfilledSlot struct {
	Day     string `json:"day"`
	Shift   string `json:"shift"`
	Missing int    `json:"missing"`
}

// greedySolution is the roster for one case.
type greedySolution struct {
	Assignments []assignment   `json:"assignments"`
	Unfilled    []unfilledSlot `json:"unfilled,omitempty"`
}

// greedyOutput is the results.json document shape.
type greedyOutput struct {
	SolverType  string           `json:"solver_type"`
	Solutions   []greedySolution `json:"solutions"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Solve implements Solver. Progress is reported once per calendar day, which
// bounds cancellation latency to a single day's assignment work.
func (g Greedy) Solve(ctx context.Context, caseData []byte, report Progress) (*Result, error) {
	if err := report(5, "parsing case"); err != nil {
		return nil, err
	}
	if err := ValidateCase(caseData); err != nil {
		return nil, err
	}
	var doc caseDoc
	if err := json.Unmarshal(caseData, &doc); err != nil {
		return nil, fmt.Errorf("parse case: %w", err)
	}

	loads := make(map[string]int, len(doc.Providers))
	unavailable := make(map[string]map[string]bool, len(doc.Providers))
	for _, p := range doc.Providers {
		days := make(map[string]bool, len(p.Unavailable))
		for _, d := range p.Unavailable {
			days[d] = true
		}
		unavailable[p.ID] = days
	}

	var sol greedySolution
	for i, day := range doc.Days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, shift := range doc.Shifts {
			required := shift.Required
			if required <= 0 {
				required = 1
			}
			picked := g.pick(doc.Providers, loads, unavailable, day, required)
			for _, id := range picked {
				loads[id]++
				sol.Assignments = append(sol.Assignments, assignment{Day: day, Shift: shift.ID, Provider: id})
			}
			if missing := required - len(picked); missing > 0 {
				sol.Unfilled = append(sol.Unfilled, unfilledSlot{Day: day, Shift: shift.ID, Missing: missing})
			}
		}
		// Days span 10..95 so the tail stages keep visible headroom.
		pct := 10 + (i+1)*85/len(doc.Days)
		if err := report(pct, fmt.Sprintf("scheduled %s", day)); err != nil {
			return nil, err
		}
	}

	solutions := []greedySolution{}
	count := 0
	if len(sol.Assignments) > 0 {
		solutions = append(solutions, sol)
		count = 1
	}

	if err := report(98, "rendering results"); err != nil {
		return nil, err
	}
	out, err := json.Marshal(greedyOutput{
		SolverType:  g.Name(),
		Solutions:   solutions,
		GeneratedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	return &Result{SolverType: g.Name(), SolutionsCount: count, Output: out}, nil
}

// pick selects up to required distinct providers for one slot, preferring the
// least-loaded. Providers unavailable that day or already at their shift cap
// are skipped. Ties break on provider ID for determinism.
func (Greedy) pick(providers []caseProvider, loads map[string]int, unavailable map[string]map[string]bool, day string, required int) []string {
	eligible := make([]caseProvider, 0, len(providers))
	for _, p := range providers {
		if unavailable[p.ID][day] {
			continue
		}
		if p.MaxShifts > 0 && loads[p.ID] >= p.MaxShifts {
			continue
		}
		eligible = append(eligible, p)
	}
	sort.Slice(eligible, func(i, j int) bool {
		li, lj := loads[eligible[i].ID], loads[eligible[j].ID]
		if li != lj {
			return li < lj
		}
		return eligible[i].ID < eligible[j].ID
	})

	if required > len(eligible) {
		required = len(eligible)
	}
	picked := make([]string, 0, required)
	for _, p := range eligible[:required] {
		picked = append(picked, p.ID)
	}
	return picked
}
