package quality

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/covergrid/premium-pipeline/etl"
	"github.com/covergrid/premium-pipeline/store"
)

// ── Constraint engine ──────────────────────────────────────
// Constraints are named boolean CEL expressions over a record,
// declared in config next to the table they gate. Every record
// is evaluated against every constraint and tallied; the policy
// decides what a failure does to the record.

// Policy is what happens to a record that fails a constraint.
type Policy string

const (
	// PolicyDrop excludes the failing record from the output table.
	PolicyDrop Policy = "drop"
	// PolicyWarn keeps the failing record and only tallies it.
	PolicyWarn Policy = "warn"
	// PolicyFail aborts the whole increment.
	PolicyFail Policy = "fail"
)

// Constraint is one named expectation. Expr is a CEL boolean
// expression over the variable `row`.
type Constraint struct {
	Name   string
	Expr   string
	Policy Policy
}

// FatalViolationError reports a failed constraint whose policy
// is fail. The increment that hit it is rolled back.
type FatalViolationError struct {
	Constraint string
}

func (e *FatalViolationError) Error() string {
	return fmt.Sprintf("constraint %s failed with policy fail", e.Constraint)
}

type compiled struct {
	Constraint
	prg cel.Program
}

// Engine evaluates a fixed set of constraints against records.
// Expressions are compiled once at construction.
type Engine struct {
	constraints []compiled
	stats       map[string]*tally
}

type tally struct {
	passed int64
	failed int64
}

// NewEngine compiles the given constraints. Names must be
// unique; an expression that does not compile is a config error.
func NewEngine(constraints []Constraint) (*Engine, error) {
	env, err := cel.NewEnv(cel.Variable("row", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	e := &Engine{stats: make(map[string]*tally)}
	seen := make(map[string]bool)
	for _, c := range constraints {
		if c.Name == "" {
			return nil, fmt.Errorf("constraint with expression %q has no name", c.Expr)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate constraint name %q", c.Name)
		}
		seen[c.Name] = true

		switch c.Policy {
		case PolicyDrop, PolicyWarn, PolicyFail:
		case "":
			c.Policy = PolicyDrop
		default:
			return nil, fmt.Errorf("constraint %s: unknown policy %q", c.Name, c.Policy)
		}

		ast, iss := env.Compile(c.Expr)
		if iss.Err() != nil {
			return nil, fmt.Errorf("constraint %s: failed to compile %q: %w", c.Name, c.Expr, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("constraint %s: failed to build program: %w", c.Name, err)
		}

		e.constraints = append(e.constraints, compiled{Constraint: c, prg: prg})
		e.stats[c.Name] = &tally{}
	}
	return e, nil
}

// Check evaluates all constraints against a record and tallies
// the outcome. It reports whether the record should be kept. A
// missing or NULL column makes the expression error, which
// counts as a failure of that constraint. A failed constraint
// with policy fail returns a FatalViolationError.
func (e *Engine) Check(rec etl.Record) (bool, error) {
	keep := true
	for _, c := range e.constraints {
		ok := evaluate(c.prg, rec.Data)
		t := e.stats[c.Name]
		if ok {
			t.passed++
			continue
		}
		t.failed++

		switch c.Policy {
		case PolicyFail:
			return false, &FatalViolationError{Constraint: c.Name}
		case PolicyDrop:
			keep = false
		}
	}
	return keep, nil
}

func evaluate(prg cel.Program, data map[string]any) bool {
	out, _, err := prg.Eval(map[string]any{"row": data})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Reset discards tallies a previously aborted increment left
// behind. Callers reset before evaluating a batch so the run's
// quality rows cover only its own records.
func (e *Engine) Reset() {
	for name := range e.stats {
		e.stats[name] = &tally{}
	}
}

// Results drains the tallies accumulated since the last call
// into quality rows for one run.
func (e *Engine) Results(runID, table string, now time.Time) []store.QualityResult {
	out := make([]store.QualityResult, 0, len(e.constraints))
	for _, c := range e.constraints {
		t := e.stats[c.Name]
		out = append(out, store.QualityResult{
			RunID:      runID,
			Table:      table,
			Constraint: c.Name,
			Passed:     t.passed,
			Failed:     t.failed,
			CreatedAt:  now,
		})
		e.stats[c.Name] = &tally{}
	}
	return out
}
