package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/covergrid/premium-pipeline/etl"
	"github.com/covergrid/premium-pipeline/metrics"
	"github.com/covergrid/premium-pipeline/quality"
	"github.com/covergrid/premium-pipeline/store"
)

// Silver joins fact rows against a dimension table, derives
// columns, gates the result through the constraint engine, and
// appends survivors to the silver table. It is incremental: only
// fact rows newer than its checkpoint are processed, while the
// dimension table is read in full each increment.
type Silver struct {
	// Table is the silver output table.
	Table string
	// Facts is the bronze fact table to consume incrementally.
	Facts string
	// Dimension is the bronze dimension table to join against.
	Dimension string
	// JoinKey is the column, present on both sides, to join on.
	// A fact row with no match keeps the dimension columns NULL.
	JoinKey string
	// DOBColumn and AgeColumn configure the derived age: the year
	// difference between now and DOBColumn lands in AgeColumn.
	DOBColumn string
	AgeColumn string
	// DimColumns selects which dimension columns the join carries
	// into the output. Empty selects every column except the join
	// key.
	DimColumns []string

	Engine  *quality.Engine
	Store   store.Store
	Log     zerolog.Logger
	Metrics *metrics.Metrics

	// Now is the clock used for age derivation. Defaults to
	// time.Now; tests pin it.
	Now func() time.Time
}

func (s *Silver) checkpointID() string {
	return "consumer:" + s.Table
}

// Run executes one silver increment and returns the number of
// rows appended.
func (s *Silver) Run(ctx context.Context, runID string) (int64, error) {
	cp, _, err := s.Store.LoadCheckpoint(ctx, s.checkpointID())
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	facts, err := s.Store.ReadSince(ctx, s.Facts, cp.Offset)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", s.Facts, err)
	}
	if len(facts) == 0 {
		return 0, nil
	}

	dims, err := s.Store.ReadAll(ctx, s.Dimension)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", s.Dimension, err)
	}
	index := buildDimensionIndex(dims, s.JoinKey)

	schema, err := s.outputSchema()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	if s.Engine != nil {
		// Tallies from an aborted increment must not leak into
		// this run's quality rows.
		s.Engine.Reset()
	}

	selected := s.dimColumnFilter()

	var kept []etl.Record
	unmatched := 0
	for _, fact := range facts {
		row := fact.Clone()
		row.Seq = 0

		if dim, ok := lookupDimension(index, fact.Data[s.JoinKey]); ok {
			for k, v := range dim.Data {
				if k == s.JoinKey || (selected != nil && !selected[k]) {
					continue
				}
				row.Data[k] = v
			}
		} else {
			unmatched++
		}

		if s.AgeColumn != "" {
			if dob, ok := row.Data[s.DOBColumn].(time.Time); ok {
				row.Data[s.AgeColumn] = float64(now.Year() - dob.Year())
			}
		}

		keep := true
		if s.Engine != nil {
			keep, err = s.Engine.Check(row)
			if err != nil {
				return 0, err
			}
		}
		if keep {
			kept = append(kept, row)
		}
	}

	if err := s.Store.EnsureTable(ctx, s.Table, schema); err != nil {
		return 0, err
	}

	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Append(ctx, s.Table, kept); err != nil {
		return 0, err
	}

	cp.FileName = s.Facts
	cp.Offset = facts[len(facts)-1].Seq
	if err := tx.SaveCheckpoint(ctx, cp); err != nil {
		return 0, err
	}

	if s.Engine != nil {
		results := s.Engine.Results(runID, s.Table, now)
		if err := tx.RecordQuality(ctx, results); err != nil {
			return 0, err
		}
		if s.Metrics != nil {
			for _, res := range results {
				s.Metrics.RecordConstraint(res.Constraint, res.Passed, res.Failed)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.Metrics != nil {
		s.Metrics.RecordDropped(s.Table, int64(len(facts)-len(kept)))
	}

	s.Log.Info().
		Str("table", s.Table).
		Int("consumed", len(facts)).
		Int("written", len(kept)).
		Int("unmatched", unmatched).
		Int64("through_seq", cp.Offset).
		Msg("Silver increment complete")

	return int64(len(kept)), nil
}

// outputSchema is the fact schema plus the selected dimension
// columns (minus the join key, which the fact side already
// carries) plus the derived age column.
func (s *Silver) outputSchema() (*etl.Schema, error) {
	factSchema, ok := s.Store.Schema(s.Facts)
	if !ok {
		return nil, fmt.Errorf("upstream table %s has no schema yet", s.Facts)
	}
	out := factSchema.Clone()

	selected := s.dimColumnFilter()
	if dimSchema, ok := s.Store.Schema(s.Dimension); ok {
		for _, f := range dimSchema.Fields {
			if f.Name == s.JoinKey || (selected != nil && !selected[f.Name]) {
				continue
			}
			if _, exists := out.Field(f.Name); !exists {
				out.Fields = append(out.Fields, f)
			}
		}
	}

	if s.AgeColumn != "" {
		if _, exists := out.Field(s.AgeColumn); !exists {
			out.Fields = append(out.Fields, etl.Field{Name: s.AgeColumn, Type: etl.TypeNumber})
		}
	}
	return out, nil
}

func (s *Silver) dimColumnFilter() map[string]bool {
	if len(s.DimColumns) == 0 {
		return nil
	}
	out := make(map[string]bool, len(s.DimColumns))
	for _, c := range s.DimColumns {
		out[c] = true
	}
	return out
}

// buildDimensionIndex keys dimension rows by their join value.
// On duplicate keys the last row wins.
func buildDimensionIndex(dims []etl.Record, key string) map[string]etl.Record {
	index := make(map[string]etl.Record, len(dims))
	for _, d := range dims {
		v, ok := d.Data[key]
		if !ok {
			continue
		}
		index[joinValue(v)] = d
	}
	return index
}

func lookupDimension(index map[string]etl.Record, v any) (etl.Record, bool) {
	if v == nil {
		return etl.Record{}, false
	}
	d, ok := index[joinValue(v)]
	return d, ok
}

// joinValue normalizes a join key for matching, so a code that
// one file carries quoted and another carries bare still joins.
func joinValue(v any) string {
	return fmt.Sprintf("%v", v)
}
