package transform

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/covergrid/premium-pipeline/etl"
	"github.com/covergrid/premium-pipeline/store"
)

// Gold recomputes an aggregate table from the full silver table.
// The output is small (one row per group), so instead of
// incremental merge logic the table is replaced wholesale in one
// transaction whenever the upstream grew.
type Gold struct {
	// Table is the gold output table.
	Table string
	// Source is the silver table to aggregate.
	Source string
	// GroupBy is the grouping column. Rows whose group value is
	// NULL form their own group, with a NULL group column in the
	// output.
	GroupBy string
	// AvgOf is the numeric column averaged per group into
	// AvgColumn. NULL values are excluded from the average but the
	// row still counts toward CountColumn.
	AvgOf       string
	AvgColumn   string
	CountColumn string

	Store store.Store
	Log   zerolog.Logger
}

func (g *Gold) checkpointID() string {
	return "consumer:" + g.Table
}

// Run recomputes the aggregate when the upstream has new rows.
// Returns the number of groups written.
func (g *Gold) Run(ctx context.Context) (int64, error) {
	cp, found, err := g.Store.LoadCheckpoint(ctx, g.checkpointID())
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	maxSeq, err := g.Store.MaxSeq(ctx, g.Source)
	if err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", g.Source, err)
	}
	if found && maxSeq == cp.Offset {
		return 0, nil
	}

	rows, err := g.Store.ReadAll(ctx, g.Source)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", g.Source, err)
	}

	groups := g.aggregate(rows)

	schema := &etl.Schema{Fields: []etl.Field{
		{Name: g.GroupBy, Type: etl.TypeText},
		{Name: g.AvgColumn, Type: etl.TypeNumber},
		{Name: g.CountColumn, Type: etl.TypeNumber},
	}}
	if err := g.Store.EnsureTable(ctx, g.Table, schema); err != nil {
		return 0, err
	}

	tx, err := g.Store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := tx.Replace(ctx, g.Table, groups); err != nil {
		return 0, err
	}

	cp.FileName = g.Source
	cp.Offset = maxSeq
	if err := tx.SaveCheckpoint(ctx, cp); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	g.Log.Info().
		Str("table", g.Table).
		Int("rows", len(rows)).
		Int("groups", len(groups)).
		Int64("through_seq", maxSeq).
		Msg("Gold recompute complete")

	return int64(len(groups)), nil
}

type groupAgg struct {
	key    any
	sum    float64
	summed int64
	count  int64
}

// aggregate computes the average and count per group in a single
// pass. Groups come back in sorted key order, NULL group last,
// so replaces are deterministic.
func (g *Gold) aggregate(rows []etl.Record) []etl.Record {
	const nullKey = "\x00null"

	groups := make(map[string]*groupAgg)
	for _, row := range rows {
		key := nullKey
		val, ok := row.Data[g.GroupBy]
		if ok {
			key = joinValue(val)
		}

		agg := groups[key]
		if agg == nil {
			agg = &groupAgg{}
			if ok {
				agg.key = val
			}
			groups[key] = agg
		}
		agg.count++

		if n, ok := row.Data[g.AvgOf].(float64); ok {
			agg.sum += n
			agg.summed++
		}
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == nullKey {
			return false
		}
		if keys[j] == nullKey {
			return true
		}
		return keys[i] < keys[j]
	})

	out := make([]etl.Record, 0, len(keys))
	for _, k := range keys {
		agg := groups[k]
		data := map[string]any{
			g.CountColumn: float64(agg.count),
		}
		if agg.key != nil {
			data[g.GroupBy] = agg.key
		}
		if agg.summed > 0 {
			data[g.AvgColumn] = agg.sum / float64(agg.summed)
		}
		out = append(out, etl.Record{Data: data})
	}
	return out
}
