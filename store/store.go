package store

import (
	"context"
	"time"

	"github.com/covergrid/premium-pipeline/etl"
)

// ── Table store ────────────────────────────────────────────
// Five domain tables (three bronze, one silver, one gold) plus
// two meta tables live in a single warehouse so that a table's
// increment and its checkpoint commit atomically. Each table has
// exactly one writer; readers never mutate.

// Meta table names.
const (
	CheckpointTable = "_meta_checkpoints"
	QualityTable    = "_meta_quality"
)

// Checkpoint is a persisted read position. Source checkpoints
// store the last landing file plus the number of rows consumed
// from it; derived-table checkpoints store the upstream sequence
// they have processed through in Offset.
type Checkpoint struct {
	ID        string
	FileName  string
	Offset    int64
	UpdatedAt time.Time
}

// QualityResult is one constraint's pass/fail tally for a single
// pipeline run, written to the quality meta table for external
// monitoring.
type QualityResult struct {
	RunID      string
	Table      string
	Constraint string
	Passed     int64
	Failed     int64
	CreatedAt  time.Time
}

// Store provides read access to tables and opens write
// transactions. EnsureTable creates a table from an inferred
// schema or evolves it when the schema gained columns.
type Store interface {
	EnsureTable(ctx context.Context, table string, schema *etl.Schema) error
	Schema(table string) (*etl.Schema, bool)

	// ReadSince returns records appended after the given sequence,
	// in append order. ReadAll returns the full current contents.
	ReadSince(ctx context.Context, table string, since int64) ([]etl.Record, error)
	ReadAll(ctx context.Context, table string) ([]etl.Record, error)
	MaxSeq(ctx context.Context, table string) (int64, error)

	LoadCheckpoint(ctx context.Context, id string) (Checkpoint, bool, error)

	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a write transaction. An increment either fully
// materializes (appends, checkpoint, quality rows, commit) or is
// rolled back and retried from the previous checkpoint.
type Tx interface {
	// Append adds records to a table, assigning sequence numbers in
	// append order, and returns the last assigned sequence.
	Append(ctx context.Context, table string, records []etl.Record) (int64, error)

	// Replace swaps the full contents of a table, used by full
	// recompute consumers such as the gold aggregator.
	Replace(ctx context.Context, table string, records []etl.Record) error

	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	RecordQuality(ctx context.Context, results []QualityResult) error

	Commit() error
	Rollback() error
}
