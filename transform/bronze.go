package transform

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/covergrid/premium-pipeline/metrics"
	"github.com/covergrid/premium-pipeline/source"
	"github.com/covergrid/premium-pipeline/store"
)

// Ingester lands one source's new rows into its bronze table.
// Bronze is append-only and unvalidated: rows go in exactly as
// decoded, and the source checkpoint commits in the same
// transaction as the appends.
type Ingester struct {
	Reader  *source.Reader
	Table   string
	Store   store.Store
	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

func (in *Ingester) checkpointID() string {
	return "source:" + in.Table
}

// Run executes one ingestion increment and returns the number of
// rows appended.
func (in *Ingester) Run(ctx context.Context) (int64, error) {
	cp, _, err := in.Store.LoadCheckpoint(ctx, in.checkpointID())
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	current, _ := in.Store.Schema(in.Table)

	batch, err := in.Reader.Poll(cp.FileName, cp.Offset, current)
	if err != nil {
		return 0, err
	}
	if len(batch.Records) == 0 {
		return 0, nil
	}

	if err := in.Store.EnsureTable(ctx, in.Table, batch.Schema); err != nil {
		return 0, err
	}

	tx, err := in.Store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	lastSeq, err := tx.Append(ctx, in.Table, batch.Records)
	if err != nil {
		return 0, err
	}

	cp.FileName = batch.FileName
	cp.Offset = batch.Offset
	if err := tx.SaveCheckpoint(ctx, cp); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if in.Metrics != nil {
		in.Metrics.RecordIngested(in.Reader.Name, int64(len(batch.Records)))
		in.Metrics.SetLastSeq(lastSeq)
	}

	in.Log.Info().
		Str("table", in.Table).
		Int("rows", len(batch.Records)).
		Int64("last_seq", lastSeq).
		Str("file", batch.FileName).
		Msg("Ingested landing batch")

	return int64(len(batch.Records)), nil
}
