package store

import (
	"context"
	"testing"

	"github.com/covergrid/premium-pipeline/etl"
)

func testSchema() *etl.Schema {
	return &etl.Schema{Fields: []etl.Field{
		{Name: "id", Type: etl.TypeText},
		{Name: "premium", Type: etl.TypeNumber},
	}}
}

func TestMemoryAppendAssignsSequences(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.EnsureTable(ctx, "bronze", testSchema()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tx, _ := m.Begin(ctx)
	last, err := tx.Append(ctx, "bronze", []etl.Record{
		{Data: map[string]any{"id": "c1", "premium": 100.0}},
		{Data: map[string]any{"id": "c2", "premium": 200.0}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last != 2 {
		t.Errorf("expected last seq 2, got %d", last)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := m.ReadAll(ctx, "bronze")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 || rows[0].Seq != 1 || rows[1].Seq != 2 {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestMemoryReadSince(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.EnsureTable(ctx, "bronze", testSchema())

	tx, _ := m.Begin(ctx)
	tx.Append(ctx, "bronze", []etl.Record{
		{Data: map[string]any{"id": "c1"}},
		{Data: map[string]any{"id": "c2"}},
		{Data: map[string]any{"id": "c3"}},
	})
	tx.Commit()

	rows, err := m.ReadSince(ctx, "bronze", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].Data["id"] != "c3" {
		t.Errorf("expected only c3 after seq 2, got %+v", rows)
	}

	maxSeq, _ := m.MaxSeq(ctx, "bronze")
	if maxSeq != 3 {
		t.Errorf("expected max seq 3, got %d", maxSeq)
	}
}

func TestMemoryRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.EnsureTable(ctx, "bronze", testSchema())

	tx, _ := m.Begin(ctx)
	tx.Append(ctx, "bronze", []etl.Record{{Data: map[string]any{"id": "c1"}}})
	tx.SaveCheckpoint(ctx, Checkpoint{ID: "source:bronze", FileName: "a.csv", Offset: 1})
	tx.Rollback()

	rows, _ := m.ReadAll(ctx, "bronze")
	if len(rows) != 0 {
		t.Errorf("rolled back rows must not land, got %+v", rows)
	}
	if _, found, _ := m.LoadCheckpoint(ctx, "source:bronze"); found {
		t.Errorf("rolled back checkpoint must not land")
	}
}

func TestMemoryCheckpointAtomicWithAppend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.EnsureTable(ctx, "bronze", testSchema())

	tx, _ := m.Begin(ctx)
	tx.Append(ctx, "bronze", []etl.Record{{Data: map[string]any{"id": "c1"}}})
	tx.SaveCheckpoint(ctx, Checkpoint{ID: "source:bronze", FileName: "a.csv", Offset: 1})
	tx.Commit()

	cp, found, err := m.LoadCheckpoint(ctx, "source:bronze")
	if err != nil || !found {
		t.Fatalf("expected checkpoint, found=%v err=%v", found, err)
	}
	if cp.FileName != "a.csv" || cp.Offset != 1 {
		t.Errorf("unexpected checkpoint: %+v", cp)
	}
}

func TestMemoryReplace(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.EnsureTable(ctx, "gold", testSchema())

	tx, _ := m.Begin(ctx)
	tx.Append(ctx, "gold", []etl.Record{{Data: map[string]any{"id": "old"}}})
	tx.Commit()

	tx, _ = m.Begin(ctx)
	if err := tx.Replace(ctx, "gold", []etl.Record{{Data: map[string]any{"id": "new"}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tx.Commit()

	rows, _ := m.ReadAll(ctx, "gold")
	if len(rows) != 1 || rows[0].Data["id"] != "new" {
		t.Errorf("expected replaced contents, got %+v", rows)
	}
}

func TestMemoryQualityResults(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tx, _ := m.Begin(ctx)
	tx.RecordQuality(ctx, []QualityResult{
		{RunID: "r1", Table: "silver", Constraint: "valid_age", Passed: 9, Failed: 1},
	})
	tx.Commit()

	results := m.QualityResults()
	if len(results) != 1 || results[0].Constraint != "valid_age" || results[0].Failed != 1 {
		t.Errorf("unexpected quality results: %+v", results)
	}
}

func TestMemorySchemaEvolution(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.EnsureTable(ctx, "bronze", testSchema())

	grown := testSchema()
	grown.Fields = append(grown.Fields, etl.Field{Name: "extra", Type: etl.TypeText})
	m.EnsureTable(ctx, "bronze", grown)

	schema, ok := m.Schema("bronze")
	if !ok {
		t.Fatal("expected schema")
	}
	if _, ok := schema.Field("extra"); !ok {
		t.Errorf("expected evolved schema to carry extra column")
	}
}

func TestMemoryEnsureTableWithholdsUntypedColumns(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	schema := &etl.Schema{Fields: []etl.Field{
		{Name: "id", Type: etl.TypeText},
		{Name: "premium", Type: etl.TypeUnknown},
	}}
	if err := m.EnsureTable(ctx, "bronze", schema); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := m.Schema("bronze")
	if _, ok := got.Field("premium"); ok {
		t.Errorf("untyped column must not enter the table schema yet")
	}

	// A later batch types the column and it evolves in
	schema.Fields[1].Type = etl.TypeNumber
	if err := m.EnsureTable(ctx, "bronze", schema); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = m.Schema("bronze")
	f, ok := got.Field("premium")
	if !ok || f.Type != etl.TypeNumber {
		t.Errorf("typed column must evolve in, got %+v", f)
	}
}
