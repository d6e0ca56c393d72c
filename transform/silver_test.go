package transform

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/covergrid/premium-pipeline/etl"
	"github.com/covergrid/premium-pipeline/quality"
	"github.com/covergrid/premium-pipeline/store"
)

func seedTable(t *testing.T, m *store.Memory, table string, schema *etl.Schema, rows []etl.Record) {
	t.Helper()
	ctx := context.Background()
	if err := m.EnsureTable(ctx, table, schema); err != nil {
		t.Fatalf("failed to ensure %s: %v", table, err)
	}
	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if _, err := tx.Append(ctx, table, rows); err != nil {
		t.Fatalf("failed to append to %s: %v", table, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
}

func premiumSchema() *etl.Schema {
	return &etl.Schema{Fields: []etl.Field{
		{Name: "customer_id", Type: etl.TypeText},
		{Name: "date_of_birth", Type: etl.TypeTimestamp},
		{Name: "territory", Type: etl.TypeText},
		{Name: "premium", Type: etl.TypeNumber},
		{Name: "fixed_expenses", Type: etl.TypeNumber},
	}}
}

func territorySchema() *etl.Schema {
	return &etl.Schema{Fields: []etl.Field{
		{Name: "territory", Type: etl.TypeText},
		{Name: "town", Type: etl.TypeText},
		{Name: "county", Type: etl.TypeText},
		{Name: "zipcode", Type: etl.TypeNumber},
	}}
}

func newSilver(m *store.Memory, engine *quality.Engine) *Silver {
	return &Silver{
		Table:     "silver_premiums",
		Facts:     "bronze_premiums",
		Dimension: "bronze_territory",
		JoinKey:   "territory",
		DOBColumn: "date_of_birth",
		AgeColumn: "customer_age",
		Engine:    engine,
		Store:     m,
		Log:       zerolog.Nop(),
		Now: func() time.Time {
			return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		},
	}
}

func defaultEngine(t *testing.T) *quality.Engine {
	t.Helper()
	e, err := quality.NewEngine([]quality.Constraint{
		{Name: "valid_age", Expr: "row.customer_age > 0.0 && row.customer_age < 100.0", Policy: quality.PolicyDrop},
		{Name: "valid_premium", Expr: "row.premium > 0.0 && row.premium > row.fixed_expenses", Policy: quality.PolicyDrop},
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return e
}

func TestSilverJoinAndDerive(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedTable(t, m, "bronze_premiums", premiumSchema(), []etl.Record{
		{Data: map[string]any{
			"customer_id":    "c1",
			"date_of_birth":  time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
			"territory":      "T1",
			"premium":        150.0,
			"fixed_expenses": 100.0,
		}},
	})
	seedTable(t, m, "bronze_territory", territorySchema(), []etl.Record{
		{Data: map[string]any{"territory": "T1", "town": "Springfield", "county": "Greene", "zipcode": 65619.0}},
	})

	s := newSilver(m, defaultEngine(t))
	written, err := s.Run(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 1 {
		t.Fatalf("expected 1 row written, got %d", written)
	}

	rows, _ := m.ReadAll(ctx, "silver_premiums")
	row := rows[0].Data
	if row["customer_age"] != 34.0 {
		t.Errorf("expected customer_age 34, got %v", row["customer_age"])
	}
	if row["town"] != "Springfield" || row["county"] != "Greene" {
		t.Errorf("expected territory enrichment, got %v", row)
	}
	if row["premium"] != 150.0 {
		t.Errorf("fact columns must pass through, got %v", row["premium"])
	}
}

func TestSilverDropsFailingRecordsAndTallies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedTable(t, m, "bronze_premiums", premiumSchema(), []etl.Record{
		{Data: map[string]any{
			"customer_id":    "c1",
			"date_of_birth":  time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
			"territory":      "T1",
			"premium":        150.0,
			"fixed_expenses": 100.0,
		}},
		{Data: map[string]any{
			"customer_id":    "c2",
			"date_of_birth":  time.Date(1985, 3, 2, 0, 0, 0, 0, time.UTC),
			"territory":      "T1",
			"premium":        50.0,
			"fixed_expenses": 100.0,
		}},
	})
	seedTable(t, m, "bronze_territory", territorySchema(), []etl.Record{
		{Data: map[string]any{"territory": "T1", "town": "Springfield"}},
	})

	s := newSilver(m, defaultEngine(t))
	written, err := s.Run(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 1 {
		t.Fatalf("expected 1 survivor, got %d", written)
	}

	rows, _ := m.ReadAll(ctx, "silver_premiums")
	if len(rows) != 1 || rows[0].Data["customer_id"] != "c1" {
		t.Errorf("expected only c1 to survive, got %+v", rows)
	}

	var premiumResult store.QualityResult
	for _, r := range m.QualityResults() {
		if r.Constraint == "valid_premium" {
			premiumResult = r
		}
	}
	if premiumResult.Passed != 1 || premiumResult.Failed != 1 {
		t.Errorf("expected valid_premium 1 pass / 1 fail, got %+v", premiumResult)
	}
	if premiumResult.RunID != "run-1" || premiumResult.Table != "silver_premiums" {
		t.Errorf("unexpected quality metadata: %+v", premiumResult)
	}
}

func TestSilverUnmatchedJoinKeyNullFills(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedTable(t, m, "bronze_premiums", premiumSchema(), []etl.Record{
		{Data: map[string]any{
			"customer_id":    "c1",
			"date_of_birth":  time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
			"territory":      "T9",
			"premium":        150.0,
			"fixed_expenses": 100.0,
		}},
	})
	seedTable(t, m, "bronze_territory", territorySchema(), []etl.Record{
		{Data: map[string]any{"territory": "T1", "town": "Springfield"}},
	})

	s := newSilver(m, defaultEngine(t))
	written, err := s.Run(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 1 {
		t.Fatalf("unmatched rows must still land, got %d written", written)
	}

	rows, _ := m.ReadAll(ctx, "silver_premiums")
	row := rows[0].Data
	if _, ok := row["town"]; ok {
		t.Errorf("unmatched join must leave dimension columns NULL, got %v", row["town"])
	}
	if row["territory"] != "T9" {
		t.Errorf("join key must pass through, got %v", row["territory"])
	}
}

func TestSilverIncremental(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedTable(t, m, "bronze_premiums", premiumSchema(), []etl.Record{
		{Data: map[string]any{
			"customer_id":    "c1",
			"date_of_birth":  time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
			"territory":      "T1",
			"premium":        150.0,
			"fixed_expenses": 100.0,
		}},
	})
	seedTable(t, m, "bronze_territory", territorySchema(), []etl.Record{
		{Data: map[string]any{"territory": "T1", "town": "Springfield"}},
	})

	s := newSilver(m, defaultEngine(t))
	if _, err := s.Run(ctx, "run-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Nothing new: no-op
	written, err := s.Run(ctx, "run-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 0 {
		t.Errorf("expected no-op with nothing new, got %d", written)
	}

	// New fact: only it is processed
	seedTable(t, m, "bronze_premiums", premiumSchema(), []etl.Record{
		{Data: map[string]any{
			"customer_id":    "c2",
			"date_of_birth":  time.Date(2000, 7, 15, 0, 0, 0, 0, time.UTC),
			"territory":      "T1",
			"premium":        300.0,
			"fixed_expenses": 100.0,
		}},
	})
	written, err = s.Run(ctx, "run-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 1 {
		t.Errorf("expected only the new fact, got %d", written)
	}

	rows, _ := m.ReadAll(ctx, "silver_premiums")
	if len(rows) != 2 {
		t.Errorf("expected 2 silver rows total, got %d", len(rows))
	}
}

func TestSilverFatalConstraintAbortsIncrement(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedTable(t, m, "bronze_premiums", premiumSchema(), []etl.Record{
		{Data: map[string]any{
			"customer_id":    "c1",
			"date_of_birth":  time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
			"territory":      "T1",
			"premium":        -1.0,
			"fixed_expenses": 100.0,
		}},
	})
	seedTable(t, m, "bronze_territory", territorySchema(), []etl.Record{
		{Data: map[string]any{"territory": "T1", "town": "Springfield"}},
	})

	engine, err := quality.NewEngine([]quality.Constraint{
		{Name: "valid_premium", Expr: "row.premium > 0.0", Policy: quality.PolicyFail},
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	s := newSilver(m, engine)
	if _, err := s.Run(ctx, "run-1"); err == nil {
		t.Fatal("expected fatal constraint to abort the increment")
	}

	rows, _ := m.ReadAll(ctx, "silver_premiums")
	if len(rows) != 0 {
		t.Errorf("aborted increment must write nothing, got %+v", rows)
	}
	if _, found, _ := m.LoadCheckpoint(ctx, "consumer:silver_premiums"); found {
		t.Errorf("aborted increment must not advance the checkpoint")
	}

	// The failed batch is retried next cycle
	if _, err := s.Run(ctx, "run-2"); err == nil {
		t.Errorf("retry must hit the same fatal constraint")
	}
}

func TestSilverAbortedTalliesDoNotLeakIntoRetry(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedTable(t, m, "bronze_premiums", premiumSchema(), []etl.Record{
		{Data: map[string]any{
			"customer_id":    "c1",
			"date_of_birth":  time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
			"territory":      "T1",
			"premium":        150.0,
			"fixed_expenses": 100.0,
		}},
		{Data: map[string]any{
			"customer_id":    "c2",
			"date_of_birth":  time.Date(1985, 3, 2, 0, 0, 0, 0, time.UTC),
			"territory":      "T9",
			"premium":        200.0,
			"fixed_expenses": 100.0,
		}},
	})
	seedTable(t, m, "bronze_territory", territorySchema(), []etl.Record{
		{Data: map[string]any{"territory": "T1", "town": "Springfield"}},
	})

	// Gating on a dimension column: c2 has no match yet, so the
	// constraint errors and the fail policy aborts the increment
	// after c1 was already tallied.
	engine, err := quality.NewEngine([]quality.Constraint{
		{Name: "known_town", Expr: "row.town != ''", Policy: quality.PolicyFail},
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	s := newSilver(m, engine)
	if _, err := s.Run(ctx, "run-1"); err == nil {
		t.Fatal("expected fatal constraint to abort the increment")
	}

	// The dimension catches up and the retry succeeds.
	seedTable(t, m, "bronze_territory", territorySchema(), []etl.Record{
		{Data: map[string]any{"territory": "T9", "town": "Shelbyville"}},
	})
	written, err := s.Run(ctx, "run-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 2 {
		t.Fatalf("expected both facts written, got %d", written)
	}

	results := m.QualityResults()
	if len(results) != 1 {
		t.Fatalf("expected 1 quality row, got %d", len(results))
	}
	if results[0].RunID != "run-2" || results[0].Passed != 2 || results[0].Failed != 0 {
		t.Errorf("tallies from the aborted run leaked: %+v", results[0])
	}
}

func TestSilverDimensionColumnSelection(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedTable(t, m, "bronze_premiums", premiumSchema(), []etl.Record{
		{Data: map[string]any{
			"customer_id":    "c1",
			"date_of_birth":  time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
			"territory":      "T1",
			"premium":        150.0,
			"fixed_expenses": 100.0,
		}},
	})
	seedTable(t, m, "bronze_territory", territorySchema(), []etl.Record{
		{Data: map[string]any{
			"territory": "T1",
			"town":      "Springfield",
			"county":    "Greene",
			"zipcode":   65619.0,
		}},
	})

	s := newSilver(m, defaultEngine(t))
	s.DimColumns = []string{"town", "county"}
	if _, err := s.Run(ctx, "run-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, _ := m.ReadAll(ctx, "silver_premiums")
	row := rows[0].Data
	if row["town"] != "Springfield" || row["county"] != "Greene" {
		t.Errorf("selected dimension columns must join through, got %v", row)
	}
	if _, ok := row["zipcode"]; ok {
		t.Errorf("unselected dimension column must not join through, got %v", row["zipcode"])
	}

	schema, _ := m.Schema("silver_premiums")
	if _, ok := schema.Field("zipcode"); ok {
		t.Errorf("unselected dimension column must not enter the output schema")
	}
}
