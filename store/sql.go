package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/covergrid/premium-pipeline/etl"
)

// SQLStore implements Store over a database/sql warehouse. The
// same core serves DuckDB and PostgreSQL; only the placeholder
// syntax differs.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	mu      sync.Mutex
	schemas map[string]*etl.Schema
	nextSeq map[string]int64
}

type dialect int

const (
	dialectDuckDB dialect = iota
	dialectPostgres
)

func (d dialect) placeholder(i int) string {
	if d == dialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// placeholders builds a placeholder list for arguments start..start+n-1.
func (d dialect) placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = d.placeholder(start + i)
	}
	return strings.Join(parts, ", ")
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: d,
		schemas: make(map[string]*etl.Schema),
		nextSeq: make(map[string]int64),
	}
	if err := s.initMeta(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initMeta(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			file_name TEXT,
			record_offset BIGINT,
			updated_at TIMESTAMP
		)`, CheckpointTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT,
			table_name TEXT,
			constraint_name TEXT,
			passed BIGINT,
			failed BIGINT,
			created_at TIMESTAMP
		)`, QualityTable),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create meta table: %w", err)
		}
	}
	return nil
}

func sqlType(t etl.FieldType) string {
	switch t {
	case etl.TypeNumber:
		return "DOUBLE PRECISION"
	case etl.TypeBoolean:
		return "BOOLEAN"
	case etl.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func fieldTypeFromSQL(dataType string) etl.FieldType {
	t := strings.ToLower(dataType)
	switch {
	case strings.Contains(t, "double"), strings.Contains(t, "float"),
		strings.Contains(t, "real"), strings.Contains(t, "numeric"),
		strings.Contains(t, "int"):
		return etl.TypeNumber
	case strings.Contains(t, "bool"):
		return etl.TypeBoolean
	case strings.Contains(t, "timestamp"), strings.Contains(t, "date"):
		return etl.TypeTimestamp
	default:
		return etl.TypeText
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// EnsureTable creates the table from the inferred schema, or adds
// columns the schema gained since the table was created. Columns
// whose type is still unknown are withheld until a batch types
// them; their values are all NULL anyway. On first sight of an
// existing table (after a restart) the schema is recovered from
// information_schema.
func (s *SQLStore) EnsureTable(ctx context.Context, table string, schema *etl.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema = schema.Typed()

	current, known := s.schemas[table]
	if !known {
		recovered, err := s.loadTableSchema(ctx, table)
		if err != nil {
			return err
		}
		if recovered != nil {
			current, known = recovered, true
		}
	}

	if !known {
		cols := make([]string, 0, len(schema.Fields)+1)
		cols = append(cols, quoteIdent("_seq")+" BIGINT")
		for _, f := range schema.Fields {
			cols = append(cols, quoteIdent(f.Name)+" "+sqlType(f.Type))
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(cols, ", "))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
		s.schemas[table] = schema.Clone()
		return s.seedSeqLocked(ctx, table)
	}

	// Evolve: add any column the current table does not have yet.
	for _, f := range schema.Fields {
		if _, ok := current.Field(f.Name); ok {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			quoteIdent(table), quoteIdent(f.Name), sqlType(f.Type))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", table, f.Name, err)
		}
		current.Fields = append(current.Fields, f)
	}
	if _, ok := s.nextSeq[table]; !ok {
		return s.seedSeqLocked(ctx, table)
	}
	return nil
}

// loadTableSchema recovers a table's schema from the catalog.
// Returns nil when the table does not exist.
func (s *SQLStore) loadTableSchema(ctx context.Context, table string) (*etl.Schema, error) {
	query := fmt.Sprintf(`
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = %s
		ORDER BY ordinal_position
	`, s.dialect.placeholder(1))

	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	schema := &etl.Schema{}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == "_seq" {
			continue
		}
		schema.Fields = append(schema.Fields, etl.Field{Name: name, Type: fieldTypeFromSQL(dataType)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column info: %w", err)
	}
	if len(schema.Fields) == 0 {
		return nil, nil
	}
	s.schemas[table] = schema
	return schema, nil
}

func (s *SQLStore) seedSeqLocked(ctx context.Context, table string) error {
	var maxSeq sql.NullInt64
	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, quoteIdent("_seq"), quoteIdent(table))
	if err := s.db.QueryRowContext(ctx, query).Scan(&maxSeq); err != nil {
		return fmt.Errorf("failed to seed sequence for %s: %w", table, err)
	}
	if maxSeq.Valid {
		s.nextSeq[table] = maxSeq.Int64
	} else {
		s.nextSeq[table] = 0
	}
	return nil
}

// reserveSeqs hands out n sequence numbers for a table. A rolled
// back transaction leaves a gap, which is fine: sequences are
// monotonic, not dense.
func (s *SQLStore) reserveSeqs(table string, n int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.nextSeq[table] + 1
	s.nextSeq[table] += int64(n)
	return first
}

// Schema returns the known schema for a table.
func (s *SQLStore) Schema(table string) (*etl.Schema, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schema, ok := s.schemas[table]
	if !ok {
		return nil, false
	}
	return schema.Clone(), true
}

func (s *SQLStore) ReadSince(ctx context.Context, table string, since int64) ([]etl.Record, error) {
	schema, ok := s.Schema(table)
	if !ok {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > %s ORDER BY %s",
		selectList(schema), quoteIdent(table), quoteIdent("_seq"),
		s.dialect.placeholder(1), quoteIdent("_seq"))
	return s.queryRecords(ctx, schema, query, since)
}

func (s *SQLStore) ReadAll(ctx context.Context, table string) ([]etl.Record, error) {
	schema, ok := s.Schema(table)
	if !ok {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		selectList(schema), quoteIdent(table), quoteIdent("_seq"))
	return s.queryRecords(ctx, schema, query)
}

func (s *SQLStore) MaxSeq(ctx context.Context, table string) (int64, error) {
	if _, ok := s.Schema(table); !ok {
		return 0, nil
	}
	var maxSeq sql.NullInt64
	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, quoteIdent("_seq"), quoteIdent(table))
	if err := s.db.QueryRowContext(ctx, query).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("failed to query max sequence for %s: %w", table, err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return maxSeq.Int64, nil
}

func selectList(schema *etl.Schema) string {
	cols := make([]string, 0, len(schema.Fields)+1)
	cols = append(cols, quoteIdent("_seq"))
	for _, f := range schema.Fields {
		cols = append(cols, quoteIdent(f.Name))
	}
	return strings.Join(cols, ", ")
}

func (s *SQLStore) queryRecords(ctx context.Context, schema *etl.Schema, query string, args ...any) ([]etl.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []etl.Record
	for rows.Next() {
		var seq int64
		targets := make([]any, 0, len(schema.Fields)+1)
		targets = append(targets, &seq)
		holders := make([]any, len(schema.Fields))
		for i, f := range schema.Fields {
			holders[i] = scanTarget(f.Type)
			targets = append(targets, holders[i])
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		data := make(map[string]any, len(schema.Fields))
		for i, f := range schema.Fields {
			if v, ok := scanValue(holders[i]); ok {
				data[f.Name] = v
			}
		}
		out = append(out, etl.Record{Seq: seq, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

func scanTarget(t etl.FieldType) any {
	switch t {
	case etl.TypeNumber:
		return &sql.NullFloat64{}
	case etl.TypeBoolean:
		return &sql.NullBool{}
	case etl.TypeTimestamp:
		return &sql.NullTime{}
	default:
		return &sql.NullString{}
	}
}

func scanValue(holder any) (any, bool) {
	switch v := holder.(type) {
	case *sql.NullFloat64:
		if v.Valid {
			return v.Float64, true
		}
	case *sql.NullBool:
		if v.Valid {
			return v.Bool, true
		}
	case *sql.NullTime:
		if v.Valid {
			return v.Time, true
		}
	case *sql.NullString:
		if v.Valid {
			return v.String, true
		}
	}
	return nil, false
}

func (s *SQLStore) LoadCheckpoint(ctx context.Context, id string) (Checkpoint, bool, error) {
	query := fmt.Sprintf(`
		SELECT file_name, record_offset, updated_at
		FROM %s
		WHERE id = %s
	`, CheckpointTable, s.dialect.placeholder(1))

	var fileName sql.NullString
	var offset sql.NullInt64
	var updatedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, id).Scan(&fileName, &offset, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Checkpoint{ID: id}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}

	cp := Checkpoint{ID: id, FileName: fileName.String, Offset: offset.Int64}
	if updatedAt.Valid {
		cp.UpdatedAt = updatedAt.Time
	}
	return cp, true, nil
}

func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTx{store: s, tx: tx}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ── Transaction ────────────────────────────────────────────

type sqlTx struct {
	store *SQLStore
	tx    *sql.Tx
}

func (t *sqlTx) Append(ctx context.Context, table string, records []etl.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	schema, ok := t.store.Schema(table)
	if !ok {
		return 0, fmt.Errorf("table %s has no schema; call EnsureTable first", table)
	}

	first := t.store.reserveSeqs(table, len(records))

	cols := make([]string, 0, len(schema.Fields)+1)
	cols = append(cols, quoteIdent("_seq"))
	for _, f := range schema.Fields {
		cols = append(cols, quoteIdent(f.Name))
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(cols, ", "),
		t.store.dialect.placeholders(1, len(cols)))

	for i, rec := range records {
		args := make([]any, 0, len(cols))
		args = append(args, first+int64(i))
		for _, f := range schema.Fields {
			args = append(args, rec.Data[f.Name])
		}
		if _, err := t.tx.ExecContext(ctx, insert, args...); err != nil {
			return 0, fmt.Errorf("failed to append to %s: %w", table, err)
		}
	}
	return first + int64(len(records)) - 1, nil
}

func (t *sqlTx) Replace(ctx context.Context, table string, records []etl.Record) error {
	if _, ok := t.store.Schema(table); !ok {
		return fmt.Errorf("table %s has no schema; call EnsureTable first", table)
	}
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(table))); err != nil {
		return fmt.Errorf("failed to clear table %s: %w", table, err)
	}
	_, err := t.Append(ctx, table, records)
	return err
}

func (t *sqlTx) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, file_name, record_offset, updated_at)
		VALUES (%s)
		ON CONFLICT (id) DO UPDATE SET
			file_name = excluded.file_name,
			record_offset = excluded.record_offset,
			updated_at = excluded.updated_at
	`, CheckpointTable, t.store.dialect.placeholders(1, 4))

	if _, err := t.tx.ExecContext(ctx, query, cp.ID, cp.FileName, cp.Offset, time.Now()); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (t *sqlTx) RecordQuality(ctx context.Context, results []QualityResult) error {
	if len(results) == 0 {
		return nil
	}

	// Single batched insert instead of one round trip per result.
	insert := fmt.Sprintf(`INSERT INTO %s (
		run_id, table_name, constraint_name, passed, failed, created_at
	) VALUES `, QualityTable)

	placeholders := make([]string, len(results))
	args := make([]any, 0, len(results)*6)
	for i, r := range results {
		placeholders[i] = "(" + t.store.dialect.placeholders(i*6+1, 6) + ")"
		args = append(args, r.RunID, r.Table, r.Constraint, r.Passed, r.Failed, r.CreatedAt)
	}

	insert += strings.Join(placeholders, ", ")
	if _, err := t.tx.ExecContext(ctx, insert, args...); err != nil {
		return fmt.Errorf("failed to record %d quality results: %w", len(results), err)
	}
	return nil
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}
