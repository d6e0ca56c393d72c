package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/covergrid/premium-pipeline/etl"
)

// Memory is an in-memory Store used by tests and dry runs. Writes
// stage inside the transaction and only land on Commit, matching
// the atomicity of the SQL engines.
type Memory struct {
	mu          sync.RWMutex
	schemas     map[string]*etl.Schema
	tables      map[string][]etl.Record
	checkpoints map[string]Checkpoint
	quality     []QualityResult
	nextSeq     map[string]int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		schemas:     make(map[string]*etl.Schema),
		tables:      make(map[string][]etl.Record),
		checkpoints: make(map[string]Checkpoint),
		nextSeq:     make(map[string]int64),
	}
}

func (m *Memory) EnsureTable(ctx context.Context, table string, schema *etl.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	schema = schema.Typed()

	current, ok := m.schemas[table]
	if !ok {
		m.schemas[table] = schema.Clone()
		return nil
	}
	for _, f := range schema.Fields {
		if _, exists := current.Field(f.Name); !exists {
			current.Fields = append(current.Fields, f)
		}
	}
	return nil
}

func (m *Memory) Schema(table string) (*etl.Schema, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	schema, ok := m.schemas[table]
	if !ok {
		return nil, false
	}
	return schema.Clone(), true
}

func (m *Memory) ReadSince(ctx context.Context, table string, since int64) ([]etl.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []etl.Record
	for _, rec := range m.tables[table] {
		if rec.Seq > since {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *Memory) ReadAll(ctx context.Context, table string) ([]etl.Record, error) {
	return m.ReadSince(ctx, table, 0)
}

func (m *Memory) MaxSeq(ctx context.Context, table string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.tables[table]
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[len(rows)-1].Seq, nil
}

func (m *Memory) LoadCheckpoint(ctx context.Context, id string) (Checkpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[id]
	if !ok {
		return Checkpoint{ID: id}, false, nil
	}
	return cp, true, nil
}

// QualityResults returns all recorded quality tallies, for tests.
func (m *Memory) QualityResults() []QualityResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]QualityResult, len(m.quality))
	copy(out, m.quality)
	return out
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{
		store:       m,
		appends:     make(map[string][]etl.Record),
		replaces:    make(map[string][]etl.Record),
		checkpoints: make(map[string]Checkpoint),
	}, nil
}

func (m *Memory) Close() error {
	return nil
}

type memoryTx struct {
	store       *Memory
	appends     map[string][]etl.Record
	replaces    map[string][]etl.Record
	checkpoints map[string]Checkpoint
	quality     []QualityResult
	done        bool
}

func (t *memoryTx) Append(ctx context.Context, table string, records []etl.Record) (int64, error) {
	if _, ok := t.store.Schema(table); !ok {
		return 0, fmt.Errorf("table %s has no schema; call EnsureTable first", table)
	}

	t.store.mu.Lock()
	first := t.store.nextSeq[table] + 1
	t.store.nextSeq[table] += int64(len(records))
	t.store.mu.Unlock()

	for i, rec := range records {
		staged := rec.Clone()
		staged.Seq = first + int64(i)
		t.appends[table] = append(t.appends[table], staged)
	}
	return first + int64(len(records)) - 1, nil
}

func (t *memoryTx) Replace(ctx context.Context, table string, records []etl.Record) error {
	if _, ok := t.store.Schema(table); !ok {
		return fmt.Errorf("table %s has no schema; call EnsureTable first", table)
	}

	t.store.mu.Lock()
	first := t.store.nextSeq[table] + 1
	t.store.nextSeq[table] += int64(len(records))
	t.store.mu.Unlock()

	staged := make([]etl.Record, len(records))
	for i, rec := range records {
		staged[i] = rec.Clone()
		staged[i].Seq = first + int64(i)
	}
	t.replaces[table] = staged
	return nil
}

func (t *memoryTx) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	cp.UpdatedAt = time.Now()
	t.checkpoints[cp.ID] = cp
	return nil
}

func (t *memoryTx) RecordQuality(ctx context.Context, results []QualityResult) error {
	t.quality = append(t.quality, results...)
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for table, records := range t.replaces {
		t.store.tables[table] = records
	}
	for table, records := range t.appends {
		t.store.tables[table] = append(t.store.tables[table], records...)
	}
	for id, cp := range t.checkpoints {
		t.store.checkpoints[id] = cp
	}
	t.store.quality = append(t.store.quality, t.quality...)
	return nil
}

func (t *memoryTx) Rollback() error {
	t.done = true
	return nil
}
