package etl

// ── Record ─────────────────────────────────────────────────
// Common intermediate data format. Sources emit Records, the
// table store persists them, transforms consume them.

// FieldType is the inferred type of a column.
type FieldType string

const (
	TypeText      FieldType = "text"
	TypeNumber    FieldType = "number"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"

	// TypeUnknown marks a column no non-null value has been seen
	// for yet. NULL fits any type, so an unknown column merges
	// cleanly against any concrete one.
	TypeUnknown FieldType = "unknown"
)

// Field describes a single column in a dataset.
type Field struct {
	Name string
	Type FieldType
}

// Schema describes the shape of records coming from a source.
// Field order follows the order columns were first observed.
type Schema struct {
	Fields []Field
}

// FieldNames returns an ordered list of field names.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Field returns the field with the given name, if present.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	out := &Schema{Fields: make([]Field, len(s.Fields))}
	copy(out.Fields, s.Fields)
	return out
}

// Typed returns a copy of the schema without columns whose type
// is still unknown. Storage layers persist only typed columns; an
// unknown column gains its table column once a value shows up.
func (s *Schema) Typed() *Schema {
	out := &Schema{Fields: make([]Field, 0, len(s.Fields))}
	for _, f := range s.Fields {
		if f.Type != TypeUnknown {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

// Record is a single row of data flowing through the pipeline.
// Seq is the position assigned by the table store on append;
// records read back from a table carry their stored Seq so that
// incremental consumers can resume after it. A NULL column is
// represented by an absent key in Data.
type Record struct {
	Seq  int64
	Data map[string]any
}

// Clone returns a copy of the record with a fresh Data map.
func (r Record) Clone() Record {
	data := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		data[k] = v
	}
	return Record{Seq: r.Seq, Data: data}
}
