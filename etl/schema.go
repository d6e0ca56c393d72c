package etl

import (
	"strconv"
	"strings"
	"time"
)

// ── Schema inference ───────────────────────────────────────
// Landing files carry no declared schema: column names come from
// the header row and types are inferred from the first values
// seen, the same way cloud landing-zone loaders infer them.

// Evolution controls how an already-inferred schema may change
// when later batches disagree with it.
type Evolution struct {
	// AllowNewColumns permits later batches to add columns that the
	// first batch did not have. Existing rows read back as NULL for
	// the new columns.
	AllowNewColumns bool
	// WidenToText downgrades a column to text instead of failing
	// when a later batch carries an incompatible value type.
	WidenToText bool
}

// InferValue parses a raw CSV cell into a typed Go value.
// Empty cells become nil (NULL).
func InferValue(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	switch strings.ToLower(s) {
	case "true", "yes":
		return true
	case "false", "no":
		return false
	}

	if t, ok := parseTime(s); ok {
		return t
	}

	return s
}

var timeLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// TypeOf maps an inferred Go value to its field type.
func TypeOf(v any) FieldType {
	switch v.(type) {
	case float64:
		return TypeNumber
	case bool:
		return TypeBoolean
	case time.Time:
		return TypeTimestamp
	default:
		return TypeText
	}
}

// InferSchema derives a schema from a header row and a sample of
// decoded rows. A column whose sampled values are all NULL stays
// unknown until a later batch carries a value for it.
func InferSchema(headers []string, rows []map[string]any) *Schema {
	schema := &Schema{Fields: make([]Field, len(headers))}
	for i, h := range headers {
		fieldType := TypeUnknown
		for _, row := range rows {
			if v, ok := row[h]; ok && v != nil {
				fieldType = TypeOf(v)
				break
			}
		}
		schema.Fields[i] = Field{Name: h, Type: fieldType}
	}
	return schema
}

// Merge reconciles a newly inferred schema against the current one
// under the configured evolution rules. It returns the merged
// schema, or a SchemaMismatchError when the new batch is
// structurally incompatible. Columns missing from the new schema
// are kept (rows simply carry NULLs for them).
func Merge(current, incoming *Schema, rules Evolution) (*Schema, error) {
	merged := current.Clone()

	for _, in := range incoming.Fields {
		existing, ok := merged.Field(in.Name)
		if !ok {
			if !rules.AllowNewColumns {
				return nil, &SchemaMismatchError{
					Column: in.Name,
					Detail: "unexpected new column",
				}
			}
			merged.Fields = append(merged.Fields, in)
			continue
		}

		if existing.Type == in.Type || in.Type == TypeUnknown {
			continue
		}
		if existing.Type == TypeUnknown {
			for i := range merged.Fields {
				if merged.Fields[i].Name == in.Name {
					merged.Fields[i].Type = in.Type
				}
			}
			continue
		}
		if rules.WidenToText {
			for i := range merged.Fields {
				if merged.Fields[i].Name == in.Name {
					merged.Fields[i].Type = TypeText
				}
			}
			continue
		}
		return nil, &SchemaMismatchError{
			Column: in.Name,
			Detail: "type " + string(in.Type) + " conflicts with inferred " + string(existing.Type),
		}
	}

	return merged, nil
}
