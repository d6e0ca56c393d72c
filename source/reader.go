package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/covergrid/premium-pipeline/etl"
)

// ── Landing zone reader ────────────────────────────────────
// Each source watches one directory of CSV landing files. Files
// are consumed in lexicographic name order, which matches the
// timestamped names upstream systems drop. A checkpoint (last
// file name, rows consumed from it) makes polling incremental:
// re-running a poll from the same checkpoint yields the same
// batch.

// Reader reads new rows from a source's landing directory.
type Reader struct {
	// Name identifies the source in errors and logs.
	Name string
	// Dir is the landing directory to poll.
	Dir string
	// Rules governs schema evolution across landing files.
	Rules etl.Evolution
}

// Batch is the result of one poll: the new records, the schema
// after merging anything the new files taught us, and the
// position to checkpoint once the records are durably stored.
type Batch struct {
	Records  []etl.Record
	Schema   *etl.Schema
	FileName string
	Offset   int64
}

// Poll reads every row landed after the given position. current
// is the schema inferred so far (nil before the first batch).
// Poll never mutates anything: callers persist the batch and its
// position atomically, so a crashed run simply polls again.
func (r *Reader) Poll(fileName string, offset int64, current *etl.Schema) (*Batch, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil, &etl.UpstreamUnavailableError{Source: r.Name, Err: err}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".csv") {
			continue
		}
		if e.Name() < fileName {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	batch := &Batch{
		Schema:   current,
		FileName: fileName,
		Offset:   offset,
	}

	for _, name := range names {
		skip := int64(0)
		if name == fileName {
			skip = offset
		}

		headers, rows, err := readCSV(filepath.Join(r.Dir, name))
		if err != nil {
			return nil, &etl.UpstreamUnavailableError{Source: r.Name, Err: err}
		}
		if len(headers) == 0 {
			// Empty file: checkpoint past it.
			batch.FileName = name
			batch.Offset = 0
			continue
		}
		total := int64(len(rows))
		if total <= skip && name == fileName {
			continue
		}

		decoded := decodeRows(headers, rows[skip:])

		inferred := etl.InferSchema(headers, decoded)
		if batch.Schema == nil {
			batch.Schema = inferred
		} else {
			merged, err := etl.Merge(batch.Schema, inferred, r.Rules)
			if err != nil {
				var sm *etl.SchemaMismatchError
				if errors.As(err, &sm) {
					sm.Source = r.Name + "/" + name
				}
				return nil, err
			}
			batch.Schema = merged
		}

		for _, row := range decoded {
			batch.Records = append(batch.Records, etl.Record{Data: row})
		}
		batch.FileName = name
		batch.Offset = total
	}

	return batch, nil
}

func readCSV(path string) (headers []string, rows [][]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	headers, err = reader.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row in %s: %w", path, err)
		}
		rows = append(rows, row)
	}
	return headers, rows, nil
}

func decodeRows(headers []string, rows [][]string) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		data := make(map[string]any, len(headers))
		for j, h := range headers {
			if j >= len(row) {
				break
			}
			if v := etl.InferValue(row[j]); v != nil {
				data[h] = v
			}
		}
		out[i] = data
	}
	return out
}
