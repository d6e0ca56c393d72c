package store

import (
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"
)

// NewDuckDB opens (or creates) a DuckDB warehouse at the given
// path. An empty path opens an in-process, in-memory database.
func NewDuckDB(path string) (*SQLStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb database: %w", err)
	}

	// DuckDB is embedded; a single connection avoids write-write
	// conflicts between concurrent transactions.
	db.SetMaxOpenConns(1)

	return newSQLStore(db, dialectDuckDB)
}
