package writer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
)

// Inspector queries Parquet artifacts through an in-memory DuckDB.
type Inspector struct {
	db *sql.DB
}

// NewInspector opens an in-memory DuckDB.
func NewInspector() (*Inspector, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	return &Inspector{db: db}, nil
}

// Close closes the DuckDB connection.
func (i *Inspector) Close() error {
	return i.db.Close()
}

// quote escapes a path for use inside a SQL string literal. Globs such as
// weights/step-*.parquet are passed through to read_parquet.
func quote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", "''") + "'"
}

// RowCount returns the number of rows in one or more Parquet files.
func (i *Inspector) RowCount(ctx context.Context, path string) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM read_parquet(%s)`, quote(path))
	var count int64
	if err := i.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", path, err)
	}
	return count, nil
}

// ColumnInfo holds column metadata.
type ColumnInfo struct {
	Name string
	Type string
}

// Columns describes the schema of a Parquet file.
func (i *Inspector) Columns(ctx context.Context, path string) ([]ColumnInfo, error) {
	query := fmt.Sprintf(`DESCRIBE SELECT * FROM read_parquet(%s)`, quote(path))

	rows, err := i.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	defer rows.Close()

	var columns []ColumnInfo
	for rows.Next() {
		var name, dtype string
		var null, key, dflt, extra interface{}
		if err := rows.Scan(&name, &dtype, &null, &key, &dflt, &extra); err != nil {
			return nil, err
		}
		columns = append(columns, ColumnInfo{Name: name, Type: dtype})
	}
	return columns, rows.Err()
}

// Summary aggregates a weights artifact.
type Summary struct {
	Rows          int64
	MeanWeight    float64
	MinWeight     float64
	MaxWeight     float64
	MeanWeightErr float64
	TotalTimeMs   float64
	MeanTimeMs    float64
}

// Summarize computes aggregate statistics over the weights columns.
func (i *Inspector) Summarize(ctx context.Context, path string) (*Summary, error) {
	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COALESCE(AVG(%[1]s), 0),
			COALESCE(MIN(%[1]s), 0),
			COALESCE(MAX(%[1]s), 0),
			COALESCE(AVG(%[2]s), 0),
			COALESCE(SUM(%[3]s), 0),
			COALESCE(AVG(%[3]s), 0)
		FROM read_parquet(%[4]s)
	`, ColumnWeight, ColumnWeightErr, ColumnWeightTime, quote(path))

	var s Summary
	err := i.db.QueryRowContext(ctx, query).Scan(
		&s.Rows,
		&s.MeanWeight,
		&s.MinWeight,
		&s.MaxWeight,
		&s.MeanWeightErr,
		&s.TotalTimeMs,
		&s.MeanTimeMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize %s: %w", path, err)
	}
	return &s, nil
}
