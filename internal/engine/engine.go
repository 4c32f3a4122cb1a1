// Package engine runs audited statements on the DuckDB database behind the gateway.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// Rows is the materialized result of a query.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Engine executes SQL on a DuckDB database.
type Engine struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the DuckDB database at path ("" for in-memory) and loads the given
// extensions.
func Open(ctx context.Context, path string, extensions []string, logger *slog.Logger) (*Engine, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	if err := InstallExtensions(ctx, db, extensions); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, logger), nil
}

// New wraps an open DuckDB handle.
func New(db *sql.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, logger: logger}
}

// DB returns the underlying handle.
func (e *Engine) DB() *sql.DB { return e.db }

// Close closes the database.
func (e *Engine) Close() error { return e.db.Close() }

// Query runs a statement that returns rows.
func (e *Engine) Query(ctx context.Context, query string) (*Rows, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapError(err)
	}
	defer rows.Close() //nolint:errcheck

	result, err := scanRows(rows)
	if err != nil {
		return nil, wrapError(err)
	}
	e.logger.Debug("query executed", "columns", len(result.Columns), "rows", len(result.Values))
	return result, nil
}

// Exec runs a statement that does not return rows and reports the affected row
// count, or 0 when the statement has none.
func (e *Engine) Exec(ctx context.Context, query string) (int64, error) {
	res, err := e.db.ExecContext(ctx, query)
	if err != nil {
		return 0, wrapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // utility statements have no row count
	}
	return n, nil
}

func scanRows(rows *sql.Rows) (*Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Rows{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		result.Values = append(result.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// normalize widens driver scalars to the handful of types the wire layer renders.
func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

// InstallExtensions installs and loads DuckDB extensions by name.
func InstallExtensions(ctx context.Context, db *sql.DB, extensions []string) error {
	for _, ext := range extensions {
		name := strings.TrimSpace(ext)
		if name == "" {
			continue
		}
		if !isExtensionName(name) {
			return fmt.Errorf("invalid extension name %q", name)
		}
		stmt := fmt.Sprintf("INSTALL %s; LOAD %s;", name, name)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("extension setup (%s): %w", name, err)
		}
	}
	return nil
}

func isExtensionName(name string) bool {
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}
