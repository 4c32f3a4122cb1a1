// Package store persists emitted audit lines in the SQLite audit store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"duck-audit/internal/audit"
	"duck-audit/internal/audit/classify"
	"duck-audit/internal/db"
	"duck-audit/internal/domain"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// StoredRecord is an audit record with its store identity.
type StoredRecord struct {
	ID         int64
	ArchiveKey string
	audit.Record
}

// Filter narrows List. Zero fields do not filter.
type Filter struct {
	SessionID string
	ClassName string
	Since     time.Time
	AfterID   int64
	Limit     int
}

// Records is the audit record repository.
type Records struct {
	write *sql.DB
	read  *sql.DB
}

// NewRecords returns a repository over the store pools.
func NewRecords(pool *db.Pool) *Records {
	return &Records{write: pool.Write, read: pool.Read}
}

// Insert appends a record and returns its id.
func (r *Records) Insert(ctx context.Context, rec audit.Record) (int64, error) {
	res, err := r.write.ExecContext(ctx, `INSERT INTO audit_records
		(session_id, kind, class, class_name, statement_id, substatement_id,
		 user_name, database_name, remote_host, line, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Kind, int64(rec.Class), rec.ClassName, rec.StatementID, rec.SubstatementID,
		rec.User, rec.Database, rec.RemoteHost, rec.Line, rec.Time.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert audit record: %w", err)
	}
	return res.LastInsertId()
}

// List returns records in insertion order.
func (r *Records) List(ctx context.Context, f Filter) ([]StoredRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ClassName != "" {
		where = append(where, "class_name = ?")
		args = append(args, strings.ToUpper(f.ClassName))
	}
	if !f.Since.IsZero() {
		where = append(where, "logged_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
	}

	limit := f.Limit
	switch {
	case limit < 0:
		return nil, domain.ErrValidation("limit must not be negative")
	case limit == 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	query := selectRecords
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, limit)

	return r.query(ctx, r.read, query, args...)
}

// Unarchived returns up to limit records that no archive holds yet, oldest first.
func (r *Records) Unarchived(ctx context.Context, limit int) ([]StoredRecord, error) {
	if limit <= 0 {
		limit = maxListLimit
	}
	return r.query(ctx, r.write, selectRecords+" WHERE archive_key IS NULL ORDER BY id LIMIT ?", limit)
}

// MarkArchived records the archive object that holds the given records.
func (r *Records) MarkArchived(ctx context.Context, ids []int64, key string) error {
	if len(ids) == 0 {
		return nil
	}
	if key == "" {
		return domain.ErrValidation("archive key is required")
	}

	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, "UPDATE audit_records SET archive_key = ? WHERE id = ?")
	if err != nil {
		return fmt.Errorf("prepare mark archived: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, key, id); err != nil {
			return fmt.Errorf("mark record %d archived: %w", id, err)
		}
	}
	return tx.Commit()
}

// Purge deletes archived records logged before the cutoff. Records that were
// never archived are kept.
func (r *Records) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.write.ExecContext(ctx,
		"DELETE FROM audit_records WHERE logged_at < ? AND archive_key IS NOT NULL", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge audit records: %w", err)
	}
	return res.RowsAffected()
}

const selectRecords = `SELECT id, session_id, kind, class, class_name, statement_id, substatement_id,
	user_name, database_name, remote_host, line, logged_at, COALESCE(archive_key, '')
	FROM audit_records`

func (r *Records) query(ctx context.Context, conn *sql.DB, query string, args ...any) ([]StoredRecord, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []StoredRecord
	for rows.Next() {
		var (
			rec    StoredRecord
			class  int64
			logged int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Kind, &class, &rec.ClassName,
			&rec.StatementID, &rec.SubstatementID, &rec.User, &rec.Database, &rec.RemoteHost,
			&rec.Line, &logged, &rec.ArchiveKey); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Class = classify.Class(class)
		rec.Time = time.Unix(0, logged).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Sink returns an audit sink that stores every emitted line.
func (r *Records) Sink() audit.Sink {
	return audit.SinkFunc(func(ctx context.Context, rec audit.Record) error {
		_, err := r.Insert(ctx, rec)
		return err
	})
}
