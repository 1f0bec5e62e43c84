package planner

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"
)

// SQLiteAuditStore persists audit events in SQLite.
type SQLiteAuditStore struct {
	db *sql.DB
}

// OpenSQLiteAuditStore opens (or creates) a SQLite file and returns a store
// plus the handle so the caller can close it.
func OpenSQLiteAuditStore(path string) (*SQLiteAuditStore, *sql.DB, error) {
	if path == "" {
		return nil, nil, errors.New("audit path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	store, err := NewSQLiteAuditStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

// NewSQLiteAuditStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureAuditSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteAuditStore{db: db}, nil
}

// Record stores a single audit event.
func (s *SQLiteAuditStore) Record(ctx context.Context, event AuditEvent) error {
	output, err := encodeAuditOutput(event.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO unit_audit_events (
			run_id, unit, phase, status, output_json, error_text, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.RunID,
		event.Unit,
		event.Phase,
		event.Status,
		string(output),
		event.Error,
		normalizeAuditTime(event.StartedAt),
		normalizeAuditTime(event.FinishedAt),
	)
	return err
}

// List returns audit events matching the filter.
func (s *SQLiteAuditStore) List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT run_id, unit, phase, status, output_json, error_text, started_at, finished_at
		FROM unit_audit_events
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.RunID != "" {
		addFilter("run_id = ?", filter.RunID)
	}
	if filter.Unit != "" {
		addFilter("unit = ?", filter.Unit)
	}
	if filter.Status != "" {
		addFilter("status = ?", filter.Status)
	}
	query += where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			event      AuditEvent
			outputJSON sql.NullString
			errorText  sql.NullString
			started    sql.NullTime
			finished   sql.NullTime
		)
		if err := rows.Scan(
			&event.RunID,
			&event.Unit,
			&event.Phase,
			&event.Status,
			&outputJSON,
			&errorText,
			&started,
			&finished,
		); err != nil {
			return nil, err
		}
		if outputJSON.Valid && outputJSON.String != "" {
			if out, err := decodeAuditOutput([]byte(outputJSON.String)); err == nil {
				event.Output = out
			}
		}
		event.Error = errorText.String
		if started.Valid {
			event.StartedAt = started.Time
		}
		if finished.Valid {
			event.FinishedAt = finished.Time
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func ensureAuditSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS unit_audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			unit TEXT NOT NULL,
			phase INTEGER NOT NULL,
			status TEXT NOT NULL,
			output_json TEXT,
			error_text TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_unit_audit_run ON unit_audit_events(run_id);
		CREATE INDEX IF NOT EXISTS idx_unit_audit_unit ON unit_audit_events(unit);
		CREATE INDEX IF NOT EXISTS idx_unit_audit_status ON unit_audit_events(status);
	`)
	return err
}
