package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/opsrig/flowkit/pkg/schema"
)

//go:embed migrations/001_initial_schema.sql
var migration001 string

type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{Version: 1, Name: "initial_schema", SQL: migration001},
}

// LibSQLLog is a Recorder backed by libSQL (embedded SQLite fork). Events
// survive process restarts, which is what makes resume-after-crash useful.
type LibSQLLog struct {
	db *sql.DB
}

// OpenLibSQLLog opens (or creates) the event database at the given path and
// applies pending migrations. The path should be a file URI, e.g.
// "file:/var/lib/flowkit/runs.db".
func OpenLibSQLLog(ctx context.Context, dbPath string) (*LibSQLLog, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeHistory, "open libsql").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	l := &LibSQLLog{db: db}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database.
func (l *LibSQLLog) Close() error { return l.db.Close() }

func (l *LibSQLLog) migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return schema.NewError(schema.ErrCodeHistory, "create schema_version").WithCause(err)
	}

	var current int
	row := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return schema.NewError(schema.ErrCodeHistory, "read schema_version").WithCause(err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeHistory, "begin migration %d", m.Version).WithCause(err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return schema.NewErrorf(schema.ErrCodeHistory, "migration %d (%s)", m.Version, m.Name).WithCause(err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return schema.NewErrorf(schema.ErrCodeHistory, "record migration %d", m.Version).WithCause(err)
		}
		if err := tx.Commit(); err != nil {
			return schema.NewErrorf(schema.ErrCodeHistory, "commit migration %d", m.Version).WithCause(err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on semicolons, skipping comment-only chunks.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		hasCode := false
		for _, line := range strings.Split(s, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "--") {
				hasCode = true
				break
			}
		}
		if hasCode {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// Append persists the event, assigning the next per-run sequence when unset.
func (l *LibSQLLog) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return schema.NewError(schema.ErrCodeValidation, "event is nil")
	}
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no run ID")
	}

	var payload sql.NullString
	if event.Payload != nil {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return schema.NewError(schema.ErrCodeHistory, "marshal event payload").WithCause(err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeHistory, "begin append").WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	if event.Sequence == 0 {
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID)
		if err := row.Scan(&event.Sequence); err != nil {
			return schema.NewError(schema.ErrCodeHistory, "next sequence").WithCause(err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, node_id, type, sequence, payload) VALUES (?, ?, ?, ?, ?)`,
		event.RunID, nullableString(event.NodeID), event.Type, event.Sequence, payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeHistory, "insert event").WithCause(err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return schema.NewError(schema.ErrCodeHistory, "commit append").WithCause(err)
	}
	return nil
}

// Events returns a run's events ordered by sequence.
func (l *LibSQLLog) Events(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, type, sequence, payload, at
		 FROM run_events WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeHistory, "query events").WithCause(err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &e.Sequence, &payload, &e.At); err != nil {
			return nil, schema.NewError(schema.ErrCodeHistory, "scan event").WithCause(err)
		}
		e.NodeID = nodeID.String
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeHistory, "decode payload of event %d", e.ID).WithCause(err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeHistory, fmt.Sprintf("iterate events for run %s", runID)).WithCause(err)
	}
	return events, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
