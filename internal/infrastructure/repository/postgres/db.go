package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	total_chunks INTEGER NOT NULL CHECK (total_chunks >= 1),
	received_chunks INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	total_files_to_process INTEGER NOT NULL DEFAULT 0,
	processed_files INTEGER NOT NULL DEFAULT 0,
	assembled_key TEXT NOT NULL DEFAULT '',
	extraction_status TEXT NOT NULL DEFAULT '',
	extraction_error TEXT NOT NULL DEFAULT '',
	chapter_id TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_upload_sessions_status ON upload_sessions(status);

CREATE TABLE IF NOT EXISTS upload_chunks (
	session_id TEXT NOT NULL REFERENCES upload_sessions(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS chapters (
	id TEXT PRIMARY KEY,
	series_id TEXT NOT NULL,
	number NUMERIC(6,1) NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	source_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (series_id, number)
);

CREATE TABLE IF NOT EXISTS pages (
	id TEXT PRIMARY KEY,
	chapter_id TEXT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
	page_number INTEGER NOT NULL,
	image_key TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (chapter_id, page_number)
);
`

// EnsureSchema creates the tables used by the api and the worker.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// inClause renders $start..$start+n-1 and the matching args for an IN list.
func inClause(ids []string, start int) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = fmt.Sprintf("$%d", start+i)
		args[i] = id
	}
	return strings.Join(marks, ","), args
}
