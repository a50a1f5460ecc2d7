package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// journalPragmas tune the connection for many small appends from session run
// loops and occasional reads from the HTTP API. Under WAL those reads do not
// wait on an in-flight append.
var journalPragmas = []struct {
	stmt string
	desc string
}{
	{`PRAGMA journal_mode = WAL`, "enable WAL"},
	{`PRAGMA synchronous = NORMAL`, "set synchronous mode"},
	{`PRAGMA busy_timeout = 2000`, "set busy timeout"},
}

// DB is the SQLite file that backs the session journal.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates the journal file under path if needed, applies the journal
// pragmas and brings the schema up to date.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("journal path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %q: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %q: %w", path, err)
	}

	// One connection serializes appends from concurrent sessions.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	for _, p := range journalPragmas {
		if _, err := conn.ExecContext(ctx, p.stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}

	if err := RunMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &DB{conn: conn, path: path}, nil
}

func (d *DB) SQL() *sql.DB {
	return d.conn
}

func (d *DB) Path() string {
	return d.path
}

func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
