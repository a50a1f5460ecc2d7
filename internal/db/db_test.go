package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/gdbrelay/internal/session"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gdbrelay-test.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, path := openTestDB(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}

	assertTableExists(t, database.SQL(), "_meta")
	assertTableExists(t, database.SQL(), "session_commands")
	assertTableExists(t, database.SQL(), "session_logs")
}

func TestOpenAppliesJournalPragmas(t *testing.T) {
	database, path := openTestDB(t)
	if database.Path() != path {
		t.Fatalf("Path() = %q, want %q", database.Path(), path)
	}

	var mode string
	if err := database.SQL().QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}

	var timeout int
	if err := database.SQL().QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatalf("query busy_timeout: %v", err)
	}
	if timeout != 2000 {
		t.Fatalf("busy_timeout = %d, want 2000", timeout)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, _ := openTestDB(t)

	if err := RunMigrations(context.Background(), database.SQL()); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	var version string
	if err := database.SQL().QueryRow(`SELECT value FROM _meta WHERE key='schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema version error = %v", err)
	}
	if version != "1" {
		t.Fatalf("schema version = %s, want 1", version)
	}
}

func TestJournalRecordsAndListsCommands(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewJournalRepo(database.SQL())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := repo.RecordCommand(ctx, "s1", "next", "-exec-next"); err != nil {
			t.Fatalf("RecordCommand() error = %v", err)
		}
	}
	if err := repo.RecordCommand(ctx, "s1", "break", "201-break-insert main"); err != nil {
		t.Fatalf("RecordCommand() error = %v", err)
	}
	if err := repo.RecordCommand(ctx, "s2", "run", "-exec-run"); err != nil {
		t.Fatalf("RecordCommand() error = %v", err)
	}

	list, err := repo.ListCommands(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListCommands() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list)=%d want 2", len(list))
	}
	if list[1].Command != "201-break-insert main" {
		t.Fatalf("newest command = %q, want break insert last", list[1].Command)
	}
	if list[0].ID == "" || list[0].SessionID != "s1" {
		t.Fatalf("unexpected command: %#v", list[0])
	}

	other, err := repo.ListCommands(ctx, "s2", 0)
	if err != nil {
		t.Fatalf("ListCommands() error = %v", err)
	}
	if len(other) != 1 || other[0].Action != "run" {
		t.Fatalf("unexpected commands for s2: %#v", other)
	}
}

func TestJournalLogsKeepEntryTimestampAndOrder(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewJournalRepo(database.SQL())
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		entry := session.LogEntry{
			Level:     session.LevelInfo,
			Text:      fmt.Sprintf("entry %d", i),
			Timestamp: base.Add(time.Duration(i) * 500 * time.Millisecond).Format(time.RFC3339Nano),
		}
		if err := repo.RecordLog(ctx, "s1", entry); err != nil {
			t.Fatalf("RecordLog() error = %v", err)
		}
	}

	logs, err := repo.ListLogs(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("ListLogs() error = %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("len(logs)=%d want 3", len(logs))
	}
	for i, want := range []string{"entry 2", "entry 3", "entry 4"} {
		if logs[i].Text != want {
			t.Fatalf("logs[%d].Text = %q, want %q", i, logs[i].Text, want)
		}
	}
	if !logs[0].CreatedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("CreatedAt = %v, want %v", logs[0].CreatedAt, base.Add(time.Second))
	}
}

func TestJournalLogWithBadTimestamp(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewJournalRepo(database.SQL())
	ctx := context.Background()

	if err := repo.RecordLog(ctx, "s1", session.LogEntry{Level: session.LevelError, Text: "boom", Timestamp: "yesterday"}); err != nil {
		t.Fatalf("RecordLog() error = %v", err)
	}
	logs, err := repo.ListLogs(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("ListLogs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected logs: %#v", logs)
	}
}

func TestJournalImplementsRecorder(t *testing.T) {
	var _ session.Recorder = (*JournalRepo)(nil)
}
