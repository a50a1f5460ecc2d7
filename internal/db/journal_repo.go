package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/user/gdbrelay/internal/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// JournalRepo is an append-only audit trail of the commands and log
// entries of every session. It never restores a session.
type JournalRepo struct {
	db *sql.DB
}

func NewJournalRepo(db *sql.DB) *JournalRepo {
	return &JournalRepo{db: db}
}

func (r *JournalRepo) RecordCommand(ctx context.Context, sessionID, action, command string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO session_commands (id, session_id, action, command, created_at)
VALUES (?, ?, ?, ?, ?)
`, NewID(), sessionID, action, command, formatTimestamp(nowUTC()))
	if err != nil {
		return fmt.Errorf("failed to record command for session %q: %w", sessionID, err)
	}
	return nil
}

// RecordLog stores entry, keeping the entry's own timestamp when it parses.
func (r *JournalRepo) RecordLog(ctx context.Context, sessionID string, entry session.LogEntry) error {
	createdAt, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
	if err != nil {
		createdAt = nowUTC()
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO session_logs (id, session_id, level, text, created_at)
VALUES (?, ?, ?, ?, ?)
`, NewID(), sessionID, entry.Level, entry.Text, formatTimestamp(createdAt))
	if err != nil {
		return fmt.Errorf("failed to record log for session %q: %w", sessionID, err)
	}
	return nil
}

// ListLogs returns the newest limit log entries of a session, oldest first.
func (r *JournalRepo) ListLogs(ctx context.Context, sessionID string, limit int) ([]*SessionLog, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, level, text, created_at
FROM session_logs
WHERE session_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?
`, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list session logs: %w", err)
	}
	defer rows.Close()

	out := make([]*SessionLog, 0)
	for rows.Next() {
		var entry SessionLog
		var createdAtRaw string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Level, &entry.Text, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan session log: %w", err)
		}
		if entry.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating session logs: %w", err)
	}
	return lo.Reverse(out), nil
}

// ListCommands returns the newest limit commands of a session, oldest first.
func (r *JournalRepo) ListCommands(ctx context.Context, sessionID string, limit int) ([]*SessionCommand, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, action, command, created_at
FROM session_commands
WHERE session_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?
`, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list session commands: %w", err)
	}
	defer rows.Close()

	out := make([]*SessionCommand, 0)
	for rows.Next() {
		var cmd SessionCommand
		var createdAtRaw string
		if err := rows.Scan(&cmd.ID, &cmd.SessionID, &cmd.Action, &cmd.Command, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan session command: %w", err)
		}
		if cmd.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		out = append(out, &cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating session commands: %w", err)
	}
	return lo.Reverse(out), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
