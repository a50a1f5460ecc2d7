package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SessionCommand struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Command   string    `json:"command"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionLog struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// timestampLayout is fixed width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func NewID() string {
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
