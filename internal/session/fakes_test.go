package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/gdbrelay/internal/parser"
)

type fakeDebugger struct {
	events chan parser.Event

	mu       sync.Mutex
	writes   []string
	started  []string
	startErr error
	running  bool
	stops    int
}

func newFakeDebugger() *fakeDebugger {
	return &fakeDebugger{events: make(chan parser.Event, 64)}
}

func (d *fakeDebugger) Start(executable string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = append(d.started, executable)
	if d.startErr != nil {
		return d.startErr
	}
	d.running = true
	return nil
}

// Write drops commands once the debugger has stopped, like pty.Channel.
func (d *fakeDebugger) Write(command string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.writes = append(d.writes, command)
}

func (d *fakeDebugger) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.stops++
}

func (d *fakeDebugger) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *fakeDebugger) Events() <-chan parser.Event { return d.events }

func (d *fakeDebugger) Writes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.writes...)
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type fakeTransport struct {
	frames chan frame

	mu     sync.Mutex
	fail   bool
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan frame, 256)}
}

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail || t.closed {
		return errors.New("connection severed")
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	t.frames <- f
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) setFail(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = v
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) next(tb testing.TB) frame {
	tb.Helper()
	select {
	case f := <-t.frames:
		return f
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for frame")
		return frame{}
	}
}

// drain returns every frame that arrives before the session goes quiet.
func (t *fakeTransport) drain() []frame {
	var out []frame
	for {
		select {
		case f := <-t.frames:
			out = append(out, f)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func decodeSnapshot(tb testing.TB, f frame) Snapshot {
	tb.Helper()
	require.Equal(tb, TypeStateUpdate, f.Type)
	var snap Snapshot
	require.NoError(tb, json.Unmarshal(f.Payload, &snap))
	return snap
}

func decodeLog(tb testing.TB, f frame) LogEntry {
	tb.Helper()
	require.Equal(tb, TypeLogEvent, f.Type)
	var entry LogEntry
	require.NoError(tb, json.Unmarshal(f.Payload, &entry))
	return entry
}

type recordedLog struct {
	session string
	entry   LogEntry
}

type fakeRecorder struct {
	mu       sync.Mutex
	commands []string
	logs     []recordedLog
}

func (r *fakeRecorder) RecordCommand(_ context.Context, _ string, _ string, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	return nil
}

func (r *fakeRecorder) RecordLog(_ context.Context, sessionID string, entry LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, recordedLog{session: sessionID, entry: entry})
	return nil
}

func (r *fakeRecorder) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.commands...)
}
