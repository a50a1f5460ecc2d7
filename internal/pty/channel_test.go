package pty

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/gdbrelay/internal/parser"
)

// newScriptChannel runs script under /bin/sh in place of gdb.
func newScriptChannel(t *testing.T, script string, stopTimeout time.Duration) *Channel {
	t.Helper()
	c := NewChannel(Options{
		DebuggerPath: "/bin/sh",
		Args:         []string{"-c", script},
		StopTimeout:  stopTimeout,
		PollInterval: 50 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	t.Cleanup(c.Stop)
	return c
}

func nextEvent(t *testing.T, c *Channel) parser.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for debugger event")
		return parser.Event{}
	}
}

func TestStartMissingExecutable(t *testing.T) {
	c := newScriptChannel(t, "sleep 5", time.Second)

	err := c.Start("/nonexistent/path/to/binary")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, c.Running())
}

func TestStartSpawnFailure(t *testing.T) {
	c := NewChannel(Options{DebuggerPath: "/nonexistent/gdb", Logger: zaptest.NewLogger(t)})

	err := c.Start("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStartup))
	assert.False(t, c.Running())
}

func TestReadLoopDeliversParsedEventsInOrder(t *testing.T) {
	c := newScriptChannel(t, `printf '%s\n' 'Reading symbols...' '~"hello\n"' '(gdb)' '*running,thread-id="all"' '&"log only"' '101^done,stack=[]'; sleep 5`, time.Second)
	require.NoError(t, c.Start(""))
	assert.True(t, c.Running())

	ev := nextEvent(t, c)
	assert.Equal(t, parser.KindConsole, ev.Kind)
	assert.Equal(t, "hello\n", ev.Text)

	ev = nextEvent(t, c)
	assert.Equal(t, parser.KindNotify, ev.Kind)
	assert.Equal(t, "running", ev.Message)

	ev = nextEvent(t, c)
	assert.Equal(t, parser.KindResult, ev.Kind)
	assert.Equal(t, "stack", ev.Message)
	assert.Equal(t, 101, ev.Token)
}

func TestWriteReachesDebugger(t *testing.T) {
	c := newScriptChannel(t, `read line; printf '~"%s"\n' "$line"; sleep 5`, time.Second)
	require.NoError(t, c.Start(""))

	c.Write("ping")

	ev := nextEvent(t, c)
	assert.Equal(t, parser.KindConsole, ev.Kind)
	assert.Equal(t, "ping", ev.Text)
}

func TestEndOfStreamClosesChannel(t *testing.T) {
	c := newScriptChannel(t, `printf '%s\n' '=thread-group-exited,id="i1"'`, time.Second)
	require.NoError(t, c.Start(""))

	ev := nextEvent(t, c)
	assert.Equal(t, "thread-group-exited", ev.Message)

	require.Eventually(t, func() bool { return !c.Running() }, 5*time.Second, 20*time.Millisecond)

	// Writes after end-of-stream are silently dropped.
	c.Write("-exec-run")
	c.Stop()
	assert.False(t, c.Running())
}

func TestStopIsIdempotent(t *testing.T) {
	c := newScriptChannel(t, "sleep 30", time.Second)
	c.Stop()

	require.NoError(t, c.Start(""))
	c.Stop()
	c.Stop()
	assert.False(t, c.Running())
	c.Write("ignored")
}

func TestStopEscalatesToKill(t *testing.T) {
	c := newScriptChannel(t, `trap '' TERM; printf '%s\n' '=ready'; sleep 30`, 200*time.Millisecond)
	require.NoError(t, c.Start(""))
	require.Equal(t, "ready", nextEvent(t, c).Message)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not escalate to SIGKILL")
	}
	assert.False(t, c.Running())
}

func TestRestartReplacesProcess(t *testing.T) {
	c := newScriptChannel(t, `printf '%s\n' '=started'; sleep 30`, time.Second)
	require.NoError(t, c.Start(""))
	require.Equal(t, "started", nextEvent(t, c).Message)

	require.NoError(t, c.Start(""))
	require.Equal(t, "started", nextEvent(t, c).Message)
	assert.True(t, c.Running())
}

func TestStopDiscardsUndeliveredEvents(t *testing.T) {
	c := newScriptChannel(t, `printf '%s\n' '*stopped,reason="breakpoint-hit"' '=ready'; sleep 30`, time.Second)
	require.NoError(t, c.Start(""))

	// Both lines are written at once; wait until the second is buffered.
	require.Eventually(t, func() bool { return len(c.events) == 2 }, 5*time.Second, 10*time.Millisecond)

	c.Stop()
	assert.Empty(t, c.events)

	select {
	case ev := <-c.Events():
		t.Fatalf("stale event after Stop: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRestartDropsPreviousProcessEvents(t *testing.T) {
	c := newScriptChannel(t, `printf '%s\n' '=started'; sleep 30`, time.Second)
	require.NoError(t, c.Start(""))
	require.Eventually(t, func() bool { return len(c.events) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Start(""))
	require.Equal(t, "started", nextEvent(t, c).Message)

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
