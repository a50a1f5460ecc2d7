package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/user/gdbrelay/internal/parser"
	"github.com/user/gdbrelay/internal/session"
)

type stubDebugger struct {
	events chan parser.Event

	mu      sync.Mutex
	running bool
	writes  []string
}

func newStubDebugger() *stubDebugger {
	return &stubDebugger{events: make(chan parser.Event, 16)}
}

func (d *stubDebugger) Start(string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
	return nil
}

func (d *stubDebugger) Write(command string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.writes = append(d.writes, command)
	}
}

func (d *stubDebugger) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
}

func (d *stubDebugger) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *stubDebugger) Events() <-chan parser.Event { return d.events }

func (d *stubDebugger) Writes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.writes...)
}

type testEnv struct {
	hub     *Hub
	manager *session.Manager
	server  *httptest.Server

	mu   sync.Mutex
	dbgs map[string]*stubDebugger
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{dbgs: make(map[string]*stubDebugger)}
	env.manager = session.NewManager(func(id string) *session.Session {
		dbg := newStubDebugger()
		env.mu.Lock()
		env.dbgs[id] = dbg
		env.mu.Unlock()
		return session.New(id, session.Options{Debugger: dbg})
	}, zaptest.NewLogger(t))

	opts.Logger = zaptest.NewLogger(t)
	env.hub = New(env.manager, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go env.hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", env.hub.HandleWebSocket)
	mux.HandleFunc("/ws/{session}", env.hub.HandleWebSocket)
	env.server = httptest.NewServer(mux)

	t.Cleanup(func() {
		env.server.Close()
		cancel()
		env.manager.Close()
	})
	return env
}

func (e *testEnv) debugger(id string) *stubDebugger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dbgs[id]
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s%s", e.server.URL[len("http://"):], path)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) session.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg session.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestTokenAuthentication(t *testing.T) {
	validToken := "secret-token-123"

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"valid token", validToken, http.StatusSwitchingProtocols},
		{"invalid token", "wrong-token", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{Token: validToken})

			url := fmt.Sprintf("ws://%s/ws", env.server.URL[len("http://"):])
			if tt.token != "" {
				url = fmt.Sprintf("%s?token=%s", url, tt.token)
			}

			dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
			conn, resp, err := websocket.Dial(dialCtx, url, nil)
			dialCancel()

			if resp != nil && resp.StatusCode != tt.wantStatus {
				t.Errorf("status code mismatch: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusSwitchingProtocols {
				if err != nil {
					t.Fatalf("expected successful connection, got error: %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
			} else if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "")
			}
		})
	}
}

func TestConnectSendsSnapshotAndRelaysCommands(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "/ws/alpha")

	msg := readFrame(t, conn)
	if msg.Type != session.TypeStateUpdate {
		t.Fatalf("first frame type = %q, want state_update", msg.Type)
	}
	waitForClientCount(t, env.hub, 1, time.Second)

	writeFrame(t, conn, session.ClientMessage{Action: "init", Args: map[string]any{"executable": ""}})
	if msg := readFrame(t, conn); msg.Type != session.TypeStateUpdate {
		t.Fatalf("init reply type = %q, want state_update", msg.Type)
	}

	writeFrame(t, conn, session.ClientMessage{Action: "break", Args: map[string]any{"location": "main"}})
	writeFrame(t, conn, session.ClientMessage{Action: "run"})

	dbg := env.debugger("alpha")
	deadline := time.Now().Add(2 * time.Second)
	for len(dbg.Writes()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	want := []string{"201-break-insert main", "-exec-run"}
	got := dbg.Writes()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
}

func TestDefaultSessionForBarePath(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "/ws")
	readFrame(t, conn)

	if _, err := env.manager.Get(DefaultSessionID); err != nil {
		t.Fatalf("expected %q session: %v", DefaultSessionID, err)
	}
}

func TestInvalidMessageReturnsError(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "/ws/bad")
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Type != session.TypeError || msg.Payload != "invalid message format" {
		t.Fatalf("unexpected reply: %#v", msg)
	}
}

func TestSecondClientReplacesFirst(t *testing.T) {
	env := newTestEnv(t, Options{})
	first := env.dial(t, "/ws/shared")
	readFrame(t, first)

	second := env.dial(t, "/ws/shared")
	if msg := readFrame(t, second); msg.Type != session.TypeStateUpdate {
		t.Fatalf("second client first frame = %q", msg.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("first client close status = %v, want going away", websocket.CloseStatus(err))
	}
	waitForClientCount(t, env.hub, 1, time.Second)
}

func TestDisconnectKeepsSession(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "/ws/keep")
	readFrame(t, conn)
	writeFrame(t, conn, session.ClientMessage{Action: "init"})
	readFrame(t, conn)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClientCount(t, env.hub, 0, time.Second)

	sess, err := env.manager.Get("keep")
	if err != nil {
		t.Fatalf("session removed on disconnect: %v", err)
	}
	info, err := sess.Info()
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Attached {
		t.Fatalf("session still attached after disconnect")
	}
	if !env.debugger("keep").Running() {
		t.Fatalf("debugger stopped on disconnect")
	}
}

func TestRateLimiting(t *testing.T) {
	env := newTestEnv(t, Options{CommandRate: rate.Limit(0.001), CommandBurst: 1})
	conn := env.dial(t, "/ws/limited")
	readFrame(t, conn)

	writeFrame(t, conn, session.ClientMessage{Action: "next"})
	writeFrame(t, conn, session.ClientMessage{Action: "next"})

	msg := readFrame(t, conn)
	if msg.Type != session.TypeError || msg.Payload != "rate limit exceeded" {
		t.Fatalf("unexpected reply: %#v", msg)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t, Options{})
	for i := 0; i < 5; i++ {
		conn := env.dial(t, fmt.Sprintf("/ws/s%d", i))
		readFrame(t, conn)
	}
	waitForClientCount(t, env.hub, 5, time.Second)

	env.manager.Close()
	waitForClientCount(t, env.hub, 0, 2*time.Second)
}

func waitForClientCount(t *testing.T, hub *Hub, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != expected {
		t.Errorf("expected %d clients, got %d", expected, hub.ClientCount())
	}
}

func emitLine(t *testing.T, dbg *stubDebugger, line string) {
	t.Helper()
	ev, ok := parser.ParseLine(line)
	if !ok {
		t.Fatalf("line %q did not parse", line)
	}
	dbg.events <- ev
}

func TestSlowClientIsDisconnected(t *testing.T) {
	env := newTestEnv(t, Options{SendBuffer: 2})
	conn := env.dial(t, "/ws/slow")
	readFrame(t, conn)
	dbg := env.debugger("slow")

	// The client stops reading while the debugger floods console output.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	big := strings.Repeat("x", 64*1024)
	go func() {
		for i := 0; i < 400; i++ {
			select {
			case dbg.events <- parser.Event{Kind: parser.KindConsole, Text: big}:
			case <-ctx.Done():
				return
			}
		}
	}()

	waitForClientCount(t, env.hub, 0, 5*time.Second)
	stop()

	sess, err := env.manager.Get("slow")
	if err != nil {
		t.Fatalf("session lost: %v", err)
	}
	info, err := sess.Info()
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Attached {
		t.Fatalf("slow client still attached")
	}

	again := env.dial(t, "/ws/slow")
	if msg := readFrame(t, again); msg.Type != session.TypeStateUpdate {
		t.Fatalf("reconnect first frame = %q, want state_update", msg.Type)
	}
}

func TestReconnectWithClientIDSkipsSeenLogs(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "/ws/obs?client=tab-1")
	readFrame(t, conn)
	dbg := env.debugger("obs")

	emitLine(t, dbg, `*running,thread-id="all"`)
	readFrame(t, conn)
	if msg := readFrame(t, conn); msg.Type != session.TypeLogEvent {
		t.Fatalf("expected log event, got %q", msg.Type)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	waitForClientCount(t, env.hub, 0, time.Second)

	emitLine(t, dbg, `*stopped,reason="exited-normally"`)
	sess, _ := env.manager.Get("obs")
	deadline := time.Now().Add(time.Second)
	for {
		logs, err := sess.Logs()
		if err == nil && len(logs) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("exit log not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	again := env.dial(t, "/ws/obs?client=tab-1")
	if msg := readFrame(t, again); msg.Type != session.TypeStateUpdate {
		t.Fatalf("first frame = %q, want state_update", msg.Type)
	}
	msg := readFrame(t, again)
	entry, _ := msg.Payload.(map[string]any)
	if msg.Type != session.TypeLogEvent || entry["text"] != "[Exited] Reason: exited-normally" {
		t.Fatalf("unexpected replay frame: %#v", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, data, err := again.Read(ctx); err == nil {
		t.Fatalf("unexpected extra frame: %s", data)
	}
}
