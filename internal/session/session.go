package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/user/gdbrelay/internal/metrics"
	"github.com/user/gdbrelay/internal/parser"
)

var ErrClosed = errors.New("session: closed")

const (
	DefaultHistorySize = 50
	DefaultReplaySize  = 10

	opQueueSize   = 256
	maxCursors    = 64
	sendTimeout   = 5 * time.Second
	recordTimeout = 2 * time.Second
)

// Transport delivers outbound frames to one attached client. The session
// never owns its lifecycle beyond a best-effort Close on replacement.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Observer is implemented by transports that carry a stable observer
// identity across reconnects. Replay progress is tracked per observer;
// other transports are tracked individually.
type Observer interface {
	ObserverID() string
}

// Recorder journals commands and log entries. Errors are logged only.
type Recorder interface {
	RecordCommand(ctx context.Context, sessionID, action, command string) error
	RecordLog(ctx context.Context, sessionID string, entry LogEntry) error
}

// Debugger is the process side of a session; *pty.Channel implements it.
type Debugger interface {
	Start(executable string) error
	Write(command string)
	Stop()
	Running() bool
	Events() <-chan parser.Event
}

type Options struct {
	Debugger    Debugger
	HistorySize int
	ReplaySize  int
	Recorder    Recorder
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Info is a point-in-time summary used for listings.
type Info struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Attached bool   `json:"attached"`
	Running  bool   `json:"running"`
}

type logRecord struct {
	seq   uint64
	entry LogEntry
}

// Session binds one debugger to its derived state, log history and at most
// one attached transport. All of that is owned by the run goroutine;
// callers reach it through the ordered op queue.
type Session struct {
	id       string
	dbg      Debugger
	recorder Recorder
	clock    clock.Clock
	logger   *zap.Logger
	replay   int

	state     *State
	logs      *history[logRecord]
	seq       uint64
	cursors   map[any]uint64
	transport Transport

	ops       chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session and starts its run loop.
func New(id string, opts Options) *Session {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.ReplaySize <= 0 {
		opts.ReplaySize = DefaultReplaySize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		dbg:      opts.Debugger,
		recorder: opts.Recorder,
		clock:    opts.Clock,
		logger:   opts.Logger.With(zap.String("session", id)),
		replay:   opts.ReplaySize,
		state:    NewState(),
		logs:     newHistory[logRecord](opts.HistorySize),
		cursors:  make(map[any]uint64),
		ops:      make(chan func(), opQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) run() {
	defer close(s.done)
	events := s.dbg.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.ops:
			op()
		case ev := <-events:
			s.handleEvent(ev)
		}
	}
}

// enqueue schedules fn on the run loop without waiting for it.
func (s *Session) enqueue(fn func()) error {
	select {
	case <-s.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case s.ops <- fn:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// do runs fn on the run loop and waits for it to finish.
func (s *Session) do(fn func()) error {
	finished := make(chan struct{})
	if err := s.enqueue(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Submit queues a client action. Actions are carried out in the order they
// are submitted; Submit does not wait for the debugger's answer.
func (s *Session) Submit(action string, args map[string]any) error {
	return s.enqueue(func() { s.execute(action, args) })
}

// Attach makes t the session's transport, closing any previous one. The
// new transport receives the current snapshot and then up to ReplaySize
// recent log entries, skipping any this observer was already sent.
func (s *Session) Attach(t Transport) error {
	return s.do(func() {
		if s.transport != nil && s.transport != t {
			if err := s.transport.Close(); err != nil {
				s.logger.Debug("close replaced transport", zap.Error(err))
			}
		}
		s.transport = t
		s.logger.Info("transport attached")

		if !s.sendSnapshot() {
			return
		}
		seen := s.cursors[cursorKey(t)]
		pending := lo.Filter(s.logs.Last(s.replay), func(r logRecord, _ int) bool {
			return r.seq > seen
		})
		for _, r := range pending {
			if !s.sendLog(r) {
				return
			}
		}
	})
}

// Detach clears the transport if t is still the attached one. The debugger
// keeps running.
func (s *Session) Detach(t Transport) {
	_ = s.do(func() {
		if s.transport == t {
			s.transport = nil
			s.logger.Info("transport detached")
		}
	})
}

func (s *Session) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.do(func() { snap = s.state.Snapshot() })
	return snap, err
}

func (s *Session) Info() (Info, error) {
	info := Info{ID: s.id}
	err := s.do(func() {
		info.Status = s.state.Status
		info.Attached = s.transport != nil
		info.Running = s.dbg.Running()
	})
	return info, err
}

// Logs returns the retained log history, oldest first.
func (s *Session) Logs() ([]LogEntry, error) {
	var out []LogEntry
	err := s.do(func() {
		out = lo.Map(s.logs.All(), func(r logRecord, _ int) LogEntry { return r.entry })
	})
	return out, err
}

// Close stops the run loop and the debugger. The attached transport, if
// any, is closed as well.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.dbg.Stop()
		if s.transport != nil {
			_ = s.transport.Close()
			s.transport = nil
		}
		s.logger.Info("session closed")
	})
}

func (s *Session) execute(action string, args map[string]any) {
	metrics.CommandsTotal.WithLabelValues(action).Inc()
	cmd := Translate(action, args)

	switch cmd.Kind {
	case CommandInit:
		s.record(action, "init "+cmd.Executable)
		if err := s.dbg.Start(cmd.Executable); err != nil {
			s.logger.Warn("debugger start failed", zap.Error(err))
			s.log(LevelError, "Failed to start GDB: "+err.Error())
			s.send(Message{Type: TypeError, Payload: "Startup Failed: " + err.Error()})
			return
		}
		s.state.Reset()
		s.sendSnapshot()

	case CommandStop:
		s.record(action, "stop")
		s.dbg.Stop()
		s.state.Status = StatusReady
		s.sendSnapshot()

	default:
		for _, line := range cmd.Lines {
			s.record(action, line)
			s.dbg.Write(line)
		}
	}
}

func (s *Session) handleEvent(ev parser.Event) {
	metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	for _, e := range s.state.Handle(ev) {
		switch e.kind {
		case effectSnapshot:
			s.sendSnapshot()
		case effectSend:
			s.send(e.msg)
		case effectLog:
			s.log(e.level, e.text)
		case effectWrite:
			s.dbg.Write(e.command)
		}
	}
}

func (s *Session) log(level, text string) {
	s.seq++
	r := logRecord{
		seq: s.seq,
		entry: LogEntry{
			Level:     level,
			Text:      text,
			Timestamp: s.clock.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	s.logs.Push(r)

	if s.recorder != nil {
		ctx, cancel := context.WithTimeout(s.ctx, recordTimeout)
		if err := s.recorder.RecordLog(ctx, s.id, r.entry); err != nil {
			s.logger.Warn("journal log entry", zap.Error(err))
		}
		cancel()
	}
	s.sendLog(r)
}

func (s *Session) record(action, command string) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, recordTimeout)
	defer cancel()
	if err := s.recorder.RecordCommand(ctx, s.id, action, command); err != nil {
		s.logger.Warn("journal command", zap.Error(err))
	}
}

func (s *Session) sendLog(r logRecord) bool {
	if !s.send(Message{Type: TypeLogEvent, Payload: r.entry}) {
		return false
	}
	key := cursorKey(s.transport)
	if r.seq > s.cursors[key] {
		s.cursors[key] = r.seq
	}
	s.pruneCursors()
	return true
}

func cursorKey(t Transport) any {
	if o, ok := t.(Observer); ok && o.ObserverID() != "" {
		return o.ObserverID()
	}
	return t
}

// pruneCursors forgets the observers furthest behind once more than
// maxCursors are tracked. The attached transport is always kept.
func (s *Session) pruneCursors() {
	if len(s.cursors) <= maxCursors {
		return
	}
	current := cursorKey(s.transport)
	for len(s.cursors) > maxCursors {
		var (
			oldest any
			lowest uint64
			found  bool
		)
		for k, seq := range s.cursors {
			if k == current {
				continue
			}
			if !found || seq < lowest {
				oldest, lowest, found = k, seq, true
			}
		}
		if !found {
			return
		}
		delete(s.cursors, oldest)
	}
}

func (s *Session) sendSnapshot() bool {
	return s.send(Message{Type: TypeStateUpdate, Payload: s.state.Snapshot()})
}

// send delivers msg to the attached transport. A failed send detaches it.
func (s *Session) send(msg Message) bool {
	if s.transport == nil {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode message", zap.String("type", msg.Type), zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()
	if err := s.transport.Send(ctx, data); err != nil {
		metrics.TransportSendFailures.Inc()
		s.logger.Info("send failed, detaching transport", zap.Error(err))
		s.transport = nil
		return false
	}
	return true
}
