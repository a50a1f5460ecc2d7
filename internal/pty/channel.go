package pty

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	creackpty "github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/user/gdbrelay/internal/parser"
)

var (
	ErrNotFound = errors.New("pty: executable not found")
	ErrStartup  = errors.New("pty: debugger failed to start")
)

const (
	readChunkSize   = 4096
	eventBufferSize = 1024
	writeTimeout    = 2 * time.Second

	defaultStopTimeout  = time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// DefaultArgs start gdb in MI mode with every interactive prompt disabled.
var DefaultArgs = []string{
	"--nx",
	"--quiet",
	"--interpreter=mi3",
	"--eval-command=set debuginfod enabled off",
	"--eval-command=set confirm off",
	"--eval-command=set pagination off",
}

type Options struct {
	DebuggerPath string
	// Args precede the executable on the debugger command line. Nil means
	// DefaultArgs.
	Args         []string
	StopTimeout  time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Channel owns one debugger process attached through a pseudo-terminal.
// Decoded MI events from every process it starts are delivered, in order,
// on Events.
type Channel struct {
	opts   Options
	clock  clock.Clock
	logger *zap.Logger
	events chan parser.Event

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	gen     *generation
	running bool
}

// generation tracks one started process and its read loop.
type generation struct {
	done     chan struct{}
	exited   chan struct{}
	reading  chan struct{}
	stopOnce sync.Once
}

func newGeneration() *generation {
	return &generation{
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		reading: make(chan struct{}),
	}
}

func (g *generation) cancel() {
	g.stopOnce.Do(func() { close(g.done) })
}

func NewChannel(opts Options) *Channel {
	if opts.DebuggerPath == "" {
		opts.DebuggerPath = "gdb"
	}
	if opts.Args == nil {
		opts.Args = DefaultArgs
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Channel{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
		events: make(chan parser.Event, eventBufferSize),
	}
}

// Events returns the ordered stream of decoded debugger events.
func (c *Channel) Events() <-chan parser.Event { return c.events }

func (c *Channel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start spawns the debugger, optionally loading executable. A channel that
// is already running is stopped first.
func (c *Channel) Start(executable string) error {
	if executable != "" {
		if _, err := os.Stat(executable); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrNotFound, executable)
			}
			return fmt.Errorf("%w: %v", ErrStartup, err)
		}
	}

	c.Stop()
	c.drain()

	argv := append([]string{}, c.opts.Args...)
	if executable != "" {
		argv = append(argv, executable)
	}
	cmd := exec.Command(c.opts.DebuggerPath, argv...)
	cmd.Env = append(os.Environ(), "TERM=dumb")

	c.logger.Info("starting debugger",
		zap.String("path", c.opts.DebuggerPath),
		zap.String("args", strings.Join(argv, " ")))

	// creack/pty binds the slave to stdin/stdout/stderr and starts the
	// child with Setsid, so it leads its own process group.
	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: 512, Rows: 64})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	if err := disableEcho(ptmx); err != nil {
		c.logger.Debug("failed to disable pty echo", zap.Error(err))
	}

	gen := newGeneration()

	c.mu.Lock()
	c.cmd = cmd
	c.ptmx = ptmx
	c.gen = gen
	c.running = true
	c.mu.Unlock()

	go c.waitExit(cmd, gen)
	go c.readLoop(ptmx, gen)
	return nil
}

// Write sends command plus a newline to the debugger. It is a no-op when the
// channel is not running.
func (c *Channel) Write(command string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.ptmx == nil {
		c.logger.Debug("dropping write on closed channel", zap.String("command", command))
		return
	}
	c.logger.Debug("debugger write", zap.String("command", command))
	_ = c.ptmx.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.ptmx.Write([]byte(command + "\n")); err != nil {
		c.logger.Warn("debugger write failed", zap.String("command", command), zap.Error(err))
	}
}

// Stop terminates the debugger (SIGTERM, then SIGKILL after StopTimeout) and
// releases the terminal. Events the stopped process produced but nobody has
// received yet are discarded. It is safe to call Stop multiple times.
func (c *Channel) Stop() {
	c.mu.Lock()
	cmd, ptmx, gen := c.cmd, c.ptmx, c.gen
	c.cmd, c.ptmx, c.gen = nil, nil, nil
	c.running = false
	c.mu.Unlock()

	if gen == nil {
		return
	}
	gen.cancel()
	c.terminate(cmd, gen)
	if err := ptmx.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		c.logger.Warn("failed to close pty", zap.Error(err))
	}
	select {
	case <-gen.reading:
	case <-time.After(c.opts.StopTimeout):
		c.logger.Warn("pty reader did not exit")
	}
	c.drain()
	c.logger.Info("debugger stopped")
}

func (c *Channel) drain() {
	for {
		select {
		case ev := <-c.events:
			c.logger.Debug("discarding stale event", zap.String("kind", string(ev.Kind)))
		default:
			return
		}
	}
}

func (c *Channel) terminate(cmd *exec.Cmd, gen *generation) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-gen.exited:
		return
	default:
	}

	pid := cmd.Process.Pid
	if err := signalGroup(pid, unix.SIGTERM); err != nil {
		c.logger.Warn("SIGTERM failed, killing debugger", zap.Int("pid", pid), zap.Error(err))
	} else {
		select {
		case <-gen.exited:
			return
		case <-c.clock.After(c.opts.StopTimeout):
			c.logger.Warn("debugger ignored SIGTERM, killing", zap.Int("pid", pid))
		}
	}

	if err := signalGroup(pid, unix.SIGKILL); err != nil {
		c.logger.Warn("SIGKILL failed", zap.Int("pid", pid), zap.Error(err))
	}
	select {
	case <-gen.exited:
	case <-c.clock.After(c.opts.StopTimeout):
		c.logger.Error("debugger still running after SIGKILL", zap.Int("pid", pid))
	}
}

func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		return unix.Kill(pid, sig)
	}
	return nil
}

func (c *Channel) waitExit(cmd *exec.Cmd, gen *generation) {
	err := cmd.Wait()
	close(gen.exited)
	c.logger.Info("debugger exited", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
}

// readLoop reads the terminal until end-of-stream or cancellation. Reads
// carry a PollInterval deadline so a stopped generation is noticed promptly;
// only complete lines are parsed and delivered.
func (c *Channel) readLoop(ptmx *os.File, gen *generation) {
	defer close(gen.reading)
	buf := make([]byte, readChunkSize)
	var pending []byte
	deadlines := true

	for {
		select {
		case <-gen.done:
			return
		default:
		}

		if deadlines {
			if err := ptmx.SetReadDeadline(time.Now().Add(c.opts.PollInterval)); err != nil {
				deadlines = false
			}
		}

		n, err := ptmx.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			consumed := 0
			for {
				i := bytes.IndexByte(pending[consumed:], '\n')
				if i < 0 {
					break
				}
				line := strings.ToValidUTF8(string(pending[consumed:consumed+i]), "�")
				consumed += i + 1
				if ev, ok := parser.ParseLine(line); ok {
					if !c.deliver(gen, ev) {
						return
					}
				}
			}
			pending = append(pending[:0], pending[consumed:]...)
		}

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			c.closed(gen, err)
			return
		}
		if n == 0 {
			c.closed(gen, io.EOF)
			return
		}
	}
}

func (c *Channel) deliver(gen *generation, ev parser.Event) bool {
	select {
	case <-gen.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-gen.done:
		return false
	}
}

// closed handles end-of-stream: the generation's resources are released and
// later writes become no-ops.
func (c *Channel) closed(gen *generation, err error) {
	select {
	case <-gen.done:
		return
	default:
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	cmd, ptmx := c.cmd, c.ptmx
	c.cmd, c.ptmx, c.gen = nil, nil, nil
	c.running = false
	c.mu.Unlock()

	if !isEndOfStream(err) {
		c.logger.Warn("pty read failed", zap.Error(err))
		c.deliver(gen, parser.Event{
			Kind:    parser.KindError,
			Message: fmt.Sprintf("debugger channel closed: %v", err),
		})
	} else {
		c.logger.Info("debugger channel reached end of stream")
	}

	gen.cancel()
	c.terminate(cmd, gen)
	_ = ptmx.Close()
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, unix.EIO) || errors.Is(err, os.ErrClosed)
}
