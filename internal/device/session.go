// Package device talks to the mesh radio through its command-line client:
// a long-lived interactive session on a pseudo-terminal and one-shot JSON
// invocations.
package device

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
)

const (
	defaultColumns = 120
	defaultRows    = 40
	defaultTerm    = "xterm-256color"
	stopGrace      = 2 * time.Second
	recentLines    = 50 // Lines kept for exit diagnostics
)

// State is the lifecycle state of the interactive session.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateDead
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDead:
		return "dead"
	default:
		return "stopped"
	}
}

// LineHandler receives every complete, cleaned line the reader observes.
type LineHandler func(line string)

// Options configures the interactive session.
type Options struct {
	Binary  string // Device CLI executable (default: meshcore-cli)
	Target  string // Device target passed with -t
	Columns uint16 // PTY width (default: 120)
	Rows    uint16 // PTY height (default: 40)
	Term    string // TERM hint (default: xterm-256color)

	JSONTimeout time.Duration // Default RunJSONCommand timeout
	Text        TextOptions   // Defaults for RunTextCommand

	OnLine      LineHandler // Called for each complete line, e.g. chat extraction
	BufferLimit int         // Bytes retained while idle (default: 1MiB)
}

// process is one incarnation of the interactive child.
type process struct {
	cmd     *exec.Cmd
	ptmx    *os.File
	done    chan struct{} // closed once the child has exited
	reading atomic.Bool
	started time.Time
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Session owns the single interactive device CLI process and its PTY.
// Construct one per program and share it; commands are serialized.
type Session struct {
	opts Options

	mu    sync.Mutex // guards proc and state
	proc  *process
	state State

	cmdMu  sync.Mutex // one command in flight
	buf    *Buffer
	recent *RingBuffer
}

// NewSession creates a stopped session. Nothing is spawned until Start or
// the first command.
func NewSession(opts Options) *Session {
	if opts.Binary == "" {
		opts.Binary = "meshcore-cli"
	}
	if opts.Columns == 0 {
		opts.Columns = defaultColumns
	}
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}
	if opts.Term == "" {
		opts.Term = defaultTerm
	}
	if opts.JSONTimeout <= 0 {
		opts.JSONTimeout = defaultJSONTimeout
	}
	opts.Text = opts.Text.withDefaults()
	return &Session{
		opts:   opts,
		buf:    NewBuffer(opts.BufferLimit),
		recent: NewRingBuffer(recentLines),
	}
}

// SetTarget changes the device target used by the next start. A running
// process is left alone until Restart.
func (s *Session) SetTarget(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Target = target
}

// Buffer exposes the session transcript.
func (s *Session) Buffer() *Buffer {
	return s.buf
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning && s.proc != nil && s.proc.exited() {
		return StateDead
	}
	return s.state
}

// Restart replaces the child with a fresh one once any in-flight command
// has finished. Used after the target changes.
func (s *Session) Restart() error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.Stop(); err != nil {
		L_debug("session: stop before restart", "error", err)
	}
	return s.Start()
}

// Start spawns the device CLI. It is a no-op when already running.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning && s.proc != nil && !s.proc.exited() {
		return nil
	}
	return s.startLocked()
}

// EnsureStarted starts the session, or restarts it if the child has exited.
func (s *Session) EnsureStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning && s.proc != nil && !s.proc.exited() {
		return nil
	}
	if s.proc != nil {
		L_warn("session: device CLI not running, restarting", "state", s.state)
		s.proc.ptmx.Close()
		s.proc = nil
	}
	return s.startLocked()
}

// IsAlive reports whether the child is running and its reader is active.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning && s.proc != nil && !s.proc.exited() && s.proc.reading.Load()
}

func (s *Session) startLocked() error {
	target := strings.TrimSpace(s.opts.Target)
	if target == "" {
		return &ConfigurationError{Field: "device.target", Reason: "no device target configured"}
	}

	cmd := exec.Command(s.opts.Binary, "-t", target)
	cmd.Env = terminalEnv(os.Environ(), s.opts.Columns, s.opts.Rows, s.opts.Term)

	// The CLI divides by the terminal size, so never start it on a 0x0 PTY
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: s.opts.Rows, Cols: s.opts.Columns})
	if err != nil {
		metrics.MetricFailWithReason("session", "start", err.Error())
		return &ProcessError{Command: s.opts.Binary, ExitCode: -1, Err: err}
	}

	p := &process{
		cmd:     cmd,
		ptmx:    ptmx,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	p.reading.Store(true)
	s.proc = p
	s.state = StateRunning
	s.recent.Reset()

	go s.readLoop(p)
	go s.waitLoop(p)

	metrics.MetricSuccess("session", "start")
	L_info("session: started device CLI", "binary", s.opts.Binary, "target", target, "pid", cmd.Process.Pid)
	return nil
}

// waitLoop reaps the child and marks the session dead if it exits on its own.
func (s *Session) waitLoop(p *process) {
	err := p.cmd.Wait()
	close(p.done)

	s.mu.Lock()
	unexpected := s.proc == p && s.state == StateRunning
	if unexpected {
		s.state = StateDead
	}
	s.mu.Unlock()

	if !unexpected {
		return
	}
	metrics.MetricInc("session", "exited")
	L_warn("session: device CLI exited", "error", err, "ranFor", time.Since(p.started).Round(time.Second))
	for _, line := range s.recent.Lines() {
		L_debug("session: last output", "line", line)
	}
}

// Stop terminates the child and closes the PTY. Safe to call repeatedly.
func (s *Session) Stop() error {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.state = StateStopped
	s.mu.Unlock()

	if p == nil {
		return nil
	}

	if !p.exited() && p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			L_debug("session: terminate failed", "error", err)
		}
	}
	closeErr := p.ptmx.Close()

	select {
	case <-p.done:
	case <-time.After(stopGrace):
		L_warn("session: device CLI ignored SIGTERM, killing")
		_ = p.cmd.Process.Kill()
		<-p.done
	}

	L_info("session: stopped")
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return fmt.Errorf("close pty: %w", closeErr)
	}
	return nil
}

// write sends one command line to the current process.
func (s *Session) write(line string) (*process, error) {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil || p.exited() {
		return nil, ErrSessionClosed
	}
	if _, err := p.ptmx.Write([]byte(line + "\n")); err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}
	return p, nil
}

// terminalEnv adds size and terminal hints without overriding what the
// caller's environment already sets.
func terminalEnv(base []string, cols, rows uint16, term string) []string {
	env := append([]string(nil), base...)
	has := func(key string) bool {
		prefix := key + "="
		for _, kv := range env {
			if strings.HasPrefix(kv, prefix) {
				return true
			}
		}
		return false
	}
	hints := [][2]string{
		{"COLUMNS", fmt.Sprint(cols)},
		{"LINES", fmt.Sprint(rows)},
		{"TERM", term},
	}
	for _, h := range hints {
		if !has(h[0]) {
			env = append(env, h[0]+"="+h[1])
		}
	}
	return env
}
