package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sparkvisionsa/valuetech-bridge/internal/framer"
	"github.com/sparkvisionsa/valuetech-bridge/internal/log"
	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
	"github.com/sparkvisionsa/valuetech-bridge/internal/resolve"
)

// ReadyMode selects the explicit readiness signal.
type ReadyMode string

const (
	// ReadyOnStart treats a successful process start as the signal.
	ReadyOnStart ReadyMode = "started"
	// ReadyOnHandshake waits for a {"type":"ready"} line from the worker.
	ReadyOnHandshake ReadyMode = "handshake"
)

// Resolver finds the worker executable.
type Resolver interface {
	Resolve() (resolve.Target, error)
}

// Handler receives worker output. Calls for one Handle come from a single
// goroutine; HandleExit is called exactly once per spawned Handle.
type Handler interface {
	HandleLine(h *Handle, line []byte)
	HandleExit(h *Handle, err error)
}

// GracefulStop asks a live worker to stop on its own before it is killed.
type GracefulStop func(ctx context.Context, h *Handle) error

// Config controls spawning and teardown.
type Config struct {
	Args []string
	Env  map[string]string
	Dir  string

	ReadyMode    ReadyMode
	ReadyTimeout time.Duration

	GracefulTimeout time.Duration
	KillGrace       time.Duration
	DrainTimeout    time.Duration

	// Checksum pins the BLAKE3 digest of the resolved entry file.
	Checksum string

	MaxLine int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReadyMode:       ReadyOnStart,
		ReadyTimeout:    10 * time.Second,
		GracefulTimeout: 5 * time.Second,
		KillGrace:       3 * time.Second,
		DrainTimeout:    500 * time.Millisecond,
		MaxLine:         framer.DefaultMaxLine,
	}
}

type startAttempt struct {
	done   chan struct{}
	handle *Handle
	err    error
}

// Supervisor owns at most one live worker process.
type Supervisor struct {
	resolver Resolver
	cfg      Config
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	current     *Handle
	attempt     *startAttempt
	startCancel context.CancelFunc
	handler     Handler

	spawns atomic.Int64
}

// NewSupervisor creates a Supervisor. Zero durations in cfg take defaults.
func NewSupervisor(r Resolver, cfg Config) *Supervisor {
	def := DefaultConfig()
	if cfg.ReadyMode == "" {
		cfg.ReadyMode = def.ReadyMode
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = def.GracefulTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = def.KillGrace
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = def.MaxLine
	}
	return &Supervisor{
		resolver: r,
		cfg:      cfg,
		logger:   log.WithComponent("worker"),
		state:    StateNotStarted,
	}
}

// SetHandler installs the receiver of worker output. It must be called
// before the first EnsureReady.
func (s *Supervisor) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the Ready handle, or nil.
func (s *Supervisor) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Spawns returns how many processes have been started.
func (s *Supervisor) Spawns() int64 {
	return s.spawns.Load()
}

// Status is a point-in-time view of the supervisor for operators.
type Status struct {
	State     string    `json:"state"`
	Session   string    `json:"session,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Command   string    `json:"command,omitempty"`
	Spawns    int64     `json:"spawns"`
}

// Status reports the state and the live handle, if any.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{State: s.state.String(), Spawns: s.spawns.Load()}
	h := s.current
	s.mu.Unlock()

	if h != nil {
		st.Session = h.ID
		st.PID = h.PID()
		st.StartedAt = h.StartedAt
		st.Strategy = h.Target.Strategy
		st.Command = h.Target.String()
	}
	return st
}

// EnsureReady returns the live worker, spawning one if necessary. Concurrent
// callers share a single spawn attempt. ctx bounds only this caller's wait.
func (s *Supervisor) EnsureReady(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	if s.current != nil && s.current.Alive() {
		h := s.current
		s.mu.Unlock()
		return h, nil
	}
	if s.current != nil {
		// Exited but not yet reaped by onExit.
		s.current = nil
		s.transitionLocked(StateExited)
	}

	attempt := s.attempt
	if attempt == nil {
		attempt = &startAttempt{done: make(chan struct{})}
		startCtx, cancel := context.WithCancel(context.Background())
		s.attempt = attempt
		s.startCancel = cancel
		s.transitionLocked(StateStarting)
		go s.runAttempt(startCtx, cancel, attempt)
	}
	s.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.handle, attempt.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) runAttempt(ctx context.Context, cancel context.CancelFunc, attempt *startAttempt) {
	defer cancel()

	h, err := s.start(ctx)

	s.mu.Lock()
	if err == nil && !h.Alive() {
		err = fmt.Errorf("%w: worker %s", ErrStartup, h.exitSummary())
	}
	if err == nil {
		s.current = h
		s.transitionLocked(StateReady)
	} else {
		s.transitionLocked(StateExited)
	}
	s.attempt = nil
	s.startCancel = nil
	attempt.handle, attempt.err = h, err
	if err != nil {
		attempt.handle = nil
	}
	close(attempt.done)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("worker failed to become ready", "error", err)
	}
}

// start resolves, spawns and waits for readiness.
func (s *Supervisor) start(ctx context.Context) (*Handle, error) {
	target, err := s.resolver.Resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	if err := resolve.VerifyChecksum(target, s.cfg.Checksum); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	h, err := s.spawn(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	logger := log.WithWorker(h.ID)
	logger.Info("worker spawned", "pid", h.PID(), "strategy", target.Strategy, "cmd", target.String(), "ready_mode", s.cfg.ReadyMode)

	if s.cfg.ReadyMode != ReadyOnHandshake {
		h.markReady()
	}

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-h.ready:
		logger.Info("worker ready", "after", time.Since(h.StartedAt).String())
		return h, nil
	case <-h.done:
		return nil, fmt.Errorf("%w: worker exited before readiness: %s", ErrStartup, h.exitSummary())
	case <-timer.C:
		if h.Alive() {
			// Lenient: a silent but live worker is accepted.
			logger.Warn("readiness signal not seen before timeout; accepting live worker", "timeout", s.cfg.ReadyTimeout.String())
			h.markReady()
			return h, nil
		}
		return nil, fmt.Errorf("%w: worker died before readiness timeout: %s", ErrStartup, h.exitSummary())
	case <-ctx.Done():
		s.terminate(h)
		return nil, fmt.Errorf("%w: %w", ErrStartup, ctx.Err())
	}
}

func (s *Supervisor) spawn(target resolve.Target) (*Handle, error) {
	args := append(append([]string(nil), target.Args...), s.cfg.Args...)
	cmd := exec.Command(target.Path, args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	// Own pipes so Wait does not close the read ends: output written just
	// before exit must still reach the framer.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("start process: %w", err)
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()
	s.spawns.Add(1)

	h := newHandle(uuid.NewString(), target, cmd, stdin)
	go s.readStdout(h, stdoutR)
	go s.readStderr(h, stderrR)
	go s.wait(h, stdoutR, stderrR)
	return h, nil
}

func (s *Supervisor) readStdout(h *Handle, r io.Reader) {
	defer close(h.stdoutDone)

	f := framer.New(func(line []byte) {
		if !h.isReady() && s.cfg.ReadyMode == ReadyOnHandshake && protocol.IsReadySignal(line) {
			h.markReady()
			return
		}
		if handler := s.getHandler(); handler != nil {
			handler.HandleLine(h, line)
		}
	}, framer.WithMaxLine(s.cfg.MaxLine), framer.WithLogger(log.WithWorker(h.ID)))

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = f.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	f.Flush()
}

func (s *Supervisor) readStderr(h *Handle, r io.Reader) {
	logger := log.WithWorker(h.ID)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.recordStderr(line)
		logger.Info("worker stderr", "line", line)
	}
}

func (s *Supervisor) wait(h *Handle, stdout, stderr *os.File) {
	err := h.cmd.Wait()

	// Let the reader drain what the worker wrote before it died.
	drain := time.NewTimer(s.cfg.DrainTimeout)
	select {
	case <-h.stdoutDone:
	case <-drain.C:
		log.WithWorker(h.ID).Warn("worker stdout still open after exit; closing")
	}
	drain.Stop()
	_ = stdout.Close()
	_ = stderr.Close()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		err = fmt.Errorf("wait for process: %w", err)
	}
	h.finish(err)
	s.onExit(h, err)
}

func (s *Supervisor) onExit(h *Handle, err error) {
	s.mu.Lock()
	if s.current == h {
		s.current = nil
		s.transitionLocked(StateExited)
	}
	handler := s.handler
	s.mu.Unlock()

	log.WithWorker(h.ID).Info("worker exited", "pid", h.PID(), "error", errString(err), "uptime", time.Since(h.StartedAt).String())

	if handler != nil {
		handler.HandleExit(h, err)
	}
}

func (s *Supervisor) getHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// Shutdown stops the live worker: one best-effort graceful stop bounded by
// GracefulTimeout, then termination regardless of its outcome. A spawn in
// progress is aborted and waited for, bounded by ctx. Safe to call with no
// worker running.
func (s *Supervisor) Shutdown(ctx context.Context, graceful GracefulStop) error {
	s.mu.Lock()
	h := s.current
	attempt := s.attempt
	cancelStart := s.startCancel
	s.mu.Unlock()

	if attempt != nil {
		cancelStart()
		select {
		case <-attempt.done:
		case <-ctx.Done():
			return fmt.Errorf("abort worker start: %w", ctx.Err())
		}
		if h == nil && attempt.handle != nil {
			// Became ready before the cancel landed.
			h = attempt.handle
		}
	}
	if h == nil {
		return nil
	}

	if graceful != nil && h.Alive() {
		gctx, cancel := context.WithTimeout(ctx, s.cfg.GracefulTimeout)
		if err := graceful(gctx, h); err != nil {
			s.logger.Warn("graceful stop failed; terminating", "worker_session", h.ID, "error", err)
		}
		cancel()
	}

	err := s.terminate(h)

	s.mu.Lock()
	if s.current == h {
		s.current = nil
		s.transitionLocked(StateExited)
	}
	s.mu.Unlock()
	return err
}

// terminate sends SIGTERM, waits KillGrace, then SIGKILL.
func (s *Supervisor) terminate(h *Handle) error {
	if !h.Alive() {
		return nil
	}
	logger := log.WithWorker(h.ID)

	if err := h.signalGroup(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(s.cfg.KillGrace)
	defer grace.Stop()

	select {
	case <-h.done:
		logger.Info("worker exited after SIGTERM")
		return nil
	case <-grace.C:
	}

	logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
	if err := h.signalGroup(syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill worker: %w", err)
	}

	final := time.NewTimer(s.cfg.KillGrace + s.cfg.DrainTimeout)
	defer final.Stop()
	select {
	case <-h.done:
		return nil
	case <-final.C:
		return fmt.Errorf("worker %d did not exit after SIGKILL", h.PID())
	}
}

func (s *Supervisor) transitionLocked(to State) {
	if s.state == to {
		return
	}
	if !s.state.CanTransition(to) {
		s.logger.Error("illegal worker state transition", "from", s.state.String(), "to", to.String())
		return
	}
	s.logger.Debug("worker state", "from", s.state.String(), "to", to.String())
	s.state = to
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
