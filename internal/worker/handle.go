package worker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sparkvisionsa/valuetech-bridge/internal/resolve"
)

// stderrTailLines is how much worker stderr is kept for startup diagnostics.
const stderrTailLines = 20

// Handle is one spawned worker process. It is safe for concurrent use.
type Handle struct {
	// ID is a per-spawn session identifier.
	ID string

	Target    resolve.Target
	StartedAt time.Time

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once

	stdoutDone chan struct{}
	done       chan struct{}

	mu      sync.Mutex
	exitErr error
	tail    []string
}

func newHandle(id string, target resolve.Target, cmd *exec.Cmd, stdin io.WriteCloser) *Handle {
	return &Handle{
		ID:         id,
		Target:     target,
		StartedAt:  time.Now(),
		cmd:        cmd,
		stdin:      stdin,
		ready:      make(chan struct{}),
		stdoutDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// PID returns the operating system process id.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the error from waiting on the process, if it has exited.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Write sends p to the worker's stdin. Writes are serialized so concurrent
// callers never interleave partial lines.
func (h *Handle) Write(p []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if !h.Alive() {
		return ErrNotRunning
	}
	if _, err := h.stdin.Write(p); err != nil {
		return fmt.Errorf("write to worker stdin: %w", err)
	}
	return nil
}

// StderrTail returns the last few stderr lines the worker printed.
func (h *Handle) StderrTail() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.tail...)
}

func (h *Handle) markReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}

func (h *Handle) isReady() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

func (h *Handle) recordStderr(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tail = append(h.tail, line)
	if len(h.tail) > stderrTailLines {
		h.tail = h.tail[len(h.tail)-stderrTailLines:]
	}
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

// exitSummary describes how the process ended, for error messages.
func (h *Handle) exitSummary() string {
	msg := "exited"
	if err := h.ExitErr(); err != nil {
		msg = err.Error()
	}
	if tail := h.StderrTail(); len(tail) > 0 {
		msg += "; stderr: " + strings.Join(tail, " | ")
	}
	return msg
}

// signalGroup delivers sig to the worker's whole process group so helper
// processes (browsers) go down with it.
func (h *Handle) signalGroup(sig syscall.Signal) error {
	pid := h.PID()
	if pid == 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		// Fall back to the leader alone.
		if perr := h.cmd.Process.Signal(sig); perr != nil && perr != os.ErrProcessDone {
			return fmt.Errorf("signal %v: %w", sig, perr)
		}
	}
	return nil
}
