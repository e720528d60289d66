package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sparkvisionsa/valuetech-bridge/internal/log"
	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
	"github.com/sparkvisionsa/valuetech-bridge/internal/worker"
)

const (
	// DefaultStopAction is the graceful-stop command sent during shutdown.
	DefaultStopAction = "shutdown"

	// maxLoggedLine caps how much of a bad line ends up in the log.
	maxLoggedLine = 512
)

// Workers is the supervisor side the dispatcher drives.
type Workers interface {
	EnsureReady(ctx context.Context) (*worker.Handle, error)
	SetHandler(h worker.Handler)
	Shutdown(ctx context.Context, graceful worker.GracefulStop) error
}

// Publisher receives unsolicited progress events.
type Publisher interface {
	Publish(ev protocol.ProgressEvent)
}

// Record describes one command for the journal.
type Record struct {
	CommandID     int64
	Action        string
	WorkerSession string
	Status        string
	Error         string
	SubmittedAt   time.Time
	CompletedAt   time.Time
}

// Recorder observes command submission and completion. Implementations must
// not block.
type Recorder interface {
	RecordSubmitted(rec Record)
	RecordCompleted(rec Record)
}

type pendingCommand struct {
	id          int64
	action      string
	workerID    string
	submittedAt time.Time
	outcome     *Outcome
}

// Dispatcher owns the pending-command table.
type Dispatcher struct {
	workers    Workers
	progress   Publisher
	recorder   Recorder
	logger     *slog.Logger
	success    map[protocol.Status]struct{}
	stopAction string

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCommand
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithProgress sets where progress events are published.
func WithProgress(p Publisher) Option {
	return func(d *Dispatcher) { d.progress = p }
}

// WithRecorder sets the command journal.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithSuccessStatuses adds statuses that resolve rather than fail.
func WithSuccessStatuses(statuses ...protocol.Status) Option {
	return func(d *Dispatcher) {
		for _, s := range statuses {
			d.success[s] = struct{}{}
		}
	}
}

// WithStopAction overrides DefaultStopAction.
func WithStopAction(action string) Option {
	return func(d *Dispatcher) {
		if action != "" {
			d.stopAction = action
		}
	}
}

// New creates a Dispatcher and registers it as the workers' output handler.
func New(w Workers, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		workers:    w,
		logger:     log.WithComponent("dispatch"),
		success:    make(map[protocol.Status]struct{}),
		stopAction: DefaultStopAction,
		pending:    make(map[int64]*pendingCommand),
	}
	for _, s := range protocol.DefaultSuccessStatuses {
		d.success[s] = struct{}{}
	}
	for _, opt := range opts {
		opt(d)
	}
	w.SetHandler(d)
	return d
}

// Send submits a command and waits for its outcome.
func (d *Dispatcher) Send(ctx context.Context, action string, fields map[string]any) (*protocol.Response, error) {
	return d.Submit(ctx, action, fields).Wait(ctx)
}

// Submit starts a command and returns its pending Outcome. If no worker can
// be made ready the Outcome is already failed and no id is allocated.
func (d *Dispatcher) Submit(ctx context.Context, action string, fields map[string]any) *Outcome {
	h, err := d.workers.EnsureReady(ctx)
	if err != nil {
		d.logger.Warn("command not sent: worker unavailable", "action", action, "error", err)
		o := newOutcome(0, action)
		o.complete(nil, err)
		return o
	}
	return d.submitTo(h, action, fields)
}

func (d *Dispatcher) submitTo(h *worker.Handle, action string, fields map[string]any) *Outcome {
	id := d.nextID.Add(1)
	o := newOutcome(id, action)
	logger := log.WithCommand(id, action)

	line, err := protocol.EncodeCommand(protocol.Command{ID: id, Action: action, Fields: fields})
	if err != nil {
		o.complete(nil, fmt.Errorf("%w: %w", ErrTransport, err))
		return o
	}

	pc := &pendingCommand{
		id:          id,
		action:      action,
		workerID:    h.ID,
		submittedAt: time.Now().UTC(),
		outcome:     o,
	}

	// Registered before the write so an immediate response finds it.
	d.mu.Lock()
	d.pending[id] = pc
	d.mu.Unlock()
	d.recordSubmitted(pc)

	if err := h.Write(line); err != nil {
		if d.take(id) != nil {
			logger.Error("failed to write command", "error", err)
			d.settle(pc, nil, fmt.Errorf("%w: %w", ErrTransport, err))
		}
		return o
	}

	logger.Debug("command sent", "worker_session", h.ID)
	return o
}

// HandleLine implements worker.Handler.
func (d *Dispatcher) HandleLine(h *worker.Handle, line []byte) {
	msg, err := protocol.DecodeLine(line)
	if err != nil {
		d.logger.Warn("dropping unparseable worker line", "worker_session", h.ID, "error", err, "line", truncate(line))
		return
	}

	switch msg.Kind {
	case protocol.KindResponse:
		d.route(msg)
	case protocol.KindProgress:
		d.publish(*msg.Progress)
	case protocol.KindReady:
		d.logger.Debug("worker announced readiness", "worker_session", h.ID)
	default:
		d.logger.Debug("ignoring unrecognised worker line", "worker_session", h.ID, "line", truncate(line))
	}
}

func (d *Dispatcher) route(msg *protocol.Message) {
	resp := msg.Response
	pc := d.take(resp.CommandID)
	if pc == nil {
		if msg.Progress != nil {
			d.publish(*msg.Progress)
			return
		}
		d.logger.Debug("response for unknown command ignored", "command_id", resp.CommandID, "status", resp.Status)
		return
	}

	if _, ok := d.success[resp.Status]; ok {
		d.settle(pc, resp, nil)
		return
	}

	message := resp.FailureMessage()
	if message == "" {
		message = fmt.Sprintf("worker reported status %q", resp.Status)
	}
	d.settle(pc, resp, &CommandError{
		CommandID: pc.id,
		Action:    pc.action,
		Status:    resp.Status,
		Message:   message,
	})
}

// HandleExit implements worker.Handler. Every command pending on the exited
// worker is rejected and removed.
func (d *Dispatcher) HandleExit(h *worker.Handle, exitErr error) {
	d.mu.Lock()
	var orphaned []*pendingCommand
	for id, pc := range d.pending {
		if pc.workerID == h.ID {
			delete(d.pending, id)
			orphaned = append(orphaned, pc)
		}
	}
	d.mu.Unlock()

	if len(orphaned) == 0 {
		return
	}

	reason := "exit status 0"
	if exitErr != nil {
		reason = exitErr.Error()
	}
	d.logger.Warn("worker exited with commands outstanding", "worker_session", h.ID, "count", len(orphaned), "reason", reason)

	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].id < orphaned[j].id })
	for _, pc := range orphaned {
		d.settle(pc, nil, fmt.Errorf("%w: %s (command %d, %s)", ErrWorkerExited, reason, pc.id, pc.action))
	}
}

// Shutdown sends the graceful-stop command to the live worker, then
// terminates it regardless of the answer.
// Commands still outstanding afterwards are rejected with ErrWorkerExited.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	err := d.workers.Shutdown(ctx, d.gracefulStop)

	d.mu.Lock()
	orphaned := make([]*pendingCommand, 0, len(d.pending))
	for id, pc := range d.pending {
		delete(d.pending, id)
		orphaned = append(orphaned, pc)
	}
	d.mu.Unlock()

	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].id < orphaned[j].id })
	for _, pc := range orphaned {
		d.settle(pc, nil, fmt.Errorf("%w: bridge shut down (command %d, %s)", ErrWorkerExited, pc.id, pc.action))
	}
	return err
}

func (d *Dispatcher) gracefulStop(ctx context.Context, h *worker.Handle) error {
	_, err := d.submitTo(h, d.stopAction, nil).Wait(ctx)
	return err
}

// Pending returns the outstanding command ids in ascending order.
func (d *Dispatcher) Pending() []int64 {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// take removes and returns the pending entry for id, or nil.
func (d *Dispatcher) take(id int64) *pendingCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[id]
	if !ok {
		return nil
	}
	delete(d.pending, id)
	return pc
}

func (d *Dispatcher) settle(pc *pendingCommand, resp *protocol.Response, err error) {
	rec := Record{
		CommandID:     pc.id,
		Action:        pc.action,
		WorkerSession: pc.workerID,
		SubmittedAt:   pc.submittedAt,
		CompletedAt:   time.Now().UTC(),
	}
	if resp != nil {
		rec.Status = string(resp.Status)
	}
	if err != nil {
		rec.Error = err.Error()
		if rec.Status == "" {
			rec.Status = "ERROR"
		}
	}

	// Recorded before the caller wakes so a journal read after Send sees it.
	if d.recorder != nil {
		d.recorder.RecordCompleted(rec)
	}

	if !pc.outcome.complete(resp, err) {
		d.logger.Error("command settled twice", "command_id", pc.id, "action", pc.action)
		return
	}
	duration := rec.CompletedAt.Sub(pc.submittedAt).String()
	if err != nil {
		log.WithCommand(pc.id, pc.action).Info("command failed", "error", err, "duration", duration)
	} else {
		log.WithCommand(pc.id, pc.action).Debug("command resolved", "status", rec.Status, "duration", duration)
	}
}

func (d *Dispatcher) recordSubmitted(pc *pendingCommand) {
	if d.recorder == nil {
		return
	}
	d.recorder.RecordSubmitted(Record{
		CommandID:     pc.id,
		Action:        pc.action,
		WorkerSession: pc.workerID,
		SubmittedAt:   pc.submittedAt,
	})
}

func (d *Dispatcher) publish(ev protocol.ProgressEvent) {
	if d.progress == nil {
		return
	}
	d.progress.Publish(ev)
}

func truncate(line []byte) string {
	if len(line) > maxLoggedLine {
		return string(line[:maxLoggedLine]) + "..."
	}
	return string(line)
}
