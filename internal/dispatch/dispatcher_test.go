package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkvisionsa/valuetech-bridge/internal/log"
	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
	"github.com/sparkvisionsa/valuetech-bridge/internal/resolve"
	"github.com/sparkvisionsa/valuetech-bridge/internal/worker"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// responderWorker answers commands according to their action.
const responderWorker = `#!/bin/bash
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"commandId":\([0-9][0-9]*\).*/\1/p')
  action=$(printf '%s' "$line" | sed -n 's/.*"action":"\([^"]*\)".*/\1/p')
  case "$action" in
    ping) printf '{"commandId":%s,"status":"SUCCESS","payload":{"pong":true}}\n' "$id" ;;
    echo) printf '{"commandId":%s,"status":"SUCCESS","message":"%s"}\n' "$id" "$id" ;;
    otp) printf '{"commandId":%s,"status":"OTP_REQUIRED","message":"code sent"}\n' "$id" ;;
    missing) printf '{"commandId":%s,"status":"NOT_FOUND"}\n' "$id" ;;
    fail) printf '{"commandId":%s,"status":"FAILED","error":"bad credentials"}\n' "$id" ;;
    slow) ( sleep 0.3; printf '{"commandId":%s,"status":"SUCCESS","message":"slow"}\n' "$id" ) & ;;
    split)
      printf '{"commandId":%s,"sta' "$id"
      sleep 0.1
      printf 'tus":"SUCCESS","message":"joined"}\n'
      ;;
    noise)
      echo 'this is not json'
      echo '{"commandId":'
      printf '{"commandId":%s,"status":"SUCCESS"}\n' "$id"
      ;;
    stray)
      printf '{"commandId":99999,"status":"SUCCESS"}\n'
      printf '{"commandId":%s,"status":"SUCCESS"}\n' "$id"
      ;;
    batch)
      printf '{"type":"progress","status":"RUNNING","current":1,"total":2,"commandId":%s}\n' "$id"
      printf '{"type":"progress","status":"COMPLETED","current":2,"total":2}\n'
      printf '{"commandId":%s,"status":"SUCCESS"}\n' "$id"
      ;;
    hang) ;;
    die) exit 4 ;;
    shutdown) printf '{"commandId":%s,"status":"SUCCESS"}\n' "$id"; exit 0 ;;
    *) printf '{"commandId":%s,"status":"FAILED","error":"unknown action"}\n' "$id" ;;
  esac
done
`

// deafWorker ignores every command and SIGTERM.
const deafWorker = `#!/bin/bash
trap '' TERM
while IFS= read -r line; do :; done
while true; do sleep 0.05; done
`

// closedStdinWorker closes its stdin before announcing readiness.
const closedStdinWorker = `#!/bin/bash
exec 0<&-
echo '{"type":"ready"}'
while true; do sleep 0.05; done
`

type scriptResolver struct{ path string }

func (r scriptResolver) Resolve() (resolve.Target, error) {
	return resolve.Target{Strategy: "test", Path: r.path, Entry: r.path}, nil
}

type failingResolver struct{}

func (failingResolver) Resolve() (resolve.Target, error) {
	return resolve.Target{}, resolve.ErrNotFound
}

type progressSink struct {
	mu     sync.Mutex
	events []protocol.ProgressEvent
}

func (p *progressSink) Publish(ev protocol.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *progressSink) Events() []protocol.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.ProgressEvent(nil), p.events...)
}

type journalSink struct {
	mu        sync.Mutex
	submitted []Record
	completed []Record
}

func (j *journalSink) RecordSubmitted(rec Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.submitted = append(j.submitted, rec)
}

func (j *journalSink) RecordCompleted(rec Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed = append(j.completed, rec)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newTestDispatcher(t *testing.T, script string, mutate func(*worker.Config), opts ...Option) (*Dispatcher, *worker.Supervisor) {
	t.Helper()
	cfg := worker.DefaultConfig()
	cfg.ReadyTimeout = 2 * time.Second
	cfg.GracefulTimeout = 300 * time.Millisecond
	cfg.KillGrace = 100 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	sup := worker.NewSupervisor(scriptResolver{path: writeScript(t, script)}, cfg)
	d := New(sup, opts...)
	t.Cleanup(func() {
		_ = sup.Shutdown(context.Background(), nil)
	})
	return d, sup
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSend_PingRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t, responderWorker, nil)
	ctx := testContext(t)

	for i := 0; i < 6; i++ {
		_, err := d.Send(ctx, "ping", nil)
		require.NoError(t, err)
	}

	o := d.Submit(ctx, "ping", nil)
	assert.Equal(t, int64(7), o.ID())
	assert.Equal(t, "ping", o.Action())

	resp, err := o.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.CommandID)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.JSONEq(t, `{"pong":true}`, string(resp.Payload))
	assert.Empty(t, d.Pending())
}

func TestSend_ConcurrentCallersResolveExactlyOnce(t *testing.T) {
	d, sup := newTestDispatcher(t, responderWorker, nil)
	ctx := testContext(t)

	const n = 40
	outcomes := make([]*Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = d.Submit(ctx, "echo", map[string]any{"seq": i})
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, o := range outcomes {
		resp, err := o.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, o.ID(), resp.CommandID)
		assert.Equal(t, fmt.Sprint(o.ID()), resp.Message)
		assert.Equal(t, int32(1), o.completions())
		assert.False(t, seen[o.ID()], "duplicate id %d", o.ID())
		seen[o.ID()] = true
	}
	assert.Len(t, seen, n)
	assert.Empty(t, d.Pending())
	assert.Equal(t, int64(1), sup.Spawns())
}

func TestSend_OutOfOrderResponses(t *testing.T) {
	d, _ := newTestDispatcher(t, responderWorker, nil)
	ctx := testContext(t)

	slow := d.Submit(ctx, "slow", nil)
	fast := d.Submit(ctx, "ping", nil)

	_, err := fast.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, slow.Settled())

	resp, err := slow.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "slow", resp.Message)
	assert.Equal(t, slow.ID(), resp.CommandID)
}

func TestSend_StatusClassification(t *testing.T) {
	d, _ := newTestDispatcher(t, responderWorker, nil)
	ctx := testContext(t)

	resp, err := d.Send(ctx, "otp", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOTPRequired, resp.Status)
	assert.Equal(t, "code sent", resp.Message)

	resp, err = d.Send(ctx, "missing", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusNotFound, resp.Status)

	resp, err = d.Send(ctx, "fail", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "fail", cmdErr.Action)
	assert.Equal(t, protocol.StatusFailed, cmdErr.Status)
	assert.Equal(t, "bad credentials", cmdErr.Message)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestSend_ExtraSuccessStatuses(t *testing.T) {
	d, _ := newTestDispatcher(t, responderWorker, nil, WithSuccessStatuses(protocol.StatusFailed))

	resp, err := d.Send(testContext(t), "fail", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFailed, resp.Status)
}

func TestSend_UnknownIDIgnored(t *testing.T) {
	d, _ := newTestDispatcher(t, responderWorker, nil)
	ctx := testContext(t)

	resp, err := d.Send(ctx, "stray", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.CommandID)
	assert.Empty(t, d.Pending())

	_, err = d.Send(ctx, "ping", nil)
	assert.NoError(t, err)
}

func TestSend_SplitChunksReassembled(t *testing.T) {
	d, _ := newTestDispatcher(t, responderWorker, nil)

	resp, err := d.Send(testContext(t), "split", nil)
	require.NoError(t, err)
	assert.Equal(t, "joined", resp.Message)
}

func TestSend_MalformedLinesDoNotBreakStream(t *testing.T) {
	d, _ := newTestDispatcher(t, responderWorker, nil)
	ctx := testContext(t)

	_, err := d.Send(ctx, "noise", nil)
	require.NoError(t, err)

	resp, err := d.Send(ctx, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
}

func TestSend_ProgressBroadcastNotCorrelated(t *testing.T) {
	sink := &progressSink{}
	d, _ := newTestDispatcher(t, responderWorker, nil, WithProgress(sink))

	resp, err := d.Send(testContext(t), "batch", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)

	assert.Eventually(t, func() bool { return len(sink.Events()) == 2 }, 2*time.Second, 10*time.Millisecond)
	events := sink.Events()
	assert.Equal(t, protocol.ProgressRunning, events[0].Status)
	assert.Equal(t, protocol.ProgressCompleted, events[1].Status)
	assert.True(t, events[1].Terminal())
}

func TestWorkerExitRejectsAllPending(t *testing.T) {
	d, sup := newTestDispatcher(t, responderWorker, nil)
	ctx := testContext(t)

	var outcomes []*Outcome
	for i := 0; i < 3; i++ {
		outcomes = append(outcomes, d.Submit(ctx, "hang", nil))
	}
	assert.Len(t, d.Pending(), 3)
	outcomes = append(outcomes, d.Submit(ctx, "die", nil))

	for _, o := range outcomes {
		_, err := o.Wait(ctx)
		assert.ErrorIs(t, err, ErrWorkerExited)
		assert.Equal(t, int32(1), o.completions())
	}
	assert.Empty(t, d.Pending())

	// The next command spawns a fresh worker.
	_, err := d.Send(ctx, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sup.Spawns())
}

func TestSubmit_StartupFailureAllocatesNoID(t *testing.T) {
	sup := worker.NewSupervisor(failingResolver{}, worker.DefaultConfig())
	d := New(sup)

	o := d.Submit(context.Background(), "ping", nil)
	_, err := o.Wait(context.Background())
	assert.ErrorIs(t, err, worker.ErrStartup)
	assert.Zero(t, o.ID())
	assert.Empty(t, d.Pending())
}

func TestSubmit_WriteFailureRemovesPending(t *testing.T) {
	d, _ := newTestDispatcher(t, closedStdinWorker, func(c *worker.Config) {
		c.ReadyMode = worker.ReadyOnHandshake
	})
	ctx := testContext(t)

	_, err := d.Send(ctx, "ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Empty(t, d.Pending())
}

func TestSend_ContextAbandonsWaitOnly(t *testing.T) {
	d, _ := newTestDispatcher(t, responderWorker, nil)

	_, err := d.Send(testContext(t), "ping", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = d.Send(ctx, "hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []int64{2}, d.Pending())
}

func TestShutdown_GracefulAcknowledged(t *testing.T) {
	d, sup := newTestDispatcher(t, responderWorker, nil)
	ctx := testContext(t)

	_, err := d.Send(ctx, "ping", nil)
	require.NoError(t, err)

	require.NoError(t, d.Shutdown(ctx))
	assert.Nil(t, sup.Current())
	assert.Empty(t, d.Pending())
}

func TestShutdown_ClearsEvenWhenGracefulFails(t *testing.T) {
	d, sup := newTestDispatcher(t, deafWorker, nil)
	ctx := testContext(t)

	pending := d.Submit(ctx, "hang", nil)
	require.NotZero(t, pending.ID())
	h := sup.Current()
	require.NotNil(t, h)

	require.NoError(t, d.Shutdown(ctx))
	assert.False(t, h.Alive())
	assert.Nil(t, sup.Current())
	assert.Equal(t, worker.StateExited, sup.State())
	assert.Empty(t, d.Pending())

	_, err := pending.Wait(ctx)
	assert.ErrorIs(t, err, ErrWorkerExited)
}

func TestRecorderSeesLifecycle(t *testing.T) {
	j := &journalSink{}
	d, sup := newTestDispatcher(t, responderWorker, nil, WithRecorder(j))
	ctx := testContext(t)

	_, err := d.Send(ctx, "ping", nil)
	require.NoError(t, err)
	_, err = d.Send(ctx, "fail", nil)
	require.Error(t, err)

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.submitted, 2)
	require.Len(t, j.completed, 2)
	assert.Equal(t, sup.Current().ID, j.submitted[0].WorkerSession)
	assert.Equal(t, "SUCCESS", j.completed[0].Status)
	assert.Empty(t, j.completed[0].Error)
	assert.Equal(t, "FAILED", j.completed[1].Status)
	assert.Contains(t, j.completed[1].Error, "bad credentials")
	assert.False(t, j.completed[1].CompletedAt.Before(j.completed[1].SubmittedAt))
}

// fakeWorkers lets routing tests run without a process.
type fakeWorkers struct{ handler worker.Handler }

func (f *fakeWorkers) EnsureReady(context.Context) (*worker.Handle, error) {
	return nil, worker.ErrNotRunning
}
func (f *fakeWorkers) SetHandler(h worker.Handler) { f.handler = h }
func (f *fakeWorkers) Shutdown(context.Context, worker.GracefulStop) error {
	return nil
}

func TestHandleLine_Routing(t *testing.T) {
	sink := &progressSink{}
	fw := &fakeWorkers{}
	d := New(fw, WithProgress(sink))
	assert.Same(t, d, fw.handler)

	h := &worker.Handle{ID: "session"}
	lines := []string{
		`garbage`,
		`{"type":"ready"}`,
		`{"status":"RUNNING","message":"page 1"}`,
		`{"commandId":5,"status":"SUCCESS"}`,
		`{"commandId":6,"status":"RUNNING","current":3,"total":10}`,
		`{"something":"else"}`,
	}
	for _, line := range lines {
		d.HandleLine(h, []byte(line))
	}

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "page 1", events[0].Message)
	require.NotNil(t, events[1].Current)
	assert.Equal(t, 3, *events[1].Current)
	assert.InDelta(t, 30.0, events[1].Percent(), 0.001)
}

func TestHandleExit_OnlyRejectsOwnWorker(t *testing.T) {
	d := New(&fakeWorkers{})

	mine := newOutcome(1, "a")
	other := newOutcome(2, "b")
	d.pending[1] = &pendingCommand{id: 1, action: "a", workerID: "old", outcome: mine}
	d.pending[2] = &pendingCommand{id: 2, action: "b", workerID: "new", outcome: other}

	d.HandleExit(&worker.Handle{ID: "old"}, errors.New("signal: killed"))

	_, err := mine.Wait(context.Background())
	assert.ErrorIs(t, err, ErrWorkerExited)
	assert.Contains(t, err.Error(), "signal: killed")
	assert.False(t, other.Settled())
	assert.Equal(t, []int64{2}, d.Pending())

	// A late response for the rejected id is ignored.
	d.HandleLine(&worker.Handle{ID: "old"}, []byte(`{"commandId":1,"status":"SUCCESS"}`))
	assert.Equal(t, int32(1), mine.completions())
}

func TestOutcome_SingleFire(t *testing.T) {
	o := newOutcome(3, "ping")
	first := &protocol.Response{CommandID: 3, Status: protocol.StatusSuccess}

	assert.True(t, o.complete(first, nil))
	assert.False(t, o.complete(nil, errors.New("late")))
	assert.Equal(t, int32(2), o.completions())

	resp, err := o.Wait(context.Background())
	assert.NoError(t, err)
	assert.Same(t, first, resp)
}

func TestOutcome_Constructors(t *testing.T) {
	resp, err := Resolved(&protocol.Response{CommandID: 9, Status: protocol.StatusSuccess}).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), resp.CommandID)

	boom := errors.New("boom")
	_, err = Failed(boom).Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestCommandFieldsReachWorker(t *testing.T) {
	line, err := protocol.EncodeCommand(protocol.Command{ID: 1, Action: "login", Fields: map[string]any{"email": "a@b.c", "commandId": 42}})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, "login", decoded["action"])
	assert.Equal(t, float64(1), decoded["commandId"])
	assert.Equal(t, "a@b.c", decoded["email"])
}
