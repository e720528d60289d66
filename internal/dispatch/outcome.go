package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
)

// Outcome is the single-shot result of one submitted command.
type Outcome struct {
	id     int64
	action string

	done     chan struct{}
	once     sync.Once
	resp     *protocol.Response
	err      error
	attempts atomic.Int32
}

func newOutcome(id int64, action string) *Outcome {
	return &Outcome{id: id, action: action, done: make(chan struct{})}
}

// Resolved returns an Outcome already completed with resp.
func Resolved(resp *protocol.Response) *Outcome {
	var id int64
	if resp != nil {
		id = resp.CommandID
	}
	o := newOutcome(id, "")
	o.complete(resp, nil)
	return o
}

// Failed returns an Outcome already completed with err.
func Failed(err error) *Outcome {
	o := newOutcome(0, "")
	o.complete(nil, err)
	return o
}

// ID returns the correlation id, or 0 if none was allocated.
func (o *Outcome) ID() int64 { return o.id }

// Action returns the command action.
func (o *Outcome) Action() string { return o.action }

// Done is closed when the outcome is settled.
func (o *Outcome) Done() <-chan struct{} { return o.done }

// Wait blocks until the outcome settles or ctx ends. Cancelling ctx only
// stops this wait; the command stays pending.
func (o *Outcome) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-o.done:
		return o.resp, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the outcome has completed.
func (o *Outcome) Settled() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// complete settles the outcome. It reports whether this call did so; every
// later call is a no-op and counted.
func (o *Outcome) complete(resp *protocol.Response, err error) bool {
	o.attempts.Add(1)
	fired := false
	o.once.Do(func() {
		o.resp, o.err = resp, err
		close(o.done)
		fired = true
	})
	return fired
}

// completions reports how many times completion was attempted.
func (o *Outcome) completions() int32 {
	return o.attempts.Load()
}
