package events

import (
	"sync"
	"time"
)

// IndicatorState is what a progress display should currently show.
type IndicatorState struct {
	Visible bool
	Event   Event
}

// Indicator tracks the visible progress of the current batch. A terminal
// event keeps the display up for the grace delay, then retires it; any newer
// event cancels a pending retirement.
type Indicator struct {
	grace    time.Duration
	onChange func(IndicatorState)

	mu      sync.Mutex
	state   IndicatorState
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewIndicator creates an Indicator. onChange, if set, is called outside the
// lock after every state change.
func NewIndicator(grace time.Duration, onChange func(IndicatorState)) *Indicator {
	return &Indicator{grace: grace, onChange: onChange}
}

// Observe feeds one progress event.
func (i *Indicator) Observe(ev Event) {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return
	}
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	i.gen++
	i.state = IndicatorState{Visible: true, Event: ev}

	if ev.Terminal() {
		gen := i.gen
		i.timer = time.AfterFunc(i.grace, func() { i.retire(gen) })
	}
	state := i.state
	i.mu.Unlock()

	i.notify(state)
}

// State returns the current display state.
func (i *Indicator) State() IndicatorState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Stop cancels any pending retirement and ignores further events.
func (i *Indicator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopped = true
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
}

func (i *Indicator) retire(gen uint64) {
	i.mu.Lock()
	if i.stopped || gen != i.gen {
		i.mu.Unlock()
		return
	}
	i.timer = nil
	i.state = IndicatorState{}
	state := i.state
	i.mu.Unlock()

	i.notify(state)
}

func (i *Indicator) notify(state IndicatorState) {
	if i.onChange != nil {
		i.onChange(state)
	}
}
