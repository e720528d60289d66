package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
)

type stateLog struct {
	mu     sync.Mutex
	states []IndicatorState
}

func (l *stateLog) record(s IndicatorState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

func TestIndicator_TerminalRetiresAfterGrace(t *testing.T) {
	log := &stateLog{}
	ind := NewIndicator(50*time.Millisecond, log.record)
	defer ind.Stop()

	ind.Observe(Event{ID: 1, ProgressEvent: progress(protocol.ProgressRunning, 1, 2)})
	ind.Observe(Event{ID: 2, ProgressEvent: progress(protocol.ProgressCompleted, 2, 2)})
	assert.True(t, ind.State().Visible)
	assert.Equal(t, int64(2), ind.State().Event.ID)

	assert.Eventually(t, func() bool { return !ind.State().Visible }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, log.len())
}

func TestIndicator_NewEventCancelsRetirement(t *testing.T) {
	ind := NewIndicator(80*time.Millisecond, nil)
	defer ind.Stop()

	ind.Observe(Event{ID: 1, ProgressEvent: protocol.ProgressEvent{Status: "stopped"}})
	ind.Observe(Event{ID: 2, ProgressEvent: progress(protocol.ProgressResumed, 1, 3)})

	time.Sleep(200 * time.Millisecond)
	state := ind.State()
	assert.True(t, state.Visible)
	assert.Equal(t, int64(2), state.Event.ID)
}

func TestIndicator_StopIgnoresFurtherEvents(t *testing.T) {
	ind := NewIndicator(10*time.Millisecond, nil)
	ind.Stop()
	ind.Observe(Event{ID: 1, ProgressEvent: progress(protocol.ProgressRunning, 1, 2)})
	assert.False(t, ind.State().Visible)
}
