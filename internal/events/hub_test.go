package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
)

func progress(status protocol.Status, current, total int) protocol.ProgressEvent {
	return protocol.ProgressEvent{Status: status, Current: &current, Total: &total}
}

func TestHub_SnapshotRing(t *testing.T) {
	h := NewHub(3)
	for i := 1; i <= 5; i++ {
		h.Publish(progress(protocol.ProgressRunning, i, 5))
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	later := h.SnapshotSince(4)
	require.Len(t, later, 1)
	assert.Equal(t, 5, *later[0].Current)
}

func TestHub_SubscribeChan(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.SubscribeChan()

	h.Publish(progress(protocol.ProgressPaused, 1, 2))
	select {
	case ev := <-ch:
		assert.Equal(t, protocol.ProgressPaused, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestHub_SubscribeCallbackOrder(t *testing.T) {
	h := NewHub(10)

	var mu sync.Mutex
	var got []int64
	unsubscribe := h.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.ID)
		mu.Unlock()
	})
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		h.Publish(progress(protocol.ProgressRunning, i, 5))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)
}

func TestHub_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub(10)
	block := make(chan struct{})
	unsubscribe := h.Subscribe(func(Event) { <-block })

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueue*2; i++ {
			h.Publish(progress(protocol.ProgressRunning, i, 1))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Positive(t, h.Dropped())

	close(block)
	unsubscribe()
	unsubscribe()
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(10)

	var mu sync.Mutex
	calls := 0
	unsubscribe := h.Subscribe(func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	unsubscribe()

	h.Publish(progress(protocol.ProgressRunning, 1, 1))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestEvent_JSONFlattensProgress(t *testing.T) {
	h := NewHub(1)
	h.Publish(protocol.ProgressEvent{Status: protocol.ProgressCompleted, Message: "done"})
	ev := h.SnapshotSince(0)[0]

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, float64(1), m["id"])
	assert.Equal(t, "COMPLETED", m["status"])
	assert.Equal(t, "done", m["message"])
	assert.True(t, ev.Terminal())
}
