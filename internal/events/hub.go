package events

import (
	"sync"
	"sync/atomic"

	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
)

const (
	defaultCapacity = 100
	subscriberQueue = 128
)

// Event is a progress event stamped with its hub sequence number.
type Event struct {
	ID int64 `json:"id"`
	protocol.ProgressEvent
}

// Hub is an in-memory pub/sub for worker progress with a small ring buffer
// for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
	dropped   atomic.Int64
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish stamps ev and fans it out. It never blocks on subscribers.
func (h *Hub) Publish(pe protocol.ProgressEvent) {
	ev := Event{ID: h.nextID.Add(1), ProgressEvent: pe}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block command resolution.
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.Unlock()
}

// SubscribeChan returns a buffered stream of events and its cancel func.
// Cancel is idempotent and closes the channel.
func (h *Hub) SubscribeChan() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberQueue)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Subscribe calls fn for every event from its own goroutine, in publish
// order. The returned func unsubscribes and is idempotent; once it returns no
// new call to fn starts, so it may also be called from inside fn.
func (h *Hub) Subscribe(fn func(Event)) func() {
	ch, cancel := h.SubscribeChan()
	stop := make(chan struct{})

	go func() {
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				select {
				case <-stop:
					return
				default:
				}
				fn(ev)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			cancel()
		})
	}
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped counts events a full subscriber queue did not receive.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
