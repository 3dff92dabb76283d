package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the remediation engine.
const (
	TypeProgress   = "progress"
	TypeState      = "state"
	TypeCompletion = "completion"
)

// Event is one published notification. Data is a JSON document.
type Event struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a small ring buffer so clients that
// connect late (or reconnect with Last-Event-ID) can catch up.
type Hub struct {
	nextID atomic.Int64
	now    func() time.Time

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

const subscriberBuffer = 128

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		now:  time.Now,
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and fans it out. Subscribers whose buffer is full
// miss the event rather than blocking the publisher; they can recover it
// from SnapshotSince.
func (h *Hub) Publish(sessionID, eventType string, data any) Event {
	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are assigned under the lock so ring order and ID order agree.
	ev := Event{
		ID:        h.nextID.Add(1),
		Type:      eventType,
		SessionID: sessionID,
		At:        h.now().UTC(),
		Data:      payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe returns a channel of future events and a cancel func that
// closes it. Cancel is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberBuffer)
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

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
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

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
