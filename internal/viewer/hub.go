package viewer

import (
	"sync"
	"time"
)

// Event kinds pushed on /api/events.
const (
	EventReport    = "report"
	EventContact   = "contact"
	EventDeparture = "departure"
	EventCollector = "collector"
)

// Event is one message on the live stream.
type Event struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
	Data any       `json:"data,omitempty"`
}

// Hub fans events out to websocket clients. Slow clients lose events.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish sends an event to every subscriber without blocking.
func (h *Hub) Publish(typ string, data any) {
	e := Event{Type: typ, TS: time.Now(), Data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *Hub) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
