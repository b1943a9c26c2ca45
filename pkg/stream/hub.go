package stream

import (
	"sync"
	"time"
)

// Event is one admission outcome broadcast to ops subscribers.
type Event struct {
	Type       string `json:"type"`
	At         string `json:"at"`
	Code       string `json:"code,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Path       string `json:"path,omitempty"`
	Method     string `json:"method,omitempty"`
	Entity     string `json:"entity,omitempty"`
	Action     string `json:"action,omitempty"`
	DecisionID string `json:"decision_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func NewEvent(eventType string) Event {
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Hub fans admission events out to subscribers. Slow subscribers drop
// events rather than blocking the request path.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
