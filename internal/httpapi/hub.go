package httpapi

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is one alert or audit bead pushed to websocket subscribers.
type Event struct {
	Kind    string    `json:"kind"` // "alert" or "bead"
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Hub fans events out to websocket subscribers. Publishing never blocks:
// a slow subscriber loses events rather than stalling the kernel.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish delivers the event to every subscriber that can take it.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			log.Debug().Str("kind", e.Kind).Msg("event dropped for slow websocket subscriber")
		}
	}
}

// Subscribe registers a new subscriber channel.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}
