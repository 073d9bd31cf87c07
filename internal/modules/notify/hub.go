package notify

import (
	"sync"

	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/internal/metrics"
)

// subscriberBuffer is the per-client queue depth. A client that falls this
// far behind starts losing events rather than blocking the broadcaster.
const subscriberBuffer = 16

// Hub fans events out to live websocket subscribers.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan domain.Event
	nextID  int
	metrics *metrics.Registry
}

// NewHub creates an empty hub.
func NewHub(reg *metrics.Registry) *Hub {
	return &Hub{
		subs:    make(map[int]chan domain.Event),
		metrics: reg,
	}
}

// Subscribe registers a client. The returned cancel function must be called
// when the client disconnects; it closes the channel.
func (h *Hub) Subscribe() (<-chan domain.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan domain.Event, subscriberBuffer)
	h.subs[id] = ch
	h.metrics.SetGauge(metrics.GaugeWSClients, float64(len(h.subs)))

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
			h.metrics.SetGauge(metrics.GaugeWSClients, float64(len(h.subs)))
		}
	}
	return ch, cancel
}

// Broadcast sends the event to every subscriber without blocking. Events to
// full queues are dropped.
func (h *Hub) Broadcast(event domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Clients reports the current subscriber count.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
