package notify

import (
	"sync"

	"github.com/aristath/pitboss/internal/domain"
)

// RingSize is how many recent events are kept for /notify/recent.
const RingSize = 100

// Ring is a bounded buffer of the most recent events.
type Ring struct {
	mu     sync.Mutex
	events []domain.Event
}

// NewRing returns an empty ring.
func NewRing() *Ring {
	return &Ring{}
}

// Add appends an event, evicting the oldest once the ring is full.
func (r *Ring) Add(event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	if len(r.events) > RingSize {
		r.events = r.events[len(r.events)-RingSize:]
	}
}

// Recent returns the buffered events newest first.
func (r *Ring) Recent() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Event, len(r.events))
	for i, event := range r.events {
		out[len(r.events)-1-i] = event
	}
	return out
}

// Len reports how many events are buffered.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
