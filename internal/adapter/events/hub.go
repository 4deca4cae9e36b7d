// Package events fans job notifications out to live subscribers.
package events

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/cwygoda/tubequeue/internal/domain"
)

const defaultBuffer = 64

// Subscription receives events until it is cancelled.
type Subscription struct {
	ID     string
	Events <-chan domain.Event

	ch chan domain.Event
}

// Hub implements domain.Notifier. Notify never blocks: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *log.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		logger: logger.With("component", "events"),
	}
}

// Notify delivers ev to every subscriber that has room for it.
func (h *Hub) Notify(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("subscriber is behind, dropping event", "subscriber", id, "event", ev.Name)
		}
	}
}

// Subscribe registers a new subscriber. buffer <= 0 uses a default size.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan domain.Event, buffer)
	sub := &Subscription{ID: uuid.NewString(), Events: ch, ch: ch}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	h.logger.Debug("subscribed", "subscriber", sub.ID)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. It is safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	close(sub.ch)
	h.logger.Debug("unsubscribed", "subscriber", sub.ID)
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
