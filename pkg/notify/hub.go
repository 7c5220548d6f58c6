package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/leynos/wildside-sub000/pkg/core"
)

const subscriberBuffer = 16

// Subscriber receives the events of one request.
type Subscriber struct {
	RequestID string
	C         <-chan core.StatusEvent

	ch        chan core.StatusEvent
	closeOnce sync.Once
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Hub routes events to in-process subscribers keyed by request id.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscriber]struct{}
	logger *slog.Logger
}

var _ core.Notifier = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscriber]struct{}),
		logger: slog.Default(),
	}
}

// SetLogger sets the hub's logger.
func (h *Hub) SetLogger(l *slog.Logger) {
	h.logger = l
}

// Subscribe registers a receiver for requestID.
func (h *Hub) Subscribe(requestID string) *Subscriber {
	ch := make(chan core.StatusEvent, subscriberBuffer)
	s := &Subscriber{RequestID: requestID, C: ch, ch: ch}

	h.mu.Lock()
	set, ok := h.subs[requestID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[requestID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[s.RequestID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.RequestID)
		}
	}
	h.mu.Unlock()
	s.close()
}

// Subscribers returns the number of receivers for requestID.
func (h *Hub) Subscribers(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[requestID])
}

// Push delivers ev to every subscriber of its request. Events for
// requests nobody watches, and events for subscribers whose buffer is
// full, are dropped.
func (h *Hub) Push(_ context.Context, ev core.StatusEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs[ev.RequestID] {
		select {
		case s.ch <- ev:
		default:
			h.logger.Debug("dropped status event for slow subscriber", "request_id", ev.RequestID)
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for s := range set {
			s.close()
		}
		delete(h.subs, id)
	}
}
