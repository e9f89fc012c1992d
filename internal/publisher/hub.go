package publisher

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"cat-emails/internal/status"
)

// Wire message types pushed to subscribers
const (
	TypeStatusUpdate = "status_update"
	TypeRecentRuns   = "recent_runs"
)

// sendQueueSize bounds each subscriber's outbound queue. A subscriber that
// cannot drain 64 messages is dropped rather than allowed to stall the fan-out.
const sendQueueSize = 64

// Envelope is the JSON frame sent to subscribers
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"ts"`
}

// Subscriber is one attached sink with a bounded queue
type Subscriber struct {
	hub  *Hub
	send chan []byte
	once sync.Once
}

// Out exposes the subscriber's outbound frames
func (s *Subscriber) Out() <-chan []byte {
	return s.send
}

// Close detaches the subscriber from the hub
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

func (s *Subscriber) closeChan() {
	s.once.Do(func() { close(s.send) })
}

// Hub fans registry mutations out to WebSocket subscribers. It owns the
// subscriber set; the registry drives it through the OnChange hook.
type Hub struct {
	registry *status.Registry
	logger   *slog.Logger

	mu          sync.Mutex
	subscribers map[*Subscriber]bool
}

// NewHub creates a hub and hooks it into the registry
func NewHub(registry *status.Registry, logger *slog.Logger) *Hub {
	h := &Hub{
		registry:    registry,
		subscribers: make(map[*Subscriber]bool),
	}
	h.logger = logger
	registry.OnChange(h.Broadcast)
	return h
}

// Subscribe attaches a new subscriber and queues the current-status
// snapshot as its first frame. The snapshot may be null when idle.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		hub:  h,
		send: make(chan []byte, sendQueueSize),
	}

	snapshot := h.registry.GetAnyCurrent()
	frame, err := json.Marshal(Envelope{
		Type:      TypeStatusUpdate,
		Data:      snapshot,
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		sub.send <- frame
	}

	h.mu.Lock()
	h.subscribers[sub] = true
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debug("subscriber attached", "subscribers", count)
	return sub
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if h.subscribers[sub] {
		delete(h.subscribers, sub)
		sub.closeChan()
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debug("subscriber detached", "subscribers", count)
}

// Broadcast enqueues one status_update frame to every subscriber. Queues
// that are full mark the subscriber for drop.
func (h *Hub) Broadcast(st *status.AccountStatus) {
	frame, err := json.Marshal(Envelope{
		Type:      TypeStatusUpdate,
		Data:      st,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("failed to marshal status update", "error", err)
		return
	}

	var overflowed []*Subscriber

	h.mu.Lock()
	for sub := range h.subscribers {
		select {
		case sub.send <- frame:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		delete(h.subscribers, sub)
		sub.closeChan()
	}
	h.mu.Unlock()

	if len(overflowed) > 0 {
		h.logger.Warn("dropped slow subscribers", "count", len(overflowed))
	}
}

// SendRecentRuns replies to a get_recent_runs request on one subscriber.
// The enqueue happens under the hub lock so a subscriber dropped by a
// concurrent Broadcast cannot be written to after its channel is closed.
func (h *Hub) SendRecentRuns(sub *Subscriber, limit int) {
	runs := h.registry.RecentRuns(limit)
	frame, err := json.Marshal(Envelope{
		Type:      TypeRecentRuns,
		Data:      runs,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("failed to marshal recent runs", "error", err)
		return
	}

	var dropped bool
	h.mu.Lock()
	if h.subscribers[sub] {
		select {
		case sub.send <- frame:
		default:
			delete(h.subscribers, sub)
			sub.closeChan()
			dropped = true
		}
	}
	h.mu.Unlock()

	if dropped {
		h.logger.Warn("dropped slow subscriber on recent-runs reply")
	}
}

// SubscriberCount reports the number of attached subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// CloseAll detaches every subscriber; used on shutdown
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		sub.closeChan()
	}
	h.mu.Unlock()
}
