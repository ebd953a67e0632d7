// Package stream fans scheduler dispatch events out to live subscribers
// over WebSocket.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/homelistingai/followup/internal/logging"
	"github.com/homelistingai/followup/internal/scheduler"
)

// sendBuffer is the per-subscriber queue; a subscriber that falls this far
// behind is dropped.
const sendBuffer = 64

// MessageTypeDispatch tags messages carrying a scheduler.DispatchEvent.
const MessageTypeDispatch = "dispatch"

// Message is the envelope written to subscribers.
type Message struct {
	Type     string                   `json:"type"`
	Dispatch *scheduler.DispatchEvent `json:"dispatch,omitempty"`
}

// Subscriber receives encoded messages on Send until it is removed.
type Subscriber struct {
	ID     string
	LeadID string
	Send   chan []byte
}

func (s *Subscriber) matches(event scheduler.DispatchEvent) bool {
	return s.LeadID == "" || s.LeadID == event.LeadID
}

// Hub tracks subscribers and broadcasts dispatch events to them.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	logger      zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		logger:      logging.Component("stream"),
	}
}

// Subscribe registers a subscriber. A non-empty leadID limits delivery to
// that lead's executions. Subscribing to a closed hub returns a subscriber
// whose channel is already closed.
func (h *Hub) Subscribe(leadID string) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		LeadID: leadID,
		Send:   make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.Send)
		return sub
	}
	h.subscribers[sub.ID] = sub
	h.logger.Debug().Str("subscriber_id", sub.ID).Str("lead_id", leadID).Msg("subscriber registered")
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub.ID]; !ok {
		return
	}
	delete(h.subscribers, sub.ID)
	close(sub.Send)
	h.logger.Debug().Str("subscriber_id", sub.ID).Msg("subscriber removed")
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish delivers event to every matching subscriber without blocking.
func (h *Hub) Publish(event scheduler.DispatchEvent) {
	data, err := json.Marshal(Message{Type: MessageTypeDispatch, Dispatch: &event})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode dispatch event")
		return
	}

	var slow []*Subscriber
	h.mu.RLock()
	for _, sub := range h.subscribers {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.Send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn().Str("subscriber_id", sub.ID).Msg("subscriber buffer full, dropping")
		h.Unsubscribe(sub)
	}
}

// Run publishes events until ctx is done or events is closed, then closes
// every subscriber.
func (h *Hub) Run(ctx context.Context, events <-chan scheduler.DispatchEvent) error {
	defer h.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			h.Publish(event)
		}
	}
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub.Send)
	}
}
