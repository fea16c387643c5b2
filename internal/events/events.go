// Package events fans out order lifecycle events to live subscribers.
package events

import (
	"sync"
	"time"
)

type Event struct {
	Type    string         `json:"type"`
	OrderID string         `json:"order_id"`
	UserID  string         `json:"user_id,omitempty"`
	Status  string         `json:"status,omitempty"`
	At      time.Time      `json:"at"`
	Data    map[string]any `json:"data,omitempty"`
}

const (
	OrderCreated      = "order.created"
	OrderStatus       = "order.status"
	PaymentMatched    = "payment.matched"
	PaymentMismatch   = "payment.mismatch"
	DelegationActive  = "delegation.active"
	DelegationExpired = "delegation.expired"
)

type Subscription struct {
	C      <-chan Event
	ch     chan Event
	userID string
}

// Hub delivers events without blocking publishers. A subscriber that falls
// behind loses events rather than stalling the order path.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: map[*Subscription]struct{}{}, buffer: buffer}
}

// Subscribe returns a subscription for one user's events, or for all events
// when userID is empty.
func (h *Hub) Subscribe(userID string) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, userID: userID}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.userID != "" && s.userID != ev.UserID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
