// Package events is the in-process publish/subscribe channel for session
// lifecycle notifications. The composition root owns the single Hub.
package events

import (
	"sync"
	"time"
)

// Type enumerates session lifecycle events.
type Type string

const (
	SessionCreated Type = "session.created"
	SessionUpdated Type = "session.updated"
	SessionDeleted Type = "session.deleted"
)

// Event is delivered to every subscriber of the owning user.
type Event struct {
	Type        Type      `json:"type"`
	UserID      string    `json:"-"`
	SessionID   string    `json:"sessionId"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher is the write side of the hub.
type Publisher interface {
	Publish(Event)
}

// Hub fans events out to per-user subscribers. Slow subscribers drop events
// instead of blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// Subscription receives events for one user until Close is called.
type Subscription struct {
	hub    *Hub
	userID string
	ch     chan Event
	once   sync.Once
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a subscriber for userID.
func (h *Hub) Subscribe(userID string) *Subscription {
	sub := &Subscription{hub: h, userID: userID, ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*Subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	return sub
}

// Publish delivers e to the subscribers of e.UserID without blocking.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[e.UserID] {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribers reports how many subscriptions userID currently holds.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Events is closed once the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		delete(s.hub.subs[s.userID], s)
		if len(s.hub.subs[s.userID]) == 0 {
			delete(s.hub.subs, s.userID)
		}
		close(s.ch)
	})
}
