// Package events broadcasts row-level issue changes to live subscribers.
// Each write path (HTTP API, CLI, MCP) publishes through the same hub, so
// every open session for a user observes the same stream of changes.
package events

import (
	"log/slog"
	"sync"

	"github.com/mkarlsen/trk/internal/models"
)

// Type tags a change event.
type Type string

const (
	TypeInsert Type = "INSERT"
	TypeUpdate Type = "UPDATE"
	TypeDelete Type = "DELETE"
)

// Event is a single row-level change on the issues collection. New carries
// the row after the change (INSERT, UPDATE); Old carries the row before it
// (UPDATE, DELETE).
type Event struct {
	Type Type          `json:"type"`
	New  *models.Issue `json:"new,omitempty"`
	Old  *models.Issue `json:"old,omitempty"`
}

// subscriber is one live feed, filtered to a single owner.
type subscriber struct {
	userID string
	ch     chan Event
}

// Hub fans issue change events out to per-user subscribers. A slow
// subscriber never blocks a publisher; its events are dropped instead.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a feed for the given user's issues. The returned
// cancel function releases the subscription and closes the channel; it is
// safe to call more than once.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	sub := &subscriber{userID: userID, ch: make(chan Event, 16)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber watching the owning user.
func (h *Hub) Publish(ev Event) {
	owner := ev.ownerID()
	if owner == "" {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.userID != owner {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("event subscriber buffer full, dropping event",
				"type", ev.Type, "user_id", owner)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ownerID resolves the user the event belongs to.
func (ev Event) ownerID() string {
	if ev.New != nil {
		return ev.New.UserID
	}
	if ev.Old != nil {
		return ev.Old.UserID
	}
	return ""
}

// Inserted builds an INSERT event for a freshly created issue.
func Inserted(issue *models.Issue) Event {
	return Event{Type: TypeInsert, New: issue}
}

// Updated builds an UPDATE event carrying both representations.
func Updated(old, new *models.Issue) Event {
	return Event{Type: TypeUpdate, New: new, Old: old}
}

// Deleted builds a DELETE event for a removed issue.
func Deleted(issue *models.Issue) Event {
	return Event{Type: TypeDelete, Old: issue}
}
