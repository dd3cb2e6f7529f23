// Package notify fans change events out to every interested component.
// Services publish after a committed write and react only to events that
// come back through a Notifier, so a single process and a fleet sharing
// Redis follow the same path.
package notify

import (
	"context"
	"sync"
	"time"

	"metachat/chat-sync/internal/models"
)

type Kind string

const (
	// KindChat means the messages or summary fields of a chat changed.
	KindChat     Kind = "chat"
	KindPresence Kind = "presence"
)

type Event struct {
	Kind   Kind   `json:"kind"`
	ChatID string `json:"chat_id,omitempty"`
	// Participants of the chat for chat events.
	Participants []string        `json:"participants,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	Presence     models.Presence `json:"presence,omitempty"`
	At           time.Time       `json:"at"`
}

func ChatChanged(chatID string, participants ...string) Event {
	return Event{Kind: KindChat, ChatID: chatID, Participants: participants, At: time.Now().UTC()}
}

// Involves reports whether userID takes part in the event.
func (ev Event) Involves(userID string) bool {
	if userID == "" {
		return false
	}
	if ev.UserID == userID {
		return true
	}
	for _, p := range ev.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

func PresenceChanged(userID string, presence models.Presence, at time.Time) Event {
	return Event{Kind: KindPresence, UserID: userID, Presence: presence, At: at.UTC()}
}

type Handler func(Event)

type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers h for every event. The returned cancel func is
	// idempotent.
	Subscribe(h Handler) (cancel func())
}

// registry holds handlers; dispatch runs them outside the lock so a handler
// may publish or subscribe again.
type registry struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

func (r *registry) add(h Handler) func() {
	r.mu.Lock()
	if r.handlers == nil {
		r.handlers = make(map[int]Handler)
	}
	id := r.nextID
	r.nextID++
	r.handlers[id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers, id)
			r.mu.Unlock()
		})
	}
}

func (r *registry) dispatch(ev Event) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// LocalNotifier delivers events synchronously to in-process handlers.
type LocalNotifier struct {
	handlers registry
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{}
}

func (n *LocalNotifier) Publish(ctx context.Context, ev Event) error {
	n.handlers.dispatch(ev)
	return nil
}

func (n *LocalNotifier) Subscribe(h Handler) func() {
	return n.handlers.add(h)
}
