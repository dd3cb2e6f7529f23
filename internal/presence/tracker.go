package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"metachat/chat-sync/internal/models"
	"metachat/chat-sync/internal/notify"
	"metachat/chat-sync/internal/repository"

	"github.com/sirupsen/logrus"
)

type Change struct {
	UserID   string
	Presence models.Presence
	At       time.Time
}

type Listener func(Change)

// Tracker records online/offline transitions and pushes them to listeners.
// Listeners run on the goroutine that delivers the notifier event.
type Tracker struct {
	users    repository.UserRepository
	notifier notify.Notifier
	logger   *logrus.Logger
	now      func() time.Time

	mu      sync.RWMutex
	state   map[string]models.Presence
	changed map[string]time.Time

	listenersMu sync.RWMutex
	nextID      int
	listeners   map[int]Listener

	unsubscribe func()
}

func NewTracker(users repository.UserRepository, notifier notify.Notifier, logger *logrus.Logger) *Tracker {
	t := &Tracker{
		users:     users,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
		state:     make(map[string]models.Presence),
		changed:   make(map[string]time.Time),
		listeners: make(map[int]Listener),
	}
	t.unsubscribe = notifier.Subscribe(t.handleEvent)
	return t
}

// SetPresence stores the new state and timestamps it. Unknown users are
// tracked in memory only. A transition older than the stored one is dropped
// without error and without an event.
func (t *Tracker) SetPresence(ctx context.Context, userID string, presence models.Presence) error {
	if userID == "" {
		return models.ErrInvalidParticipants
	}
	if !presence.Valid() {
		return models.ErrInvalidPresence
	}

	at := t.now().UTC()
	applied, err := t.users.SetPresence(ctx, userID, presence, at)
	switch {
	case errors.Is(err, models.ErrUserNotFound):
		t.logger.WithField("user_id", userID).Debug("Presence for unregistered user kept in memory")
	case err != nil:
		t.logger.WithError(err).WithField("user_id", userID).Error("Failed to store presence")
		return models.Transport(err)
	case !applied:
		t.staleWrite(userID, presence)
		return nil
	}

	if !t.record(userID, presence, at) {
		t.staleWrite(userID, presence)
		return nil
	}

	if err := t.notifier.Publish(ctx, notify.PresenceChanged(userID, presence, at)); err != nil {
		t.logger.WithError(err).WithField("user_id", userID).Error("Failed to publish presence change")
		return models.Transport(err)
	}

	t.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"presence": presence,
	}).Info("Presence updated")

	return nil
}

// staleWrite logs a transition older than the one already stored; it is
// neither cached nor published.
func (t *Tracker) staleWrite(userID string, presence models.Presence) {
	t.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"presence": presence,
	}).Debug("Ignoring stale presence update")
}

// record applies a transition unless a newer one is already known.
func (t *Tracker) record(userID string, presence models.Presence, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.changed[userID]; ok && at.Before(last) {
		return false
	}
	t.state[userID] = presence
	t.changed[userID] = at
	return true
}

// GetPresence never fails: unknown users and store errors read as offline.
func (t *Tracker) GetPresence(ctx context.Context, userID string) models.Presence {
	t.mu.RLock()
	presence, ok := t.state[userID]
	t.mu.RUnlock()
	if ok {
		return presence
	}

	user, err := t.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, models.ErrUserNotFound) {
			t.logger.WithError(err).WithField("user_id", userID).Warn("Presence lookup failed, assuming offline")
		}
		return models.PresenceOffline
	}
	if !user.Status.Valid() {
		return models.PresenceOffline
	}

	t.mu.Lock()
	if _, ok := t.state[userID]; !ok {
		t.state[userID] = user.Status
	}
	presence = t.state[userID]
	t.mu.Unlock()
	return presence
}

func (t *Tracker) IsOnline(ctx context.Context, userID string) bool {
	return t.GetPresence(ctx, userID) == models.PresenceOnline
}

// Subscribe registers l for every presence change. The returned func
// removes it and may be called more than once.
func (t *Tracker) Subscribe(l Listener) func() {
	t.listenersMu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.listenersMu.Lock()
			delete(t.listeners, id)
			t.listenersMu.Unlock()
		})
	}
}

func (t *Tracker) handleEvent(ev notify.Event) {
	if ev.Kind != notify.KindPresence || !ev.Presence.Valid() {
		return
	}

	if !t.record(ev.UserID, ev.Presence, ev.At) {
		t.logger.WithFields(logrus.Fields{
			"user_id":  ev.UserID,
			"presence": ev.Presence,
		}).Debug("Ignoring stale presence event")
		return
	}

	t.listenersMu.RLock()
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.listenersMu.RUnlock()

	change := Change{UserID: ev.UserID, Presence: ev.Presence, At: ev.At}
	for _, l := range listeners {
		l(change)
	}
}

func (t *Tracker) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}
