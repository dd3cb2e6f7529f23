package chathub

import (
	"context"
	"sync"

	"metachat/chat-sync/internal/models"
	"metachat/chat-sync/internal/notify"

	"github.com/sirupsen/logrus"
)

// Snapshot is the full ordered message list of a chat at one point in time.
type Snapshot struct {
	ChatID   string
	Messages []*models.Message
}

type Callback func(Snapshot)

type ChatsCallback func([]*models.Chat)

// DeliveredHook runs after a snapshot has been handed to a viewer.
type DeliveredHook func(ctx context.Context, chatID, viewerID string, messages []*models.Message)

// Source is the read side of the store the hub needs.
type Source interface {
	ListMessages(ctx context.Context, chatID string) ([]*models.Message, error)
	GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error)
}

// Hub keeps live views of chats. Each subscription owns a goroutine that
// re-reads the store whenever a change event for its topic arrives, so every
// callback sees committed state in commit order.
type Hub struct {
	source Source
	logger *logrus.Logger

	mu        sync.Mutex
	chatSubs  map[string]map[*Subscription]struct{}
	userSubs  map[string]map[*Subscription]struct{}
	delivered DeliveredHook

	unsubscribe func()
}

func NewHub(source Source, notifier notify.Notifier, logger *logrus.Logger) *Hub {
	h := &Hub{
		source:   source,
		logger:   logger,
		chatSubs: make(map[string]map[*Subscription]struct{}),
		userSubs: make(map[string]map[*Subscription]struct{}),
	}
	h.unsubscribe = notifier.Subscribe(h.handleEvent)
	return h
}

func (h *Hub) SetDeliveredHook(hook DeliveredHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = hook
}

func (h *Hub) deliveredHook() DeliveredHook {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delivered
}

// Subscribe starts a live view of chatID for viewerID. The callback first
// receives the current messages, then a fresh snapshot after every change.
// viewerID may be empty for observers that are not a chat participant.
func (h *Hub) Subscribe(chatID, viewerID string, cb Callback) *Subscription {
	var sub *Subscription
	sub = newSubscription(h, func(ctx context.Context) error {
		messages, err := h.source.ListMessages(ctx, chatID)
		if err != nil {
			return err
		}

		if !sub.deliver(func() { cb(Snapshot{ChatID: chatID, Messages: messages}) }) {
			return nil
		}

		if hook := h.deliveredHook(); hook != nil && viewerID != "" {
			hook(ctx, chatID, viewerID, messages)
		}
		return nil
	})
	sub.chatID = chatID
	sub.viewerID = viewerID

	h.mu.Lock()
	if h.chatSubs[chatID] == nil {
		h.chatSubs[chatID] = make(map[*Subscription]struct{})
	}
	h.chatSubs[chatID][sub] = struct{}{}
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"chat_id": chatID,
		"user_id": viewerID,
	}).Debug("Chat subscription started")

	sub.start()
	return sub
}

// WatchChats streams the chat list of userID, re-read whenever one of the
// user's chats changes or a chat involving the user is created.
func (h *Hub) WatchChats(userID string, cb ChatsCallback) *Subscription {
	var sub *Subscription
	sub = newSubscription(h, func(ctx context.Context) error {
		chats, err := h.source.GetUserChats(ctx, userID)
		if err != nil {
			return err
		}
		sub.deliver(func() { cb(chats) })
		return nil
	})
	sub.viewerID = userID

	h.mu.Lock()
	if h.userSubs[userID] == nil {
		h.userSubs[userID] = make(map[*Subscription]struct{})
	}
	h.userSubs[userID][sub] = struct{}{}
	h.mu.Unlock()

	sub.start()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.chatID != "" {
		if subs, ok := h.chatSubs[sub.chatID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.chatSubs, sub.chatID)
			}
		}
		return
	}
	if subs, ok := h.userSubs[sub.viewerID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.userSubs, sub.viewerID)
		}
	}
}

func (h *Hub) handleEvent(ev notify.Event) {
	if ev.Kind != notify.KindChat {
		return
	}

	h.mu.Lock()
	var targets []*Subscription
	for sub := range h.chatSubs[ev.ChatID] {
		targets = append(targets, sub)
	}
	for _, userID := range ev.Participants {
		for sub := range h.userSubs[userID] {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.wake()
	}
}

// Subscribers returns the number of live views of chatID.
func (h *Hub) Subscribers(chatID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chatSubs[chatID])
}

// Close stops event routing and cancels every subscription.
func (h *Hub) Close() {
	h.unsubscribe()

	h.mu.Lock()
	var all []*Subscription
	for _, subs := range h.chatSubs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	for _, subs := range h.userSubs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Cancel()
	}
}
