package service

import (
	"context"
	"errors"
	"time"

	"metachat/chat-sync/internal/chathub"
	"metachat/chat-sync/internal/models"
	"metachat/chat-sync/internal/notify"
	"metachat/chat-sync/internal/presence"
	"metachat/chat-sync/internal/repository"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// StatusResolver moves messages forward through sent, delivered and seen
// as presence and viewing signals arrive. Every transition is a conditional
// store update, so concurrent signals can only advance a status.
type StatusResolver struct {
	chats    repository.ChatRepository
	presence PresenceReader
	notifier notify.Notifier
	logger   *logrus.Logger
	now      func() time.Time
}

func NewStatusResolver(chats repository.ChatRepository, presence PresenceReader, notifier notify.Notifier, logger *logrus.Logger) *StatusResolver {
	return &StatusResolver{
		chats:    chats,
		presence: presence,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Attach hooks the resolver to presence changes and to snapshot delivery.
// The returned func detaches it from the tracker.
func (r *StatusResolver) Attach(tracker *presence.Tracker, hub *chathub.Hub) func() {
	hub.SetDeliveredHook(r.OnViewDelivered)
	return tracker.Subscribe(func(change presence.Change) {
		if err := r.OnPresenceChange(context.Background(), change); err != nil {
			r.logger.WithError(err).WithField("user_id", change.UserID).Warn("Failed to promote messages on presence change")
		}
	})
}

// OnPresenceChange promotes every sent message addressed to a user who just
// came online to delivered.
func (r *StatusResolver) OnPresenceChange(ctx context.Context, change presence.Change) error {
	if change.Presence != models.PresenceOnline {
		return nil
	}

	chats, err := r.chats.GetUserChats(ctx, change.UserID)
	if err != nil {
		return models.Transport(err)
	}

	var errs []error
	for _, chat := range chats {
		if _, err := r.promote(ctx, chat, change.UserID, models.StatusDelivered); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnViewDelivered runs after a snapshot reached viewerID. Anything the viewer
// received that is still sent becomes delivered.
func (r *StatusResolver) OnViewDelivered(ctx context.Context, chatID, viewerID string, messages []*models.Message) {
	pending := lo.ContainsBy(messages, func(m *models.Message) bool {
		return m.SenderID != viewerID && m.Status == models.StatusSent
	})
	if !pending {
		return
	}

	chat, err := r.chats.GetChatByID(ctx, chatID)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.WithError(err).WithField("chat_id", chatID).Warn("Failed to load chat for delivery")
		}
		return
	}

	if _, err := r.promote(ctx, chat, viewerID, models.StatusDelivered); err != nil && ctx.Err() == nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"chat_id": chatID,
			"user_id": viewerID,
		}).Warn("Failed to mark messages delivered")
	}
}

// OnActiveView records that viewerID is looking at chatID. When the
// counterpart is online, every message the viewer has not authored becomes
// seen. The viewer's read marker always moves to now. Returns the number of
// messages promoted to seen.
func (r *StatusResolver) OnActiveView(ctx context.Context, chatID, viewerID string) (int, error) {
	chat, err := r.chats.GetChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, models.ErrChatNotFound) {
			return 0, err
		}
		return 0, models.Transport(err)
	}
	if !chat.HasParticipant(viewerID) {
		return 0, models.ErrNotParticipant
	}

	var promoted []string
	if r.presence.IsOnline(ctx, chat.Other(viewerID)) {
		promoted, err = r.chats.PromoteMessages(ctx, chatID, viewerID, models.StatusSeen)
		if err != nil {
			return 0, models.Transport(err)
		}
	}

	if err := r.chats.MarkRead(ctx, chatID, viewerID, r.now().UTC()); err != nil {
		return 0, models.Transport(err)
	}

	r.publish(ctx, chat)

	if len(promoted) > 0 {
		r.logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"user_id": viewerID,
			"count":   len(promoted),
		}).Info("Messages marked as seen")
	}

	return len(promoted), nil
}

// ApplyStatus moves one message to the given status if that is a forward
// move. A backward or repeated move leaves the message as it is.
func (r *StatusResolver) ApplyStatus(ctx context.Context, messageID string, to models.Status) (*models.Message, error) {
	if !to.Valid() {
		return nil, models.ErrInvalidStatus
	}

	msg, changed, err := r.chats.SetMessageStatus(ctx, messageID, to)
	if err != nil {
		if errors.Is(err, models.ErrMessageNotFound) {
			return nil, err
		}
		return nil, models.Transport(err)
	}

	if changed {
		chat, err := r.chats.GetChatByID(ctx, msg.ChatID)
		if err == nil {
			r.publish(ctx, chat)
		}
	}

	return msg, nil
}

func (r *StatusResolver) promote(ctx context.Context, chat *models.Chat, viewerID string, to models.Status) (int, error) {
	ids, err := r.chats.PromoteMessages(ctx, chat.ID, viewerID, to)
	if err != nil {
		return 0, models.Transport(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	r.publish(ctx, chat)

	r.logger.WithFields(logrus.Fields{
		"chat_id": chat.ID,
		"user_id": viewerID,
		"status":  to,
		"count":   len(ids),
	}).Debug("Messages promoted")

	return len(ids), nil
}

func (r *StatusResolver) publish(ctx context.Context, chat *models.Chat) {
	if err := r.notifier.Publish(ctx, notify.ChatChanged(chat.ID, chat.Participants()...)); err != nil {
		r.logger.WithError(err).WithField("chat_id", chat.ID).Warn("Failed to publish status change")
	}
}
