package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"metachat/chat-sync/internal/chathub"
	"metachat/chat-sync/internal/models"
	"metachat/chat-sync/internal/notify"
	"metachat/chat-sync/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// PresenceReader answers whether a user is online right now.
type PresenceReader interface {
	IsOnline(ctx context.Context, userID string) bool
}

type ChatService interface {
	GetOrCreateChat(ctx context.Context, creatorID, otherID string) (*models.Chat, error)
	FindChat(ctx context.Context, userID1, userID2 string) (*models.Chat, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error)
	SendMessage(ctx context.Context, chatID, senderID, content string) (*models.Message, error)
	GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error)
	ClearChat(ctx context.Context, chatID, userID string) (int, error)
	Subscribe(ctx context.Context, chatID, viewerID string, cb chathub.Callback) (*chathub.Subscription, error)
	SubscribeChats(ctx context.Context, userID string, cb chathub.ChatsCallback) (*chathub.Subscription, error)
	MarkMessagesAsRead(ctx context.Context, chatID, userID string) (int, error)
}

type chatService struct {
	repository repository.ChatRepository
	users      repository.UserRepository
	presence   PresenceReader
	resolver   *StatusResolver
	hub        *chathub.Hub
	notifier   notify.Notifier
	logger     *logrus.Logger

	historyLimit int
	chatLocks    *keyedMutex
	now          func() time.Time
}

type ChatServiceDeps struct {
	Chats        repository.ChatRepository
	Users        repository.UserRepository
	Presence     PresenceReader
	Resolver     *StatusResolver
	Hub          *chathub.Hub
	Notifier     notify.Notifier
	Logger       *logrus.Logger
	HistoryLimit int
}

func NewChatService(deps ChatServiceDeps) ChatService {
	limit := deps.HistoryLimit
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = DefaultHistoryLimit
	}

	return &chatService{
		repository:   deps.Chats,
		users:        deps.Users,
		presence:     deps.Presence,
		resolver:     deps.Resolver,
		hub:          deps.Hub,
		notifier:     deps.Notifier,
		logger:       deps.Logger,
		historyLimit: limit,
		chatLocks:    newKeyedMutex(),
		now:          time.Now,
	}
}

func (s *chatService) requireUser(ctx context.Context, userID string) error {
	_, err := s.users.GetUser(ctx, userID)
	switch {
	case errors.Is(err, models.ErrUserNotFound):
		return models.ErrInvalidParticipants
	case err != nil:
		return models.Transport(err)
	}
	return nil
}

func (s *chatService) GetOrCreateChat(ctx context.Context, creatorID, otherID string) (*models.Chat, error) {
	creatorID, otherID = strings.TrimSpace(creatorID), strings.TrimSpace(otherID)
	if creatorID == "" || otherID == "" || creatorID == otherID {
		return nil, models.ErrInvalidParticipants
	}
	for _, id := range []string{creatorID, otherID} {
		if err := s.requireUser(ctx, id); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	chat := &models.Chat{
		ID:      uuid.New().String(),
		UserID1: creatorID,
		UserID2: otherID,
		LastRead: map[string]*time.Time{
			creatorID: &now,
			otherID:   nil,
		},
		CreatedAt: now,
	}

	stored, created, err := s.repository.GetOrCreateChat(ctx, chat)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create chat")
		return nil, models.Transport(err)
	}

	if !created {
		return stored, nil
	}

	s.publish(ctx, stored)

	s.logger.WithFields(logrus.Fields{
		"chat_id":  stored.ID,
		"user_id1": creatorID,
		"user_id2": otherID,
	}).Info("Chat created")

	return stored, nil
}

func (s *chatService) FindChat(ctx context.Context, userID1, userID2 string) (*models.Chat, error) {
	chat, err := s.repository.GetChatByUsers(ctx, userID1, userID2)
	if errors.Is(err, models.ErrChatNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to find chat")
		return nil, models.Transport(err)
	}
	return chat, nil
}

func (s *chatService) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	chat, err := s.repository.GetChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, models.ErrChatNotFound) {
			return nil, err
		}
		s.logger.WithError(err).Error("Failed to get chat")
		return nil, models.Transport(err)
	}

	return chat, nil
}

func (s *chatService) participantChat(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, models.ErrNotParticipant
	}
	return chat, nil
}

func (s *chatService) GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	chats, err := s.repository.GetUserChats(ctx, userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get user chats")
		return nil, models.Transport(err)
	}

	return chats, nil
}

func (s *chatService) SendMessage(ctx context.Context, chatID, senderID, content string) (*models.Message, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil, models.ErrEmptyMessage
	}

	unlock := s.chatLocks.Lock(chatID)
	defer unlock()

	chat, err := s.participantChat(ctx, chatID, senderID)
	if err != nil {
		return nil, err
	}

	recipientID := chat.Other(senderID)
	status := models.StatusSent
	if s.presence.IsOnline(ctx, recipientID) {
		status = models.StatusDelivered
	}

	msg := &models.Message{
		ID:       uuid.New().String(),
		ChatID:   chatID,
		SenderID: senderID,
		Content:  text,
		Status:   status,
	}

	if err := s.repository.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, models.ErrChatNotFound) {
			return nil, err
		}
		s.logger.WithError(err).Error("Failed to send message")
		return nil, models.Transport(err)
	}

	// The recipient may have come online between the presence read and the
	// commit; its promotion pass would then have missed this message.
	if status == models.StatusSent && s.presence.IsOnline(ctx, recipientID) {
		updated, changed, err := s.repository.SetMessageStatus(ctx, msg.ID, models.StatusDelivered)
		switch {
		case err != nil:
			s.logger.WithError(err).WithFields(logrus.Fields{
				"message_id": msg.ID,
				"chat_id":    chatID,
			}).Warn("Failed to mark message delivered after send")
		case changed:
			msg.Status = updated.Status
		}
	}

	s.publish(ctx, chat)

	s.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"chat_id":    chatID,
		"sender_id":  senderID,
		"status":     msg.Status,
	}).Info("Message sent")

	return msg, nil
}

func (s *chatService) GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}

	messages, err := s.repository.GetChatMessages(ctx, chatID, limit, beforeMessageID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get chat messages")
		return nil, models.Transport(err)
	}

	return messages, nil
}

func (s *chatService) ClearChat(ctx context.Context, chatID, userID string) (int, error) {
	unlock := s.chatLocks.Lock(chatID)
	defer unlock()

	chat, err := s.participantChat(ctx, chatID, userID)
	if err != nil {
		return 0, err
	}

	deleted, err := s.repository.ClearChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, models.ErrChatNotFound) {
			return 0, err
		}
		s.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to clear chat")
		return 0, models.Transport(err)
	}

	s.publish(ctx, chat)

	s.logger.WithFields(logrus.Fields{
		"chat_id": chatID,
		"user_id": userID,
		"deleted": deleted,
	}).Info("Chat cleared")

	return deleted, nil
}

func (s *chatService) Subscribe(ctx context.Context, chatID, viewerID string, cb chathub.Callback) (*chathub.Subscription, error) {
	if viewerID != "" {
		if _, err := s.participantChat(ctx, chatID, viewerID); err != nil {
			return nil, err
		}
	} else if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}

	return s.hub.Subscribe(chatID, viewerID, cb), nil
}

func (s *chatService) SubscribeChats(ctx context.Context, userID string, cb chathub.ChatsCallback) (*chathub.Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.ErrInvalidParticipants
	}
	return s.hub.WatchChats(userID, cb), nil
}

// MarkMessagesAsRead is the active-view signal: userID is looking at chatID.
func (s *chatService) MarkMessagesAsRead(ctx context.Context, chatID, userID string) (int, error) {
	return s.resolver.OnActiveView(ctx, chatID, userID)
}

// publish announces a committed change. Failures are logged, not returned,
// since the write has already committed.
func (s *chatService) publish(ctx context.Context, chat *models.Chat) {
	if err := s.notifier.Publish(ctx, notify.ChatChanged(chat.ID, chat.Participants()...)); err != nil {
		s.logger.WithError(err).WithField("chat_id", chat.ID).Warn("Failed to publish chat change")
	}
}
