package repository

import (
	"context"
	"time"

	"metachat/chat-sync/internal/models"
)

// ChatRepository persists chats and their messages. Lookups of a missing
// chat return models.ErrChatNotFound; every other error is a store failure.
type ChatRepository interface {
	// GetOrCreateChat inserts chat unless a chat already exists for its
	// participant pair. It returns the stored chat and whether it was created.
	GetOrCreateChat(ctx context.Context, chat *models.Chat) (*models.Chat, bool, error)
	GetChatByID(ctx context.Context, id string) (*models.Chat, error)
	GetChatByUsers(ctx context.Context, userID1, userID2 string) (*models.Chat, error)
	GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error)
	// AppendMessage stores msg, assigns its timestamp and updates the chat's
	// last message fields and the sender's read mark in one unit of work.
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]*models.Message, error)
	// PromoteMessages moves every message of chatID not sent by viewerID and
	// ranked below to up to to. It returns the ids that changed.
	PromoteMessages(ctx context.Context, chatID, viewerID string, to models.Status) ([]string, error)
	// SetMessageStatus applies to only when it advances the current status.
	SetMessageStatus(ctx context.Context, messageID string, to models.Status) (*models.Message, bool, error)
	MarkRead(ctx context.Context, chatID, userID string, at time.Time) error
	// ClearChat deletes all messages of a chat and resets its last message
	// fields atomically. It returns the number of deleted messages.
	ClearChat(ctx context.Context, chatID string) (int, error)
	InitializeTables() error
}

type UserRepository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) ([]*models.User, error)
	ListUsers(ctx context.Context, excludeID string) ([]*models.User, error)
	// SetPresence applies the transition only if at is not older than the
	// stored last_seen. applied is false for a stale transition.
	SetPresence(ctx context.Context, userID string, presence models.Presence, at time.Time) (applied bool, err error)
	InitializeTables() error
}

// NextTimestamp returns a timestamp strictly after last, at microsecond
// precision so it survives a round trip through PostgreSQL.
func NextTimestamp(last *time.Time, now time.Time) time.Time {
	ts := now.UTC().Truncate(time.Microsecond)
	if last != nil && !ts.After(*last) {
		ts = last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return ts
}

// lowerStatuses lists the statuses that to advances.
func lowerStatuses(to models.Status) []string {
	var out []string
	for _, s := range []models.Status{models.StatusSent, models.StatusDelivered, models.StatusSeen} {
		if s.Advances(to) {
			out = append(out, string(s))
		}
	}
	return out
}
