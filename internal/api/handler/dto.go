package handler

import (
	"time"

	"metachat/chat-sync/internal/models"

	"github.com/samber/lo"
)

type userResponse struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	PhotoURL    string     `json:"photo_url,omitempty"`
	Status      string     `json:"status"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toUserResponse(u *models.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		PhotoURL:    u.PhotoURL,
		Status:      string(u.Status),
		LastSeen:    u.LastSeen,
		CreatedAt:   u.CreatedAt,
	}
}

type chatResponse struct {
	ID              string                `json:"id"`
	Participants    []string              `json:"participants"`
	LastMessage     *string               `json:"last_message"`
	LastMessageTime *time.Time            `json:"last_message_time"`
	LastRead        map[string]*time.Time `json:"last_read"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func toChatResponse(c *models.Chat) chatResponse {
	return chatResponse{
		ID:              c.ID,
		Participants:    c.Participants(),
		LastMessage:     c.LastMessage,
		LastMessageTime: c.LastMessageTime,
		LastRead:        c.LastRead,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func toChatResponses(chats []*models.Chat) []chatResponse {
	return lo.Map(chats, func(c *models.Chat, _ int) chatResponse { return toChatResponse(c) })
}

type messageResponse struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func toMessageResponse(m *models.Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Text:      m.Content,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt,
	}
}

func toMessageResponses(msgs []*models.Message) []messageResponse {
	return lo.Map(msgs, func(m *models.Message, _ int) messageResponse { return toMessageResponse(m) })
}
