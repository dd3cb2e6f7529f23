package models

import (
	"sort"
	"strings"
	"time"
)

type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

func (p Presence) Valid() bool {
	return p == PresenceOnline || p == PresenceOffline
}

// Status is the delivery stage of a message. Stages only move forward:
// sent < delivered < seen.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

// Rank orders statuses; unknown values rank below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	default:
		return 0
	}
}

func (s Status) Valid() bool {
	return s.Rank() > 0
}

// Advances reports whether moving from s to next is forward progress.
func (s Status) Advances(next Status) bool {
	return next.Rank() > s.Rank()
}

type User struct {
	ID          string
	Email       string
	DisplayName string
	PhotoURL    string
	Status      Presence
	LastSeen    *time.Time
	CreatedAt   time.Time
}

type Chat struct {
	ID              string
	UserID1         string
	UserID2         string
	LastMessage     *string
	LastMessageTime *time.Time
	// LastRead holds one entry per participant; nil means never read.
	LastRead  map[string]*time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Chat) Participants() []string {
	return []string{c.UserID1, c.UserID2}
}

func (c *Chat) HasParticipant(userID string) bool {
	return userID != "" && (c.UserID1 == userID || c.UserID2 == userID)
}

// Other returns the counterpart of userID, or "" when userID is not a participant.
func (c *Chat) Other(userID string) string {
	switch userID {
	case c.UserID1:
		return c.UserID2
	case c.UserID2:
		return c.UserID1
	default:
		return ""
	}
}

func (c *Chat) Clone() *Chat {
	out := *c
	if c.LastMessage != nil {
		text := *c.LastMessage
		out.LastMessage = &text
	}
	if c.LastMessageTime != nil {
		at := *c.LastMessageTime
		out.LastMessageTime = &at
	}
	out.LastRead = make(map[string]*time.Time, len(c.LastRead))
	for id, at := range c.LastRead {
		if at == nil {
			out.LastRead[id] = nil
			continue
		}
		t := *at
		out.LastRead[id] = &t
	}
	return &out
}

type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	Status    Status
	CreatedAt time.Time
}

// PairKey is the order-independent key of a participant pair.
func PairKey(userID1, userID2 string) string {
	ids := []string{userID1, userID2}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

// SortedPair returns the two ids in ascending order.
func SortedPair(userID1, userID2 string) (string, string) {
	if userID2 < userID1 {
		return userID2, userID1
	}
	return userID1, userID2
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
