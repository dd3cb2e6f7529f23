package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"metachat/chat-sync/internal/models"

	"github.com/samber/lo"
)

// MemoryStore keeps users, chats and messages in process. It implements both
// ChatRepository and UserRepository and backs the memory driver and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	chats    map[string]*models.Chat
	pairs    map[string]string
	messages map[string][]*models.Message
	faults   map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*models.User),
		chats:    make(map[string]*models.Chat),
		pairs:    make(map[string]string),
		messages: make(map[string][]*models.Message),
		faults:   make(map[string]error),
	}
}

// FailNext makes the next call of the named operation return err without
// touching any state.
func (s *MemoryStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// fault must be called with s.mu held for writing.
func (s *MemoryStore) fault(op string) error {
	err, ok := s.faults[op]
	if !ok {
		return nil
	}
	delete(s.faults, op)
	return err
}

func (s *MemoryStore) InitializeTables() error {
	return nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateUser"); err != nil {
		return err
	}

	user.Email = models.NormalizeEmail(user.Email)
	if existing, ok := s.users[user.ID]; ok {
		existing.Email = user.Email
		existing.DisplayName = user.DisplayName
		existing.PhotoURL = user.PhotoURL
		user.CreatedAt = existing.CreatedAt
		return nil
	}

	stored := *user
	s.users[user.ID] = &stored
	return nil
}

func copyUser(u *models.User) *models.User {
	out := *u
	if u.LastSeen != nil {
		at := *u.LastSeen
		out.LastSeen = &at
	}
	return &out
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	return copyUser(user), nil
}

func (s *MemoryStore) sortedUsers(keep func(*models.User) bool) []*models.User {
	users := lo.Map(lo.Filter(lo.Values(s.users), func(u *models.User, _ int) bool {
		return keep(u)
	}), func(u *models.User, _ int) *models.User {
		return copyUser(u)
	})
	sort.Slice(users, func(i, j int) bool {
		if users[i].DisplayName != users[j].DisplayName {
			return users[i].DisplayName < users[j].DisplayName
		}
		return users[i].ID < users[j].ID
	})
	return users
}

func (s *MemoryStore) FindByEmail(ctx context.Context, email string) ([]*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("FindByEmail"); err != nil {
		return nil, err
	}

	return s.sortedUsers(func(u *models.User) bool { return u.Email == email }), nil
}

func (s *MemoryStore) ListUsers(ctx context.Context, excludeID string) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedUsers(func(u *models.User) bool { return u.ID != excludeID }), nil
}

func (s *MemoryStore) SetPresence(ctx context.Context, userID string, presence models.Presence, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SetPresence"); err != nil {
		return false, err
	}

	user, ok := s.users[userID]
	if !ok {
		return false, models.ErrUserNotFound
	}
	seen := at.UTC()
	if user.LastSeen != nil && seen.Before(*user.LastSeen) {
		return false, nil
	}
	user.Status = presence
	user.LastSeen = &seen
	return true, nil
}

func (s *MemoryStore) GetOrCreateChat(ctx context.Context, chat *models.Chat) (*models.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetOrCreateChat"); err != nil {
		return nil, false, err
	}

	key := models.PairKey(chat.UserID1, chat.UserID2)
	if id, ok := s.pairs[key]; ok {
		return s.chats[id].Clone(), false, nil
	}

	stored := chat.Clone()
	stored.UserID1, stored.UserID2 = models.SortedPair(chat.UserID1, chat.UserID2)
	stored.UpdatedAt = stored.CreatedAt
	s.chats[stored.ID] = stored
	s.pairs[key] = stored.ID
	return stored.Clone(), true, nil
}

func (s *MemoryStore) GetChatByID(ctx context.Context, id string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetChatByID"); err != nil {
		return nil, err
	}

	chat, ok := s.chats[id]
	if !ok {
		return nil, models.ErrChatNotFound
	}
	return chat.Clone(), nil
}

func (s *MemoryStore) GetChatByUsers(ctx context.Context, userID1, userID2 string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.pairs[models.PairKey(userID1, userID2)]
	if !ok {
		return nil, models.ErrChatNotFound
	}
	return s.chats[id].Clone(), nil
}

// Count returns the number of stored chats and messages.
func (s *MemoryStore) Count() (chats int, messages int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msgs := range s.messages {
		messages += len(msgs)
	}
	return len(s.chats), messages
}

func (s *MemoryStore) GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetUserChats"); err != nil {
		return nil, err
	}

	chats := lo.FilterMap(lo.Values(s.chats), func(c *models.Chat, _ int) (*models.Chat, bool) {
		return c.Clone(), c.HasParticipant(userID)
	})
	activity := func(c *models.Chat) time.Time {
		if c.LastMessageTime != nil {
			return *c.LastMessageTime
		}
		return c.CreatedAt
	}
	sort.Slice(chats, func(i, j int) bool {
		return activity(chats[i]).After(activity(chats[j]))
	})
	return chats, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AppendMessage"); err != nil {
		return err
	}

	chat, ok := s.chats[msg.ChatID]
	if !ok {
		return models.ErrChatNotFound
	}

	last := chat.LastMessageTime
	if msgs := s.messages[msg.ChatID]; len(msgs) > 0 {
		tail := msgs[len(msgs)-1].CreatedAt
		if last == nil || tail.After(*last) {
			last = &tail
		}
	}

	createdAt := NextTimestamp(last, time.Now())
	msg.CreatedAt = createdAt

	stored := *msg
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], &stored)

	text := msg.Content
	chat.LastMessage = &text
	chat.LastMessageTime = &createdAt
	chat.UpdatedAt = createdAt
	if chat.LastRead == nil {
		chat.LastRead = make(map[string]*time.Time)
	}
	if prev := chat.LastRead[msg.SenderID]; prev == nil || createdAt.After(*prev) {
		readAt := createdAt
		chat.LastRead[msg.SenderID] = &readAt
	}
	return nil
}

func copyMessages(msgs []*models.Message) []*models.Message {
	return lo.Map(msgs, func(m *models.Message, _ int) *models.Message {
		out := *m
		return &out
	})
}

func (s *MemoryStore) GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[chatID]
	end := len(msgs)
	if beforeMessageID != "" {
		_, idx, found := lo.FindIndexOf(msgs, func(m *models.Message) bool { return m.ID == beforeMessageID })
		if !found {
			return nil, nil
		}
		end = idx
	}

	start := 0
	if limit > 0 && end-limit > start {
		start = end - limit
	}
	return copyMessages(msgs[start:end]), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListMessages"); err != nil {
		return nil, err
	}

	return copyMessages(s.messages[chatID]), nil
}

func (s *MemoryStore) PromoteMessages(ctx context.Context, chatID, viewerID string, to models.Status) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("PromoteMessages"); err != nil {
		return nil, err
	}

	var ids []string
	for _, m := range s.messages[chatID] {
		if m.SenderID != viewerID && m.Status.Advances(to) {
			m.Status = to
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) SetMessageStatus(ctx context.Context, messageID string, to models.Status) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SetMessageStatus"); err != nil {
		return nil, false, err
	}

	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID != messageID {
				continue
			}
			changed := m.Status.Advances(to)
			if changed {
				m.Status = to
			}
			out := *m
			return &out, changed, nil
		}
	}
	return nil, false, models.ErrMessageNotFound
}

func (s *MemoryStore) MarkRead(ctx context.Context, chatID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("MarkRead"); err != nil {
		return err
	}

	chat, ok := s.chats[chatID]
	if !ok {
		return models.ErrChatNotFound
	}
	if chat.LastRead == nil {
		chat.LastRead = make(map[string]*time.Time)
	}
	readAt := at.UTC()
	if prev := chat.LastRead[userID]; prev == nil || readAt.After(*prev) {
		chat.LastRead[userID] = &readAt
	}
	return nil
}

func (s *MemoryStore) ClearChat(ctx context.Context, chatID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ClearChat"); err != nil {
		return 0, err
	}

	chat, ok := s.chats[chatID]
	if !ok {
		return 0, models.ErrChatNotFound
	}

	deleted := len(s.messages[chatID])
	delete(s.messages, chatID)
	chat.LastMessage = nil
	chat.LastMessageTime = nil
	chat.UpdatedAt = time.Now().UTC()
	return deleted, nil
}
