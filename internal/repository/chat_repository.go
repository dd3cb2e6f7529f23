package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"metachat/chat-sync/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type chatRepository struct {
	db *sql.DB
}

func NewChatRepository(db *sql.DB) ChatRepository {
	return &chatRepository{
		db: db,
	}
}

// isUUID guards uuid columns: a malformed id is a miss, not a driver error.
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (r *chatRepository) InitializeTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS chats (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id1 TEXT NOT NULL,
		user_id2 TEXT NOT NULL,
		pair_key TEXT NOT NULL UNIQUE,
		last_message TEXT,
		last_message_time TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS chat_reads (
		chat_id UUID NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		last_read_at TIMESTAMPTZ,
		PRIMARY KEY (chat_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		chat_id UUID NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'sent',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_chats_user1 ON chats(user_id1);
	CREATE INDEX IF NOT EXISTS idx_chats_user2 ON chats(user_id2);
	`

	_, err := r.db.Exec(query)
	return err
}

func (r *chatRepository) GetOrCreateChat(ctx context.Context, chat *models.Chat) (*models.Chat, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	user1, user2 := models.SortedPair(chat.UserID1, chat.UserID2)
	query := `
	INSERT INTO chats (id, user_id1, user_id2, pair_key, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $5)
	ON CONFLICT (pair_key) DO NOTHING
	RETURNING id
	`

	var id string
	err = tx.QueryRowContext(ctx, query,
		chat.ID, user1, user2, models.PairKey(user1, user2), chat.CreatedAt,
	).Scan(&id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Another creator won the pair key; read its row.
		existing, err := scanChat(tx.QueryRowContext(ctx, selectChat+` WHERE pair_key = $1`, models.PairKey(user1, user2)))
		if err != nil {
			return nil, false, err
		}
		if err := loadReads(ctx, tx, existing); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case err != nil:
		return nil, false, err
	}

	for userID, at := range chat.LastRead {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_reads (chat_id, user_id, last_read_at) VALUES ($1, $2, $3)`,
			id, userID, nullTime(at),
		); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	created := chat.Clone()
	created.ID = id
	created.UserID1, created.UserID2 = user1, user2
	created.UpdatedAt = chat.CreatedAt
	return created, true, nil
}

const selectChat = `
	SELECT id, user_id1, user_id2, last_message, last_message_time, created_at, updated_at
	FROM chats`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanChat(row rowScanner) (*models.Chat, error) {
	var chat models.Chat
	var lastMessage sql.NullString
	var lastMessageTime sql.NullTime
	err := row.Scan(
		&chat.ID, &chat.UserID1, &chat.UserID2, &lastMessage, &lastMessageTime, &chat.CreatedAt, &chat.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrChatNotFound
		}
		return nil, err
	}

	if lastMessage.Valid {
		chat.LastMessage = &lastMessage.String
	}
	if lastMessageTime.Valid {
		at := lastMessageTime.Time.UTC()
		chat.LastMessageTime = &at
	}
	chat.LastRead = map[string]*time.Time{chat.UserID1: nil, chat.UserID2: nil}
	return &chat, nil
}

func loadReads(ctx context.Context, q queryer, chats ...*models.Chat) error {
	if len(chats) == 0 {
		return nil
	}

	byID := make(map[string]*models.Chat, len(chats))
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT chat_id, user_id, last_read_at FROM chat_reads WHERE chat_id = ANY($1::uuid[])`,
		pq.Array(ids),
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var chatID, userID string
		var at sql.NullTime
		if err := rows.Scan(&chatID, &userID, &at); err != nil {
			return err
		}
		chat, ok := byID[chatID]
		if !ok {
			continue
		}
		if at.Valid {
			t := at.Time.UTC()
			chat.LastRead[userID] = &t
		} else {
			chat.LastRead[userID] = nil
		}
	}
	return rows.Err()
}

func (r *chatRepository) GetChatByID(ctx context.Context, id string) (*models.Chat, error) {
	if !isUUID(id) {
		return nil, models.ErrChatNotFound
	}
	chat, err := scanChat(r.db.QueryRowContext(ctx, selectChat+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := loadReads(ctx, r.db, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

func (r *chatRepository) GetChatByUsers(ctx context.Context, userID1, userID2 string) (*models.Chat, error) {
	chat, err := scanChat(r.db.QueryRowContext(ctx, selectChat+` WHERE pair_key = $1`, models.PairKey(userID1, userID2)))
	if err != nil {
		return nil, err
	}
	if err := loadReads(ctx, r.db, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

func (r *chatRepository) GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	query := selectChat + `
	WHERE user_id1 = $1 OR user_id2 = $1
	ORDER BY COALESCE(last_message_time, created_at) DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*models.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := loadReads(ctx, r.db, chats...); err != nil {
		return nil, err
	}
	return chats, nil
}

// lockChat takes the row lock that serializes appends and clears of a chat
// across every process sharing the database.
func lockChat(ctx context.Context, tx *sql.Tx, chatID string) (*time.Time, error) {
	var lastMessageTime sql.NullTime
	err := tx.QueryRowContext(ctx,
		`SELECT last_message_time FROM chats WHERE id = $1 FOR UPDATE`, chatID,
	).Scan(&lastMessageTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrChatNotFound
		}
		return nil, err
	}

	var maxCreated sql.NullTime
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE chat_id = $1`, chatID,
	).Scan(&maxCreated); err != nil {
		return nil, err
	}

	var last *time.Time
	for _, t := range []sql.NullTime{lastMessageTime, maxCreated} {
		if t.Valid && (last == nil || t.Time.After(*last)) {
			at := t.Time
			last = &at
		}
	}
	return last, nil
}

func (r *chatRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	if !isUUID(msg.ChatID) {
		return models.ErrChatNotFound
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	last, err := lockChat(ctx, tx, msg.ChatID)
	if err != nil {
		return err
	}

	createdAt := NextTimestamp(last, time.Now())
	query := `
	INSERT INTO messages (id, chat_id, sender_id, content, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.ExecContext(ctx, query,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, string(msg.Status), createdAt,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
	UPDATE chats
	SET last_message = $2, last_message_time = $3, updated_at = NOW()
	WHERE id = $1
	`, msg.ChatID, msg.Content, createdAt); err != nil {
		return err
	}

	if err := upsertRead(ctx, tx, msg.ChatID, msg.SenderID, createdAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	msg.CreatedAt = createdAt
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRead(ctx context.Context, e execer, chatID, userID string, at time.Time) error {
	_, err := e.ExecContext(ctx, `
	INSERT INTO chat_reads (chat_id, user_id, last_read_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (chat_id, user_id) DO UPDATE
	SET last_read_at = GREATEST(COALESCE(chat_reads.last_read_at, EXCLUDED.last_read_at), EXCLUDED.last_read_at)
	`, chatID, userID, at)
	return err
}

const selectMessage = `
	SELECT id, chat_id, sender_id, content, status, created_at
	FROM messages`

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		var status string
		if err := rows.Scan(
			&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &status, &msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		msg.Status = models.Status(status)
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func (r *chatRepository) GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	if !isUUID(chatID) || (beforeMessageID != "" && !isUUID(beforeMessageID)) {
		return nil, nil
	}
	var query string
	var args []interface{}

	if beforeMessageID != "" {
		query = selectMessage + `
		WHERE chat_id = $1 AND created_at < (SELECT created_at FROM messages WHERE id = $2)
		ORDER BY created_at DESC
		LIMIT $3
		`
		args = []interface{}{chatID, beforeMessageID, limit}
	} else {
		query = selectMessage + `
		WHERE chat_id = $1
		ORDER BY created_at DESC
		LIMIT $2
		`
		args = []interface{}{chatID, limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *chatRepository) ListMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	if !isUUID(chatID) {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, selectMessage+` WHERE chat_id = $1 ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (r *chatRepository) PromoteMessages(ctx context.Context, chatID, viewerID string, to models.Status) ([]string, error) {
	if !isUUID(chatID) {
		return nil, nil
	}
	query := `
	UPDATE messages
	SET status = $3
	WHERE chat_id = $1 AND sender_id <> $2 AND status = ANY($4)
	RETURNING id
	`

	rows, err := r.db.QueryContext(ctx, query, chatID, viewerID, string(to), pq.Array(lowerStatuses(to)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (r *chatRepository) SetMessageStatus(ctx context.Context, messageID string, to models.Status) (*models.Message, bool, error) {
	if !isUUID(messageID) {
		return nil, false, models.ErrMessageNotFound
	}
	rows, err := r.db.QueryContext(ctx, `
	UPDATE messages
	SET status = $2
	WHERE id = $1 AND status = ANY($3)
	RETURNING id, chat_id, sender_id, content, status, created_at
	`, messageID, string(to), pq.Array(lowerStatuses(to)))
	if err != nil {
		return nil, false, err
	}
	updated, err := scanMessages(rows)
	if err != nil {
		return nil, false, err
	}
	if len(updated) == 1 {
		return updated[0], true, nil
	}

	// Nothing advanced: either the message is missing or already at or past to.
	rows, err = r.db.QueryContext(ctx, selectMessage+` WHERE id = $1`, messageID)
	if err != nil {
		return nil, false, err
	}
	current, err := scanMessages(rows)
	if err != nil {
		return nil, false, err
	}
	if len(current) == 0 {
		return nil, false, models.ErrMessageNotFound
	}
	return current[0], false, nil
}

func (r *chatRepository) MarkRead(ctx context.Context, chatID, userID string, at time.Time) error {
	if !isUUID(chatID) {
		return models.ErrChatNotFound
	}
	return upsertRead(ctx, r.db, chatID, userID, at.UTC())
}

func (r *chatRepository) ClearChat(ctx context.Context, chatID string) (int, error) {
	if !isUUID(chatID) {
		return 0, models.ErrChatNotFound
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := lockChat(ctx, tx, chatID); err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = $1`, chatID)
	if err != nil {
		return 0, err
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
	UPDATE chats
	SET last_message = NULL, last_message_time = NULL, updated_at = NOW()
	WHERE id = $1
	`, chatID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return int(deleted), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
