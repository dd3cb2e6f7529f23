package repository

import (
	"context"
	"database/sql"
	"time"

	"metachat/chat-sync/internal/models"
)

type userRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{
		db: db,
	}
}

func (r *userRepository) InitializeTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		photo_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
	`

	_, err := r.db.Exec(query)
	return err
}

// CreateUser upserts the profile fields; presence is left untouched on conflict.
func (r *userRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
	INSERT INTO users (id, email, display_name, photo_url, status, last_seen, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE
	SET email = EXCLUDED.email, display_name = EXCLUDED.display_name, photo_url = EXCLUDED.photo_url
	RETURNING created_at
	`

	var createdAt time.Time
	err := r.db.QueryRowContext(ctx, query,
		user.ID, models.NormalizeEmail(user.Email), user.DisplayName, user.PhotoURL,
		string(user.Status), nullTime(user.LastSeen), user.CreatedAt,
	).Scan(&createdAt)
	if err != nil {
		return err
	}

	user.Email = models.NormalizeEmail(user.Email)
	user.CreatedAt = createdAt.UTC()
	return nil
}

const selectUser = `
	SELECT id, email, display_name, photo_url, status, last_seen, created_at
	FROM users`

func scanUsers(rows *sql.Rows) ([]*models.User, error) {
	defer rows.Close()

	users := []*models.User{}
	for rows.Next() {
		var user models.User
		var status string
		var lastSeen sql.NullTime
		if err := rows.Scan(
			&user.ID, &user.Email, &user.DisplayName, &user.PhotoURL, &status, &lastSeen, &user.CreatedAt,
		); err != nil {
			return nil, err
		}
		user.Status = models.Presence(status)
		if lastSeen.Valid {
			at := lastSeen.Time.UTC()
			user.LastSeen = &at
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

func (r *userRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	rows, err := r.db.QueryContext(ctx, selectUser+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}

	users, err := scanUsers(rows)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, models.ErrUserNotFound
	}
	return users[0], nil
}

// FindByEmail expects the canonical form; stored emails are canonical too.
func (r *userRepository) FindByEmail(ctx context.Context, email string) ([]*models.User, error) {
	rows, err := r.db.QueryContext(ctx, selectUser+` WHERE email = $1 ORDER BY id`, email)
	if err != nil {
		return nil, err
	}
	return scanUsers(rows)
}

func (r *userRepository) ListUsers(ctx context.Context, excludeID string) ([]*models.User, error) {
	rows, err := r.db.QueryContext(ctx, selectUser+` WHERE id <> $1 ORDER BY display_name, id`, excludeID)
	if err != nil {
		return nil, err
	}
	return scanUsers(rows)
}

func (r *userRepository) SetPresence(ctx context.Context, userID string, presence models.Presence, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
	UPDATE users SET status = $2, last_seen = $3
	WHERE id = $1 AND (last_seen IS NULL OR last_seen <= $3)`,
		userID, string(presence), at.UTC(),
	)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rowsAffected > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, models.ErrUserNotFound
	}
	return false, nil
}
