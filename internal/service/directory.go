package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"metachat/chat-sync/internal/models"
	"metachat/chat-sync/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

type registration struct {
	ID          string `validate:"required,max=128"`
	Email       string `validate:"required,email,max=254"`
	DisplayName string `validate:"max=100"`
	PhotoURL    string `validate:"omitempty,url"`
}

// DirectoryService registers users and resolves them by email so a chat can
// be started with someone the caller only knows by address.
type DirectoryService struct {
	users    repository.UserRepository
	chats    ChatService
	validate *validator.Validate
	logger   *logrus.Logger
	now      func() time.Time
}

func NewDirectoryService(users repository.UserRepository, chats ChatService, logger *logrus.Logger) *DirectoryService {
	return &DirectoryService{
		users:    users,
		chats:    chats,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterUser creates or refreshes a profile. The email is stored in its
// canonical lowercase form.
func (d *DirectoryService) RegisterUser(ctx context.Context, user *models.User) (*models.User, error) {
	user.ID = strings.TrimSpace(user.ID)
	user.Email = models.NormalizeEmail(user.Email)
	user.DisplayName = strings.TrimSpace(user.DisplayName)

	err := d.validate.Struct(registration{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		PhotoURL:    user.PhotoURL,
	})
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("%w: %s failed %s", models.ErrInvalidUser, strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidUser, err)
	}

	if user.DisplayName == "" {
		user.DisplayName = user.Email
	}
	if !user.Status.Valid() {
		user.Status = models.PresenceOffline
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = d.now().UTC()
	}

	if err := d.users.CreateUser(ctx, user); err != nil {
		d.logger.WithError(err).WithField("user_id", user.ID).Error("Failed to register user")
		return nil, models.Transport(err)
	}

	d.logger.WithFields(logrus.Fields{
		"user_id": user.ID,
		"email":   user.Email,
	}).Info("User registered")

	return d.GetUser(ctx, user.ID)
}

func (d *DirectoryService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return nil, err
		}
		return nil, models.Transport(err)
	}
	return user, nil
}

// FindByEmail matches the canonical form of email exactly. No match is an
// empty result, not an error.
func (d *DirectoryService) FindByEmail(ctx context.Context, email string) ([]*models.User, error) {
	canonical := models.NormalizeEmail(email)
	if canonical == "" {
		return []*models.User{}, nil
	}

	users, err := d.users.FindByEmail(ctx, canonical)
	if err != nil {
		d.logger.WithError(err).Error("Failed to search users by email")
		return nil, models.Transport(err)
	}
	if users == nil {
		users = []*models.User{}
	}
	return users, nil
}

// ListUsers returns everyone except callerID.
func (d *DirectoryService) ListUsers(ctx context.Context, callerID string) ([]*models.User, error) {
	users, err := d.users.ListUsers(ctx, callerID)
	if err != nil {
		return nil, models.Transport(err)
	}
	return users, nil
}

// StartChatByEmail opens the chat between callerID and a user registered
// under email. Emails are not unique: the first match other than the caller
// is chosen, and an address held only by the caller is rejected before any
// chat is created.
func (d *DirectoryService) StartChatByEmail(ctx context.Context, callerID, email string) (*models.Chat, error) {
	matches, err := d.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, models.ErrUserNotFound
	}

	target, ok := lo.Find(matches, func(u *models.User) bool { return u.ID != callerID })
	if !ok {
		return nil, models.ErrSelfChat
	}

	return d.chats.GetOrCreateChat(ctx, callerID, target.ID)
}
