package service

import (
	"context"
	"errors"
	"testing"

	"metachat/chat-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUser_NormalizesEmail(t *testing.T) {
	e := newEnv(t)

	user, err := e.directory.RegisterUser(context.Background(), &models.User{
		ID: "carol", Email: "  Carol@Example.COM ",
	})
	require.NoError(t, err)
	assert.Equal(t, "carol@example.com", user.Email)
	assert.Equal(t, "carol@example.com", user.DisplayName)
	assert.Equal(t, models.PresenceOffline, user.Status)
	assert.False(t, user.CreatedAt.IsZero())
}

func TestRegisterUser_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := map[string]*models.User{
		"missing id":    {Email: "x@example.com"},
		"missing email": {ID: "x"},
		"bad email":     {ID: "x", Email: "not-an-address"},
		"bad photo":     {ID: "x", Email: "x@example.com", PhotoURL: "::nope"},
	}
	for name, user := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.directory.RegisterUser(ctx, user)
			assert.ErrorIs(t, err, models.ErrInvalidUser)
			assert.True(t, models.IsValidation(err))
		})
	}
}

func TestRegisterUser_TransportFailure(t *testing.T) {
	e := newEnv(t)
	e.store.FailNext("CreateUser", errors.New("connection refused"))

	_, err := e.directory.RegisterUser(context.Background(), &models.User{ID: "carol", Email: "carol@example.com"})
	assert.ErrorIs(t, err, models.ErrTransportFailure)
}

func TestFindByEmail_IsCaseInsensitive(t *testing.T) {
	e := newEnv(t)
	e.register(t, "foo", "foo@bar.com")

	users, err := e.directory.FindByEmail(context.Background(), "Foo@Bar.com")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "foo", users[0].ID)
}

func TestFindByEmail_NoMatchIsEmpty(t *testing.T) {
	e := newEnv(t)

	users, err := e.directory.FindByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.NotNil(t, users)
	assert.Empty(t, users)

	users, err = e.directory.FindByEmail(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestFindByEmail_TransportFailure(t *testing.T) {
	e := newEnv(t)
	e.store.FailNext("FindByEmail", errors.New("timeout"))

	_, err := e.directory.FindByEmail(context.Background(), "alice@example.com")
	assert.ErrorIs(t, err, models.ErrTransportFailure)
}

func TestListUsers_ExcludesCaller(t *testing.T) {
	e := newEnv(t)

	users, err := e.directory.ListUsers(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].ID)
}

func TestStartChatByEmail(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	chat, err := e.directory.StartChatByEmail(ctx, "alice", "BOB@example.com")
	require.NoError(t, err)
	assert.True(t, chat.HasParticipant("alice"))
	assert.True(t, chat.HasParticipant("bob"))

	again, err := e.directory.StartChatByEmail(ctx, "alice", "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, chat.ID, again.ID)
}

func TestStartChatByEmail_RejectsSelfBeforeCreating(t *testing.T) {
	e := newEnv(t)

	_, err := e.directory.StartChatByEmail(context.Background(), "alice", "Alice@Example.com")
	assert.ErrorIs(t, err, models.ErrSelfChat)

	chats, _ := e.store.Count()
	assert.Zero(t, chats)
}

func TestStartChatByEmail_SharedAddressSkipsCaller(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "aaron", "shared@example.com")
	e.register(t, "zed", "shared@example.com")

	for _, caller := range []string{"aaron", "zed"} {
		chat, err := e.directory.StartChatByEmail(ctx, caller, "Shared@Example.com")
		require.NoError(t, err, caller)
		assert.True(t, chat.HasParticipant("aaron"))
		assert.True(t, chat.HasParticipant("zed"))
	}

	chats, _ := e.store.Count()
	assert.Equal(t, 1, chats)
}

func TestStartChatByEmail_UnknownAddress(t *testing.T) {
	e := newEnv(t)

	_, err := e.directory.StartChatByEmail(context.Background(), "alice", "ghost@example.com")
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}
