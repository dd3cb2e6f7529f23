package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"metachat/chat-sync/internal/chathub"
	"metachat/chat-sync/internal/models"
	"metachat/chat-sync/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_SentDeliveredSeenLifecycle(t *testing.T) {
	e := newEnv(t)
	chat := e.chat(t)
	ctx := context.Background()

	require.NoError(t, e.tracker.SetPresence(ctx, "bob", models.PresenceOnline))

	msg, err := e.chats.SendMessage(ctx, chat.ID, "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)

	require.NoError(t, e.tracker.SetPresence(ctx, "alice", models.PresenceOnline))
	assert.Equal(t, models.StatusDelivered, e.status(t, chat.ID, msg.ID))

	seen, err := e.chats.MarkMessagesAsRead(ctx, chat.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
	assert.Equal(t, models.StatusSeen, e.status(t, chat.ID, msg.ID))

	updated, err := e.chats.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastRead["alice"])
	assert.False(t, updated.LastRead["alice"].Before(msg.CreatedAt))
}

func TestStatus_NeverMovesBackward(t *testing.T) {
	e := newEnv(t)
	chat := e.chat(t)
	ctx := context.Background()

	msg, err := e.chats.SendMessage(ctx, chat.ID, "bob", "hi")
	require.NoError(t, err)

	applied, err := e.resolver.ApplyStatus(ctx, msg.ID, models.StatusSeen)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSeen, applied.Status)

	applied, err = e.resolver.ApplyStatus(ctx, msg.ID, models.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSeen, applied.Status)
	assert.Equal(t, models.StatusSeen, e.status(t, chat.ID, msg.ID))

	require.NoError(t, e.tracker.SetPresence(ctx, "alice", models.PresenceOnline))
	assert.Equal(t, models.StatusSeen, e.status(t, chat.ID, msg.ID))
}

func TestApplyStatus_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.resolver.ApplyStatus(ctx, "anything", models.Status("read"))
	assert.ErrorIs(t, err, models.ErrInvalidStatus)

	_, err = e.resolver.ApplyStatus(ctx, "missing", models.StatusSeen)
	assert.ErrorIs(t, err, models.ErrMessageNotFound)
}

func TestActiveView_CounterpartOfflineOnlyMovesReadMarker(t *testing.T) {
	e := newEnv(t)
	chat := e.chat(t)
	ctx := context.Background()

	msg, err := e.chats.SendMessage(ctx, chat.ID, "bob", "hi")
	require.NoError(t, err)

	seen, err := e.chats.MarkMessagesAsRead(ctx, chat.ID, "alice")
	require.NoError(t, err)
	assert.Zero(t, seen)
	assert.Equal(t, models.StatusSent, e.status(t, chat.ID, msg.ID))

	updated, err := e.chats.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastRead["alice"])
}

func TestActiveView_LeavesOwnMessagesAlone(t *testing.T) {
	e := newEnv(t)
	chat := e.chat(t)
	ctx := context.Background()
	require.NoError(t, e.tracker.SetPresence(ctx, "bob", models.PresenceOnline))

	own, err := e.chats.SendMessage(ctx, chat.ID, "alice", "mine")
	require.NoError(t, err)

	_, err = e.chats.MarkMessagesAsRead(ctx, chat.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, e.status(t, chat.ID, own.ID))
}

func TestActiveView_Errors(t *testing.T) {
	e := newEnv(t)
	chat := e.chat(t)
	ctx := context.Background()

	_, err := e.chats.MarkMessagesAsRead(ctx, "missing", "alice")
	assert.ErrorIs(t, err, models.ErrChatNotFound)

	_, err = e.chats.MarkMessagesAsRead(ctx, chat.ID, "carol")
	assert.ErrorIs(t, err, models.ErrNotParticipant)

	e.store.FailNext("MarkRead", errors.New("broken pipe"))
	_, err = e.chats.MarkMessagesAsRead(ctx, chat.ID, "alice")
	assert.ErrorIs(t, err, models.ErrTransportFailure)
}

func TestOnPresenceChange_OfflineIsNoop(t *testing.T) {
	e := newEnv(t)
	chat := e.chat(t)
	ctx := context.Background()

	msg, err := e.chats.SendMessage(ctx, chat.ID, "bob", "hi")
	require.NoError(t, err)

	require.NoError(t, e.resolver.OnPresenceChange(ctx, presence.Change{
		UserID: "alice", Presence: models.PresenceOffline, At: time.Now(),
	}))
	assert.Equal(t, models.StatusSent, e.status(t, chat.ID, msg.ID))
}

func TestOnPresenceChange_StoreFailure(t *testing.T) {
	e := newEnv(t)
	e.chat(t)
	e.store.FailNext("GetUserChats", errors.New("timeout"))

	err := e.resolver.OnPresenceChange(context.Background(), presence.Change{
		UserID: "alice", Presence: models.PresenceOnline, At: time.Now(),
	})
	assert.ErrorIs(t, err, models.ErrTransportFailure)
}

func TestViewingChatMarksDelivered(t *testing.T) {
	e := newEnv(t)
	chat := e.chat(t)
	ctx := context.Background()

	msg, err := e.chats.SendMessage(ctx, chat.ID, "bob", "hi")
	require.NoError(t, err)
	require.Equal(t, models.StatusSent, msg.Status)

	snaps := make(chan chathub.Snapshot, 16)
	sub, err := e.chats.Subscribe(ctx, chat.ID, "alice", func(s chathub.Snapshot) { snaps <- s })
	require.NoError(t, err)
	defer sub.Cancel()

	deadline := time.After(waitFor)
	for {
		select {
		case snap := <-snaps:
			if len(snap.Messages) == 1 && snap.Messages[0].Status == models.StatusDelivered {
				return
			}
		case <-deadline:
			t.Fatal("viewer never saw the message as delivered")
		}
	}
}
