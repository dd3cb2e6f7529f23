package notify

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"metachat/chat-sync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestLocalNotifier_PublishAndCancel(t *testing.T) {
	n := NewLocalNotifier()
	var got []Event

	cancel := n.Subscribe(func(ev Event) { got = append(got, ev) })
	require.NoError(t, n.Publish(context.Background(), ChatChanged("c1")))

	cancel()
	cancel()
	require.NoError(t, n.Publish(context.Background(), ChatChanged("c2")))

	require.Len(t, got, 1)
	assert.Equal(t, KindChat, got[0].Kind)
	assert.Equal(t, "c1", got[0].ChatID)
}

func TestLocalNotifier_HandlerMayPublish(t *testing.T) {
	n := NewLocalNotifier()
	var chats []string

	n.Subscribe(func(ev Event) {
		if ev.Kind == KindPresence {
			_ = n.Publish(context.Background(), ChatChanged("from-"+ev.UserID))
			return
		}
		chats = append(chats, ev.ChatID)
	})

	require.NoError(t, n.Publish(context.Background(), PresenceChanged("u1", models.PresenceOnline, time.Now())))
	assert.Equal(t, []string{"from-u1"}, chats)
}

type mockRedis struct {
	mock.Mock
}

func (m *mockRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	args := m.Called(channel, message)
	return redis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

func (m *mockRedis) PSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	m.Called(channels)
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRedisNotifier_PublishChannels(t *testing.T) {
	client := new(mockRedis)
	n := NewRedisNotifier(client, "test", quietLogger())

	client.On("Publish", "test:chat:c1", mock.AnythingOfType("string")).Return(1, nil).Once()
	client.On("Publish", "test:presence:u1", mock.AnythingOfType("string")).Return(1, nil).Once()

	require.NoError(t, n.Publish(context.Background(), ChatChanged("c1")))
	require.NoError(t, n.Publish(context.Background(), PresenceChanged("u1", models.PresenceOnline, time.Now())))

	client.AssertExpectations(t)

	payload := client.Calls[1].Arguments.Get(1).(string)
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))
	assert.Equal(t, KindPresence, ev.Kind)
	assert.Equal(t, models.PresenceOnline, ev.Presence)
}

func TestRedisNotifier_PublishError(t *testing.T) {
	client := new(mockRedis)
	n := NewRedisNotifier(client, "", quietLogger())
	client.On("Publish", "chatsync:chat:c1", mock.Anything).Return(0, redis.ErrClosed)

	assert.ErrorIs(t, n.Publish(context.Background(), ChatChanged("c1")), redis.ErrClosed)
}

func TestRedisNotifier_Deliver(t *testing.T) {
	n := NewRedisNotifier(new(mockRedis), "test", quietLogger())
	var got []Event
	n.Subscribe(func(ev Event) { got = append(got, ev) })

	payload, err := json.Marshal(ChatChanged("c9"))
	require.NoError(t, err)

	n.deliver("test:chat:c9", string(payload))
	n.deliver("test:chat:c9", "{not json")
	n.deliver("other:chat:c9", string(payload))

	require.Len(t, got, 1)
	assert.Equal(t, "c9", got[0].ChatID)
}
