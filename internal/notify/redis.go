package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// redisClient is the part of *redis.Client the notifier uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisNotifier publishes events on Redis Pub/Sub channels named
// "<prefix>:chat:<chat id>" and "<prefix>:presence:<user id>". Events reach
// local handlers only once Run has received them back from Redis.
type RedisNotifier struct {
	client   redisClient
	prefix   string
	logger   *logrus.Logger
	handlers registry
}

func NewRedisNotifier(client redisClient, prefix string, logger *logrus.Logger) *RedisNotifier {
	if prefix == "" {
		prefix = "chatsync"
	}
	return &RedisNotifier{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (n *RedisNotifier) channel(ev Event) string {
	switch ev.Kind {
	case KindPresence:
		return n.prefix + ":presence:" + ev.UserID
	default:
		return n.prefix + ":chat:" + ev.ChatID
	}
}

func (n *RedisNotifier) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return n.client.Publish(ctx, n.channel(ev), string(payload)).Err()
}

func (n *RedisNotifier) Subscribe(h Handler) func() {
	return n.handlers.add(h)
}

// Run listens on the notifier's channels until ctx is cancelled.
func (n *RedisNotifier) Run(ctx context.Context) error {
	pubsub := n.client.PSubscribe(ctx, n.prefix+":*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	n.logger.WithField("pattern", n.prefix+":*").Info("Listening for change events on Redis")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			n.deliver(msg.Channel, msg.Payload)
		}
	}
}

func (n *RedisNotifier) deliver(channel, payload string) {
	if !strings.HasPrefix(channel, n.prefix+":") {
		return
	}

	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		n.logger.WithError(err).WithField("channel", channel).Warn("Dropping malformed change event")
		return
	}

	n.handlers.dispatch(ev)
}
