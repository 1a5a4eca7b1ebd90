package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisBroadcastPrefix = "realtime:b:"
	redisPresencePrefix  = "realtime:p:"
	redisRosterPrefix    = "realtime:roster:"
	redisOpTimeout       = 5 * time.Second
)

type redisBroadcastFrame struct {
	Event   string `json:"event"`
	Payload []byte `json:"payload"`
}

type redisPresenceFrame struct {
	Kind    string `json:"kind"` // join | leave
	Key     string `json:"key"`
	Payload []byte `json:"payload"`
}

// RedisChannel implements Channel over redis pub/sub. Broadcasts fan out on
// one redis channel per name; the presence roster lives in a redis hash so
// that PresenceState always reflects the latest tracked payloads, not a
// replayed event stream.
type RedisChannel struct {
	client redis.UniversalClient
	name   string
	key    string

	mu         sync.Mutex
	handlers   Handlers
	pubsub     *redis.PubSub
	subscribed bool
	closed     bool
	tracked    bool
	done       chan struct{}
}

func NewRedisChannel(client redis.UniversalClient, name, key string) (*RedisChannel, error) {
	if client == nil || strings.TrimSpace(name) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	return &RedisChannel{client: client, name: name, key: key}, nil
}

func (c *RedisChannel) broadcastChannel() string { return redisBroadcastPrefix + c.name }
func (c *RedisChannel) presenceChannel() string  { return redisPresencePrefix + c.name }
func (c *RedisChannel) rosterKey() string        { return redisRosterPrefix + c.name }

func (c *RedisChannel) Subscribe(ctx context.Context, handlers Handlers) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.handlers = handlers
	c.mu.Unlock()

	pubsub := c.client.Subscribe(ctx, c.broadcastChannel(), c.presenceChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return &SubscribeError{Channel: c.name, Err: err}
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.pubsub = pubsub
	c.subscribed = true
	c.done = done
	c.mu.Unlock()

	go c.readLoop(pubsub.Channel(), done)

	if handlers.OnPresenceSync != nil {
		handlers.OnPresenceSync()
	}
	return nil
}

func (c *RedisChannel) readLoop(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		c.mu.Lock()
		handlers := c.handlers
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		switch msg.Channel {
		case c.broadcastChannel():
			var frame redisBroadcastFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				continue
			}
			if handlers.OnBroadcast != nil {
				handlers.OnBroadcast(frame.Event, frame.Payload)
			}
		case c.presenceChannel():
			var frame redisPresenceFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				continue
			}
			switch frame.Kind {
			case "join":
				if handlers.OnPresenceJoin != nil {
					handlers.OnPresenceJoin(frame.Key, frame.Payload)
				}
			case "leave":
				if handlers.OnPresenceLeave != nil {
					handlers.OnPresenceLeave(frame.Key, frame.Payload)
				}
			default:
				continue
			}
			if handlers.OnPresenceSync != nil {
				handlers.OnPresenceSync()
			}
		}
	}
}

func (c *RedisChannel) Send(ctx context.Context, event string, payload []byte) error {
	if err := c.requireSubscribed(); err != nil {
		return err
	}
	raw, err := json.Marshal(redisBroadcastFrame{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.broadcastChannel(), raw).Err()
}

func (c *RedisChannel) Track(ctx context.Context, presence []byte) error {
	if err := c.requireSubscribed(); err != nil {
		return err
	}
	if err := c.client.HSet(ctx, c.rosterKey(), c.key, presence).Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracked = true
	c.mu.Unlock()
	raw, err := json.Marshal(redisPresenceFrame{Kind: "join", Key: c.key, Payload: presence})
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.presenceChannel(), raw).Err()
}

func (c *RedisChannel) Untrack(ctx context.Context) error {
	if err := c.requireSubscribed(); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracked = false
	c.mu.Unlock()
	return c.removeFromRoster(ctx)
}

func (c *RedisChannel) removeFromRoster(ctx context.Context) error {
	if err := c.client.HDel(ctx, c.rosterKey(), c.key).Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(redisPresenceFrame{Kind: "leave", Key: c.key})
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.presenceChannel(), raw).Err()
}

func (c *RedisChannel) PresenceState() map[string][]byte {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	state, err := c.client.HGetAll(ctx, c.rosterKey()).Result()
	if err != nil {
		return map[string][]byte{}
	}
	out := make(map[string][]byte, len(state))
	for key, payload := range state {
		out[key] = []byte(payload)
	}
	return out
}

func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subscribed = false
	wasTracked := c.tracked
	c.tracked = false
	pubsub := c.pubsub
	done := c.done
	c.mu.Unlock()

	if wasTracked {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		_ = c.removeFromRoster(ctx)
		cancel()
	}
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			return err
		}
		if done != nil {
			<-done
		}
	}
	return nil
}

func (c *RedisChannel) requireSubscribed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if !c.subscribed {
		return ErrNotSubscribed
	}
	return nil
}
