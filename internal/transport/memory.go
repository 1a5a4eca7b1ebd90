package transport

import (
	"context"
	"strings"
	"sync"
)

// Broker is an in-process pub/sub hub. It backs engine tests and
// single-process deployments; delivery is synchronous with the sender and
// echoes broadcasts back to the sender, which exercises consumers' self-echo
// guards. Duplicate delivery can be injected to exercise idempotence.
type Broker struct {
	mu       sync.Mutex
	channels map[string]*brokerChannel

	duplicates    int
	failSubscribe error
}

type brokerChannel struct {
	members  map[string]*MemoryChannel
	presence map[string][]byte
}

func NewBroker() *Broker {
	return &Broker{channels: map[string]*brokerChannel{}}
}

// SetDuplicates makes every subsequent broadcast be delivered 1+n times.
func (b *Broker) SetDuplicates(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	b.duplicates = n
}

// FailNextSubscribe makes the next Subscribe on any channel fail with err.
func (b *Broker) FailNextSubscribe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubscribe = err
}

func (b *Broker) channel(name string) *brokerChannel {
	ch, ok := b.channels[name]
	if !ok {
		ch = &brokerChannel{
			members:  map[string]*MemoryChannel{},
			presence: map[string][]byte{},
		}
		b.channels[name] = ch
	}
	return ch
}

// Channel returns this member's handle on the named channel. key identifies
// the member in the presence roster.
func (b *Broker) Channel(name, key string) *MemoryChannel {
	return &MemoryChannel{broker: b, name: name, key: key}
}

type MemoryChannel struct {
	broker *Broker
	name   string
	key    string

	mu         sync.Mutex
	handlers   Handlers
	subscribed bool
	closed     bool
	tracked    bool

	// queue serializes handler invocation so a channel behaves like a
	// single logical event loop. Run-to-completion draining keeps sends
	// issued from inside a handler (e.g. a direct reply) from re-entering
	// the handler stack.
	queueMu  sync.Mutex
	queue    []func(Handlers)
	draining bool
}

func (c *MemoryChannel) Subscribe(ctx context.Context, handlers Handlers) error {
	if strings.TrimSpace(c.name) == "" || strings.TrimSpace(c.key) == "" {
		return ErrInvalidInput
	}
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

	c.broker.mu.Lock()
	if err := c.broker.failSubscribe; err != nil {
		c.broker.failSubscribe = nil
		c.broker.mu.Unlock()
		return &SubscribeError{Channel: c.name, Err: err}
	}
	c.broker.channel(c.name).members[c.key] = c
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()

	// A fresh subscriber sees the current roster immediately.
	c.dispatch(func(h Handlers) {
		if h.OnPresenceSync != nil {
			h.OnPresenceSync()
		}
	})
	return nil
}

func (c *MemoryChannel) Send(ctx context.Context, event string, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if !c.subscribed {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	c.mu.Unlock()

	members, duplicates := c.snapshotMembers()
	data := append([]byte(nil), payload...)
	for _, member := range members {
		for i := 0; i <= duplicates; i++ {
			member.dispatch(func(h Handlers) {
				if h.OnBroadcast != nil {
					h.OnBroadcast(event, data)
				}
			})
		}
	}
	return nil
}

func (c *MemoryChannel) Track(ctx context.Context, presence []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if !c.subscribed {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	c.tracked = true
	c.mu.Unlock()

	data := append([]byte(nil), presence...)
	c.broker.mu.Lock()
	c.broker.channel(c.name).presence[c.key] = data
	c.broker.mu.Unlock()

	members, _ := c.snapshotMembers()
	for _, member := range members {
		member.dispatch(func(h Handlers) {
			if h.OnPresenceJoin != nil {
				h.OnPresenceJoin(c.key, data)
			}
			if h.OnPresenceSync != nil {
				h.OnPresenceSync()
			}
		})
	}
	return nil
}

func (c *MemoryChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	if !c.subscribed && !c.closed {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	c.tracked = false
	c.mu.Unlock()
	c.removePresence()
	return nil
}

func (c *MemoryChannel) PresenceState() map[string][]byte {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	state := c.broker.channel(c.name).presence
	out := make(map[string][]byte, len(state))
	for key, payload := range state {
		out[key] = append([]byte(nil), payload...)
	}
	return out
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasTracked := c.tracked
	c.tracked = false
	c.subscribed = false
	c.mu.Unlock()

	if wasTracked {
		c.removePresence()
	}
	c.broker.mu.Lock()
	delete(c.broker.channel(c.name).members, c.key)
	c.broker.mu.Unlock()
	return nil
}

func (c *MemoryChannel) removePresence() {
	c.broker.mu.Lock()
	ch := c.broker.channel(c.name)
	payload, had := ch.presence[c.key]
	delete(ch.presence, c.key)
	c.broker.mu.Unlock()
	if !had {
		return
	}
	members, _ := c.snapshotMembers()
	for _, member := range members {
		member.dispatch(func(h Handlers) {
			if h.OnPresenceLeave != nil {
				h.OnPresenceLeave(c.key, payload)
			}
			if h.OnPresenceSync != nil {
				h.OnPresenceSync()
			}
		})
	}
}

func (c *MemoryChannel) snapshotMembers() ([]*MemoryChannel, int) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	ch := c.broker.channel(c.name)
	members := make([]*MemoryChannel, 0, len(ch.members))
	for _, member := range ch.members {
		members = append(members, member)
	}
	return members, c.broker.duplicates
}

func (c *MemoryChannel) dispatch(fn func(Handlers)) {
	c.queueMu.Lock()
	c.queue = append(c.queue, fn)
	if c.draining {
		c.queueMu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		c.mu.Lock()
		handlers := c.handlers
		deliverable := c.subscribed && !c.closed
		c.mu.Unlock()
		if deliverable {
			next(handlers)
		}

		c.queueMu.Lock()
	}
	c.draining = false
	c.queueMu.Unlock()
}
