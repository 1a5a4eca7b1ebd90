// Package transport abstracts the named pub/sub channel both engines are
// built on: broadcast messaging plus presence tracking, with no ordering or
// deduplication guarantees.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotSubscribed     = errors.New("channel is not subscribed")
	ErrAlreadySubscribed = errors.New("channel is already subscribed")
	ErrChannelClosed     = errors.New("channel is closed")
	ErrInvalidInput      = errors.New("invalid input")
)

// SubscribeError reports a failed subscription attempt. The channel remains
// usable for another Subscribe call.
type SubscribeError struct {
	Channel string
	Err     error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe to channel %s failed: %v", e.Channel, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// Handlers carries every callback a subscriber registers. They are passed to
// Subscribe as one value so that registration necessarily happens before the
// subscription is live; no message can race ahead of handler registration.
//
// Handlers may be invoked from a transport-owned goroutine. A given channel
// invokes at most one handler at a time.
type Handlers struct {
	// OnBroadcast receives every broadcast published on the channel,
	// including the subscriber's own sends on transports that echo them.
	OnBroadcast func(event string, payload []byte)
	// OnPresenceSync fires whenever the authoritative presence roster may
	// have changed; consumers rebuild state from PresenceState.
	OnPresenceSync func()
	// OnPresenceJoin fires when a member starts tracking presence.
	OnPresenceJoin func(key string, payload []byte)
	// OnPresenceLeave fires when a member stops tracking presence or
	// disconnects.
	OnPresenceLeave func(key string, payload []byte)
}

// Channel is one named pub/sub channel. Implementations provide at-least-once,
// unordered-across-peers delivery; consumers are expected to tolerate
// duplicates and reordering.
type Channel interface {
	// Subscribe registers handlers and activates the subscription. It
	// returns a SubscribeError if the transport reports an error status,
	// leaving the channel subscribable again.
	Subscribe(ctx context.Context, handlers Handlers) error

	// Send publishes a broadcast payload under an event name.
	Send(ctx context.Context, event string, payload []byte) error

	// Track publishes this member's presence payload. Re-tracking replaces
	// the previous payload.
	Track(ctx context.Context, presence []byte) error

	// Untrack removes this member from the presence roster.
	Untrack(ctx context.Context) error

	// PresenceState returns the transport's current presence roster as a
	// map from member key to latest tracked payload.
	PresenceState() map[string][]byte

	// Close tears the subscription down. Safe to call in any state and
	// more than once.
	Close() error
}
