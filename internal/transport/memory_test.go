package transport

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryChannelBroadcastReachesAllMembersIncludingSender(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	var gotA, gotB []string
	a := broker.Channel("doc:1", "a")
	b := broker.Channel("doc:1", "b")
	if err := a.Subscribe(ctx, Handlers{OnBroadcast: func(event string, payload []byte) {
		gotA = append(gotA, event+":"+string(payload))
	}}); err != nil {
		t.Fatalf("subscribe a failed: %v", err)
	}
	if err := b.Subscribe(ctx, Handlers{OnBroadcast: func(event string, payload []byte) {
		gotB = append(gotB, event+":"+string(payload))
	}}); err != nil {
		t.Fatalf("subscribe b failed: %v", err)
	}

	if err := a.Send(ctx, "ping", []byte("x")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(gotA) != 1 || gotA[0] != "ping:x" {
		t.Fatalf("sender echo missing, got %v", gotA)
	}
	if len(gotB) != 1 || gotB[0] != "ping:x" {
		t.Fatalf("peer delivery missing, got %v", gotB)
	}
}

func TestMemoryChannelSendBeforeSubscribe(t *testing.T) {
	broker := NewBroker()
	ch := broker.Channel("doc:1", "a")
	if err := ch.Send(context.Background(), "ping", nil); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
}

func TestMemoryChannelPresenceLifecycle(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	joins := map[string]string{}
	leaves := map[string]string{}
	syncs := 0
	a := broker.Channel("room:1", "a")
	b := broker.Channel("room:1", "b")
	if err := a.Subscribe(ctx, Handlers{
		OnPresenceJoin:  func(key string, payload []byte) { joins[key] = string(payload) },
		OnPresenceLeave: func(key string, payload []byte) { leaves[key] = string(payload) },
		OnPresenceSync:  func() { syncs++ },
	}); err != nil {
		t.Fatalf("subscribe a failed: %v", err)
	}
	if err := b.Subscribe(ctx, Handlers{}); err != nil {
		t.Fatalf("subscribe b failed: %v", err)
	}
	if syncs == 0 {
		t.Fatalf("expected initial presence sync on subscribe")
	}

	if err := b.Track(ctx, []byte("bee")); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if joins["b"] != "bee" {
		t.Fatalf("expected join for b, got %v", joins)
	}
	state := a.PresenceState()
	if string(state["b"]) != "bee" {
		t.Fatalf("presence state missing b: %v", state)
	}

	if err := b.Untrack(ctx); err != nil {
		t.Fatalf("untrack failed: %v", err)
	}
	if leaves["b"] != "bee" {
		t.Fatalf("expected leave for b, got %v", leaves)
	}
	if _, ok := a.PresenceState()["b"]; ok {
		t.Fatalf("presence state should not contain b after untrack")
	}
}

func TestMemoryChannelCloseRemovesPresence(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	var left []string
	a := broker.Channel("room:1", "a")
	b := broker.Channel("room:1", "b")
	if err := a.Subscribe(ctx, Handlers{
		OnPresenceLeave: func(key string, payload []byte) { left = append(left, key) },
	}); err != nil {
		t.Fatalf("subscribe a failed: %v", err)
	}
	if err := b.Subscribe(ctx, Handlers{}); err != nil {
		t.Fatalf("subscribe b failed: %v", err)
	}
	if err := b.Track(ctx, []byte("bee")); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if len(left) != 1 || left[0] != "b" {
		t.Fatalf("expected leave for b on close, got %v", left)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestMemoryChannelDuplicateDelivery(t *testing.T) {
	broker := NewBroker()
	broker.SetDuplicates(2)
	ctx := context.Background()

	count := 0
	a := broker.Channel("doc:1", "a")
	b := broker.Channel("doc:1", "b")
	if err := a.Subscribe(ctx, Handlers{}); err != nil {
		t.Fatalf("subscribe a failed: %v", err)
	}
	if err := b.Subscribe(ctx, Handlers{OnBroadcast: func(string, []byte) { count++ }}); err != nil {
		t.Fatalf("subscribe b failed: %v", err)
	}
	if err := a.Send(ctx, "ping", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 deliveries with 2 duplicates, got %d", count)
	}
}

func TestMemoryChannelSubscribeFailure(t *testing.T) {
	broker := NewBroker()
	broker.FailNextSubscribe(errors.New("channel error"))
	ch := broker.Channel("doc:1", "a")

	err := ch.Subscribe(context.Background(), Handlers{})
	var subErr *SubscribeError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubscribeError, got %v", err)
	}
	// The channel stays subscribable after a failed attempt.
	if err := ch.Subscribe(context.Background(), Handlers{}); err != nil {
		t.Fatalf("retry subscribe failed: %v", err)
	}
}
