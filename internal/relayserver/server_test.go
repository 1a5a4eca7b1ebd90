package relayserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lessonloop/realtime/internal/transport"
)

type received struct {
	event   string
	payload string
}

func startRelay(t *testing.T) string {
	t.Helper()
	server := New(Options{})
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ts.Close()
		_ = server.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialChannel(t *testing.T, url, name, key string, handlers transport.Handlers) *transport.WebsocketChannel {
	t.Helper()
	ch, err := transport.NewWebsocketChannel(url, name, key)
	if err != nil {
		t.Fatalf("new channel failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Subscribe(ctx, handlers); err != nil {
		t.Fatalf("subscribe %s failed: %v", key, err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func waitRecv(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message")
		return received{}
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestBroadcastFanout(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	aGot := make(chan received, 8)
	bGot := make(chan received, 8)
	a := dialChannel(t, url, "doc-1", "a", transport.Handlers{
		OnBroadcast: func(event string, payload []byte) {
			aGot <- received{event, string(payload)}
		},
	})
	dialChannel(t, url, "doc-1", "b", transport.Handlers{
		OnBroadcast: func(event string, payload []byte) {
			bGot <- received{event, string(payload)}
		},
	})

	if err := a.Send(ctx, "doc-update", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	for name, ch := range map[string]<-chan received{"a": aGot, "b": bGot} {
		msg := waitRecv(t, ch)
		if msg.event != "doc-update" || msg.payload != `{"n":1}` {
			t.Fatalf("%s got unexpected message %+v", name, msg)
		}
	}
}

func TestBroadcastScopedToChannel(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	otherGot := make(chan received, 8)
	a := dialChannel(t, url, "doc-1", "a", transport.Handlers{})
	dialChannel(t, url, "doc-2", "x", transport.Handlers{
		OnBroadcast: func(event string, payload []byte) {
			otherGot <- received{event, string(payload)}
		},
	})

	if err := a.Send(ctx, "doc-update", []byte(`{}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case msg := <-otherGot:
		t.Fatalf("message leaked across channels: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPresenceLifecycle(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	joins := make(chan string, 8)
	leaves := make(chan string, 8)
	syncs := make(chan struct{}, 8)
	a := dialChannel(t, url, "doc-1", "a", transport.Handlers{
		OnPresenceSync: func() {
			select {
			case syncs <- struct{}{}:
			default:
			}
		},
		OnPresenceJoin:  func(key string, _ []byte) { joins <- key },
		OnPresenceLeave: func(key string, _ []byte) { leaves <- key },
	})
	if err := a.Track(ctx, []byte(`{"id":"a"}`)); err != nil {
		t.Fatalf("track a failed: %v", err)
	}

	b := dialChannel(t, url, "doc-1", "b", transport.Handlers{})
	if err := b.Track(ctx, []byte(`{"id":"b"}`)); err != nil {
		t.Fatalf("track b failed: %v", err)
	}

	for {
		key := <-joins
		if key == "b" {
			break
		}
		if key != "a" {
			t.Fatalf("unexpected join key %q", key)
		}
	}
	waitSignal(t, syncs)

	deadline := time.Now().Add(5 * time.Second)
	for {
		roster := a.PresenceState()
		if _, ok := roster["b"]; ok {
			if string(roster["b"]) != `{"id":"b"}` {
				t.Fatalf("unexpected presence payload %q", roster["b"])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("b never appeared in roster: %v", roster)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := b.Untrack(ctx); err != nil {
		t.Fatalf("untrack b failed: %v", err)
	}
	select {
	case key := <-leaves:
		if key != "b" {
			t.Fatalf("unexpected leave key %q", key)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("leave not delivered")
	}
}

func TestDisconnectAnnouncesLeave(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	leaves := make(chan string, 8)
	dialChannel(t, url, "doc-1", "a", transport.Handlers{
		OnPresenceLeave: func(key string, _ []byte) { leaves <- key },
	})

	b := dialChannel(t, url, "doc-1", "b", transport.Handlers{})
	if err := b.Track(ctx, []byte(`{"id":"b"}`)); err != nil {
		t.Fatalf("track b failed: %v", err)
	}

	// Dropping the connection without untracking must still announce the
	// leave on the member's behalf.
	if err := b.Close(); err != nil {
		t.Fatalf("close b failed: %v", err)
	}
	select {
	case key := <-leaves:
		if key != "b" {
			t.Fatalf("unexpected leave key %q", key)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("leave not announced after disconnect")
	}
}

func TestLateJoinerGetsRosterInHandshake(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	a := dialChannel(t, url, "doc-1", "a", transport.Handlers{})
	if err := a.Track(ctx, []byte(`{"id":"a"}`)); err != nil {
		t.Fatalf("track a failed: %v", err)
	}

	b := dialChannel(t, url, "doc-1", "b", transport.Handlers{})
	roster := b.PresenceState()
	if string(roster["a"]) != `{"id":"a"}` {
		t.Fatalf("handshake roster missing a: %v", roster)
	}
}
