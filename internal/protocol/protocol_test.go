package protocol

import (
	"errors"
	"testing"
)

func TestDecodeDocUpdate(t *testing.T) {
	payload := []byte(`{"clientId":"c1","delta":"AAEC"}`)
	msg, err := DecodeDocUpdate(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.ClientID != "c1" || msg.Delta != "AAEC" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	payload := []byte(`{"clientId":"c1","delta":"AAEC","extra":true}`)
	if _, err := DecodeDocUpdate(payload); !errors.Is(err, ErrUnknownShape) {
		t.Fatalf("expected ErrUnknownShape, got %v", err)
	}
}

func TestDecodeRejectsMissingRequired(t *testing.T) {
	cases := []struct {
		name   string
		decode func([]byte) error
		json   string
	}{
		{"doc-update", func(b []byte) error { _, err := DecodeDocUpdate(b); return err }, `{"delta":"x"}`},
		{"sync-request", func(b []byte) error { _, err := DecodeSyncRequest(b); return err }, `{}`},
		{"sync-response", func(b []byte) error { _, err := DecodeSyncResponse(b); return err }, `{"clientId":"a","state":"s"}`},
		{"awareness", func(b []byte) error { _, err := DecodeAwareness(b); return err }, `{"clientId":"a"}`},
		{"signal", func(b []byte) error { _, err := DecodeSignal(b); return err }, `{"type":"chat"}`},
		{"call-presence", func(b []byte) error { _, err := DecodeCallPresence(b); return err }, `{"name":"x"}`},
	}
	for _, tc := range cases {
		if err := tc.decode([]byte(tc.json)); !errors.Is(err, ErrUnknownShape) {
			t.Fatalf("%s: expected ErrUnknownShape, got %v", tc.name, err)
		}
	}
}

func TestDecodeRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`"hi"`, `42`, `[1,2]`, `{`, ``} {
		if _, err := DecodeSignal([]byte(raw)); !errors.Is(err, ErrUnknownShape) {
			t.Fatalf("expected ErrUnknownShape for %q, got %v", raw, err)
		}
	}
}

func TestSignalRoundTrip(t *testing.T) {
	sig := Signal{
		Type:      "offer",
		From:      "p1",
		To:        "p2",
		Payload:   []byte(`{"sdp":"v=0"}`),
		Timestamp: NowMillis(),
	}
	raw, err := Encode(sig)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeSignal(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Type != sig.Type || decoded.From != sig.From || decoded.To != sig.To {
		t.Fatalf("unexpected signal: %+v", decoded)
	}
	if string(decoded.Payload) != `{"sdp":"v=0"}` {
		t.Fatalf("payload not preserved: %s", decoded.Payload)
	}
}

func TestDecodeAwarenessWithCursor(t *testing.T) {
	payload := []byte(`{"clientId":"c9","user":{"userId":"u9","name":"Ada","color":"#fa0","cursor":{"anchor":3,"head":7}}}`)
	msg, err := DecodeAwareness(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.User.Cursor == nil || msg.User.Cursor.Anchor != 3 || msg.User.Cursor.Head != 7 {
		t.Fatalf("cursor not decoded: %+v", msg.User.Cursor)
	}
}

func TestDecodeCallPresence(t *testing.T) {
	payload := []byte(`{"id":"p1","name":"Ada","isMuted":true,"isVideoOff":false,"isScreenSharing":false,"isHost":true,"joinedAt":1700000000000}`)
	p, err := DecodeCallPresence(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !p.IsMuted || !p.IsHost || p.JoinedAt != 1700000000000 {
		t.Fatalf("unexpected presence: %+v", p)
	}
}
