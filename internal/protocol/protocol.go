// Package protocol defines the closed set of message shapes exchanged over a
// channel by the document sync and session signaling engines. Every inbound
// payload is validated against an embedded JSON Schema before it is trusted;
// anything of unknown shape is rejected at the deserialization boundary.
package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrUnknownShape = errors.New("message has unknown shape")

// Broadcast event names used by the document sync engine.
const (
	EventDocUpdate    = "doc-update"
	EventSyncRequest  = "sync-request"
	EventSyncResponse = "sync-response"
	EventAwareness    = "awareness"
)

// EventSignal carries every session signaling envelope; the envelope's Type
// field discriminates further.
const EventSignal = "signal"

// Signal envelope types handled by the session signaling engine itself.
// Anything else (offer, answer, ICE candidates) is routed opaquely.
const (
	SignalParticipantJoined = "participant-joined"
	SignalParticipantLeft   = "participant-left"
	SignalMuteStatus        = "mute-status"
	SignalRecordingStatus   = "recording-status"
	SignalChat              = "chat"
)

type DocUpdate struct {
	ClientID string `json:"clientId"`
	Delta    string `json:"delta"`
}

type SyncRequest struct {
	ClientID string `json:"clientId"`
}

type SyncResponse struct {
	ClientID       string `json:"clientId"`
	TargetClientID string `json:"targetClientId"`
	State          string `json:"state"`
}

type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

type AwarenessUser struct {
	UserID string  `json:"userId"`
	Name   string  `json:"name"`
	Color  string  `json:"color,omitempty"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

type Awareness struct {
	ClientID string        `json:"clientId"`
	User     AwarenessUser `json:"user"`
}

// Signal is the shared envelope for all signaling traffic. To is empty for
// room-wide broadcasts; when set, every peer other than the addressee drops
// the message client-side.
type Signal struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type MuteStatus struct {
	IsMuted         bool `json:"isMuted"`
	IsVideoOff      bool `json:"isVideoOff"`
	IsScreenSharing bool `json:"isScreenSharing"`
}

type RecordingStatus struct {
	IsRecording bool   `json:"isRecording"`
	StartedAt   int64  `json:"startedAt,omitempty"`
	StartedBy   string `json:"startedBy,omitempty"`
}

type Chat struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DocPresence is the presence payload tracked by a document sync engine.
type DocPresence struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Color    string `json:"color,omitempty"`
}

// CallPresence is the presence payload tracked by a session signaling engine.
// JoinedAt is unix milliseconds.
type CallPresence struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IsMuted         bool   `json:"isMuted"`
	IsVideoOff      bool   `json:"isVideoOff"`
	IsScreenSharing bool   `json:"isScreenSharing"`
	IsHost          bool   `json:"isHost"`
	JoinedAt        int64  `json:"joinedAt"`
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}

//go:embed schemas/*.json
var schemaFS embed.FS

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[string]*jsonschema.Schema {
	names := []string{
		"doc-update",
		"sync-request",
		"sync-response",
		"awareness",
		"signal",
		"doc-presence",
		"call-presence",
		"mute-status",
		"recording-status",
		"chat",
	}
	compiler := jsonschema.NewCompiler()
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			panic(fmt.Sprintf("protocol: missing embedded schema %s: %v", name, err))
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("protocol: invalid embedded schema %s: %v", name, err))
		}
		url := "mem://schemas/" + name + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("protocol: add schema %s: %v", name, err))
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("protocol: compile schema %s: %v", name, err))
		}
		out[name] = schema
	}
	return out
}

func validate(schemaName string, payload []byte) error {
	schema := compiledSchemas[schemaName]
	if schema == nil {
		return ErrUnknownShape
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownShape, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownShape, err)
	}
	return nil
}

func decodeInto(schemaName string, payload []byte, out any) error {
	if err := validate(schemaName, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownShape, err)
	}
	return nil
}

func DecodeDocUpdate(payload []byte) (DocUpdate, error) {
	var msg DocUpdate
	err := decodeInto("doc-update", payload, &msg)
	return msg, err
}

func DecodeSyncRequest(payload []byte) (SyncRequest, error) {
	var msg SyncRequest
	err := decodeInto("sync-request", payload, &msg)
	return msg, err
}

func DecodeSyncResponse(payload []byte) (SyncResponse, error) {
	var msg SyncResponse
	err := decodeInto("sync-response", payload, &msg)
	return msg, err
}

func DecodeAwareness(payload []byte) (Awareness, error) {
	var msg Awareness
	err := decodeInto("awareness", payload, &msg)
	return msg, err
}

func DecodeSignal(payload []byte) (Signal, error) {
	var msg Signal
	err := decodeInto("signal", payload, &msg)
	return msg, err
}

func DecodeMuteStatus(payload []byte) (MuteStatus, error) {
	var msg MuteStatus
	err := decodeInto("mute-status", payload, &msg)
	return msg, err
}

func DecodeRecordingStatus(payload []byte) (RecordingStatus, error) {
	var msg RecordingStatus
	err := decodeInto("recording-status", payload, &msg)
	return msg, err
}

func DecodeChat(payload []byte) (Chat, error) {
	var msg Chat
	err := decodeInto("chat", payload, &msg)
	return msg, err
}

func DecodeDocPresence(payload []byte) (DocPresence, error) {
	var msg DocPresence
	err := decodeInto("doc-presence", payload, &msg)
	return msg, err
}

func DecodeCallPresence(payload []byte) (CallPresence, error) {
	var msg CallPresence
	err := decodeInto("call-presence", payload, &msg)
	return msg, err
}

// Encode marshals an outbound message. Outbound shapes are produced by this
// package's own types, so marshal failures are programmer errors; they are
// still surfaced rather than swallowed.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
