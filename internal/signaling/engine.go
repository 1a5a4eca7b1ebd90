// Package signaling maintains the live participant roster for one room and
// routes control messages between participants over a shared channel. Unicast
// is simulated on the broadcast medium: every peer sees every envelope and
// drops the ones addressed to somebody else.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lessonloop/realtime/internal/protocol"
	"github.com/lessonloop/realtime/internal/transport"
)

var (
	ErrInvalidOptions = errors.New("invalid signaling options")
	ErrConnected      = errors.New("signaling engine already connected")
)

// Logger is the minimal logging surface the engine needs. A nil Logger
// silences the engine.
type Logger interface {
	Printf(format string, args ...any)
}

// Participant is one roster entry, derived from the channel's presence state.
type Participant struct {
	ID              string
	Name            string
	IsMuted         bool
	IsVideoOff      bool
	IsScreenSharing bool
	IsHost          bool
	JoinedAt        time.Time
}

// RoomState is a point-in-time snapshot of the room. The recording flags are
// last-write-wins across the room; whichever status broadcast a client
// processed last determines its local view.
type RoomState struct {
	Participants       map[string]Participant
	IsRecording        bool
	RecordingStartedAt time.Time
	RecordingStartedBy string
}

// SignalHandler receives signal envelopes of one registered type.
type SignalHandler func(protocol.Signal)

// ParticipantListener observes roster changes. The slice is a snapshot sorted
// by participant id.
type ParticipantListener func([]Participant)

const sendTimeout = 5 * time.Second

// Options configures an Engine.
type Options struct {
	RoomID          string
	ParticipantID   string
	ParticipantName string
	IsHost          bool
	Channel         transport.Channel
	Logger          Logger
}

func (o Options) validate() error {
	if o.RoomID == "" {
		return errors.New("signaling: room id is required")
	}
	if o.ParticipantID == "" {
		return errors.New("signaling: participant id is required")
	}
	if o.ParticipantName == "" {
		return errors.New("signaling: participant name is required")
	}
	if o.Channel == nil {
		return errors.New("signaling: channel is required")
	}
	return nil
}

// Engine owns the roster and room flags for one room id. All methods are safe
// for concurrent use.
type Engine struct {
	roomID  string
	selfID  string
	name    string
	isHost  bool
	channel transport.Channel
	logger  Logger

	mu           sync.Mutex
	connected    bool
	media        protocol.MuteStatus
	joinedAt     time.Time
	participants map[string]Participant
	isRecording  bool
	recStartedAt time.Time
	recStartedBy string

	handlers     map[string]map[int]SignalHandler
	nextHandler  int
	rosterSubs   map[int]ParticipantListener
	nextRosterID int
}

func New(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Join(ErrInvalidOptions, err)
	}
	return &Engine{
		roomID:       opts.RoomID,
		selfID:       opts.ParticipantID,
		name:         opts.ParticipantName,
		isHost:       opts.IsHost,
		channel:      opts.Channel,
		logger:       opts.Logger,
		participants: make(map[string]Participant),
		handlers:     make(map[string]map[int]SignalHandler),
		rosterSubs:   make(map[int]ParticipantListener),
	}, nil
}

// Connect subscribes to the room channel, publishes own presence, and
// announces the join. It returns the subscribe error unchanged; the engine
// stays connectable so the caller may retry.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.connected {
		e.mu.Unlock()
		return ErrConnected
	}
	e.mu.Unlock()

	handlers := transport.Handlers{
		OnBroadcast:     e.handleBroadcast,
		OnPresenceSync:  e.handlePresenceSync,
		OnPresenceJoin:  e.handlePresenceJoin,
		OnPresenceLeave: e.handlePresenceLeave,
	}
	if err := e.channel.Subscribe(ctx, handlers); err != nil {
		return err
	}

	e.mu.Lock()
	e.connected = true
	e.joinedAt = time.Now()
	presence := e.selfPresenceLocked()
	e.mu.Unlock()

	if err := e.track(ctx, presence); err != nil {
		e.logf("signaling %s: track presence: %v", e.roomID, err)
	}
	e.sendSignal(ctx, protocol.Signal{
		Type: protocol.SignalParticipantJoined,
		From: e.selfID,
	})
	return nil
}

// Disconnect announces departure, withdraws presence, and leaves the channel.
// Safe to call at any time, including before Connect or twice in a row.
func (e *Engine) Disconnect(ctx context.Context) {
	e.mu.Lock()
	wasConnected := e.connected
	e.connected = false
	e.participants = make(map[string]Participant)
	e.mu.Unlock()

	if !wasConnected {
		return
	}
	raw, err := protocol.Encode(protocol.Signal{
		Type:      protocol.SignalParticipantLeft,
		From:      e.selfID,
		Timestamp: protocol.NowMillis(),
	})
	if err == nil {
		if err := e.channel.Send(ctx, protocol.EventSignal, raw); err != nil {
			e.logf("signaling %s: announce leave: %v", e.roomID, err)
		}
	}
	if err := e.channel.Untrack(ctx); err != nil {
		e.logf("signaling %s: untrack: %v", e.roomID, err)
	}
	if err := e.channel.Close(); err != nil {
		e.logf("signaling %s: close channel: %v", e.roomID, err)
	}
}

// SendSignal publishes an addressed envelope. Every peer receives it on the
// wire; only the addressee's handlers fire. Calling before Connect logs and
// is a no-op.
func (e *Engine) SendSignal(ctx context.Context, to, signalType string, payload json.RawMessage) {
	e.sendSignal(ctx, protocol.Signal{
		Type:    signalType,
		From:    e.selfID,
		To:      to,
		Payload: payload,
	})
}

// Broadcast publishes an unaddressed envelope processed by all peers.
func (e *Engine) Broadcast(ctx context.Context, signalType string, payload json.RawMessage) {
	e.sendSignal(ctx, protocol.Signal{
		Type:    signalType,
		From:    e.selfID,
		Payload: payload,
	})
}

// UpdateMediaStatus propagates mute/video/screen-share state twice on
// purpose: re-tracked presence reaches peers that resync later, and the
// mute-status broadcast reaches peers that are already connected.
func (e *Engine) UpdateMediaStatus(ctx context.Context, isMuted, isVideoOff, isScreenSharing bool) {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		e.logf("signaling %s: update media status before connect", e.roomID)
		return
	}
	e.media = protocol.MuteStatus{
		IsMuted:         isMuted,
		IsVideoOff:      isVideoOff,
		IsScreenSharing: isScreenSharing,
	}
	if self, ok := e.participants[e.selfID]; ok {
		self.IsMuted = isMuted
		self.IsVideoOff = isVideoOff
		self.IsScreenSharing = isScreenSharing
		e.participants[e.selfID] = self
	}
	presence := e.selfPresenceLocked()
	roster, subs := e.rosterSnapshotLocked()
	e.mu.Unlock()

	notifyRoster(subs, roster)
	if err := e.track(ctx, presence); err != nil {
		e.logf("signaling %s: retrack presence: %v", e.roomID, err)
	}
	payload, err := protocol.Encode(e.mediaStatus())
	if err != nil {
		e.logf("signaling %s: encode mute status: %v", e.roomID, err)
		return
	}
	e.sendSignal(ctx, protocol.Signal{
		Type:    protocol.SignalMuteStatus,
		From:    e.selfID,
		Payload: payload,
	})
}

// UpdateRecordingStatus flips the room's recording flag and broadcasts it.
// Every receiver overwrites its flags unconditionally; concurrent toggles by
// different participants resolve to whichever broadcast arrived last.
func (e *Engine) UpdateRecordingStatus(ctx context.Context, isRecording bool) {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		e.logf("signaling %s: update recording status before connect", e.roomID)
		return
	}
	status := protocol.RecordingStatus{IsRecording: isRecording}
	if isRecording {
		status.StartedAt = protocol.NowMillis()
		status.StartedBy = e.selfID
	}
	e.applyRecordingLocked(status)
	e.mu.Unlock()

	payload, err := protocol.Encode(status)
	if err != nil {
		e.logf("signaling %s: encode recording status: %v", e.roomID, err)
		return
	}
	e.sendSignal(ctx, protocol.Signal{
		Type:    protocol.SignalRecordingStatus,
		From:    e.selfID,
		Payload: payload,
	})
}

// SendChatMessage broadcasts a chat line. Best-effort: not persisted, not
// ordered.
func (e *Engine) SendChatMessage(ctx context.Context, text string) {
	payload, err := protocol.Encode(protocol.Chat{Name: e.name, Text: text})
	if err != nil {
		e.logf("signaling %s: encode chat: %v", e.roomID, err)
		return
	}
	e.sendSignal(ctx, protocol.Signal{
		Type:    protocol.SignalChat,
		From:    e.selfID,
		Payload: payload,
	})
}

// On registers a handler for one signal type and returns an id for Off.
func (e *Engine) On(signalType string, fn SignalHandler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	byID := e.handlers[signalType]
	if byID == nil {
		byID = make(map[int]SignalHandler)
		e.handlers[signalType] = byID
	}
	e.nextHandler++
	byID[e.nextHandler] = fn
	return e.nextHandler
}

func (e *Engine) Off(signalType string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if byID := e.handlers[signalType]; byID != nil {
		delete(byID, id)
	}
}

// OnParticipantChange registers a roster listener and returns an id for
// OffParticipantChange.
func (e *Engine) OnParticipantChange(fn ParticipantListener) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextRosterID++
	e.rosterSubs[e.nextRosterID] = fn
	return e.nextRosterID
}

func (e *Engine) OffParticipantChange(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rosterSubs, id)
}

// Participants returns the roster sorted by participant id.
func (e *Engine) Participants() []Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	roster, _ := e.rosterSnapshotLocked()
	return roster
}

func (e *Engine) RoomState() RoomState {
	e.mu.Lock()
	defer e.mu.Unlock()
	participants := make(map[string]Participant, len(e.participants))
	for id, p := range e.participants {
		participants[id] = p
	}
	return RoomState{
		Participants:       participants,
		IsRecording:        e.isRecording,
		RecordingStartedAt: e.recStartedAt,
		RecordingStartedBy: e.recStartedBy,
	}
}

func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Engine) handleBroadcast(event string, payload []byte) {
	if event != protocol.EventSignal {
		e.logf("signaling %s: dropping message with unknown event %q", e.roomID, event)
		return
	}
	msg, err := protocol.DecodeSignal(payload)
	if err != nil {
		e.logf("signaling %s: dropping signal: %v", e.roomID, err)
		return
	}
	if msg.From == e.selfID {
		return
	}
	if msg.To != "" && msg.To != e.selfID {
		return
	}

	switch msg.Type {
	case protocol.SignalMuteStatus:
		e.applyMuteStatus(msg)
	case protocol.SignalRecordingStatus:
		e.applyRecordingStatus(msg)
	}
	e.dispatch(msg)
}

func (e *Engine) applyMuteStatus(msg protocol.Signal) {
	status, err := protocol.DecodeMuteStatus(msg.Payload)
	if err != nil {
		e.logf("signaling %s: dropping mute status from %s: %v", e.roomID, msg.From, err)
		return
	}
	e.mu.Lock()
	p, ok := e.participants[msg.From]
	if !ok {
		e.mu.Unlock()
		return
	}
	p.IsMuted = status.IsMuted
	p.IsVideoOff = status.IsVideoOff
	p.IsScreenSharing = status.IsScreenSharing
	e.participants[msg.From] = p
	roster, subs := e.rosterSnapshotLocked()
	e.mu.Unlock()
	notifyRoster(subs, roster)
}

func (e *Engine) applyRecordingStatus(msg protocol.Signal) {
	status, err := protocol.DecodeRecordingStatus(msg.Payload)
	if err != nil {
		e.logf("signaling %s: dropping recording status from %s: %v", e.roomID, msg.From, err)
		return
	}
	e.mu.Lock()
	e.applyRecordingLocked(status)
	e.mu.Unlock()
}

func (e *Engine) applyRecordingLocked(status protocol.RecordingStatus) {
	e.isRecording = status.IsRecording
	if status.IsRecording {
		e.recStartedAt = time.UnixMilli(status.StartedAt)
		e.recStartedBy = status.StartedBy
	} else {
		e.recStartedAt = time.Time{}
		e.recStartedBy = ""
	}
}

// handlePresenceSync rebuilds the roster wholesale from the transport's
// presence state. Missed join or leave events self-correct here.
func (e *Engine) handlePresenceSync() {
	roster := e.channel.PresenceState()

	e.mu.Lock()
	next := make(map[string]Participant, len(roster))
	for key, payload := range roster {
		p, err := protocol.DecodeCallPresence(payload)
		if err != nil {
			e.logf("signaling %s: ignoring presence payload for %s: %v", e.roomID, key, err)
			continue
		}
		next[p.ID] = participantFromPresence(p)
	}
	e.participants = next
	snapshot, subs := e.rosterSnapshotLocked()
	e.mu.Unlock()
	notifyRoster(subs, snapshot)
}

func (e *Engine) handlePresenceJoin(key string, payload []byte) {
	p, err := protocol.DecodeCallPresence(payload)
	if err != nil {
		e.logf("signaling %s: ignoring join payload for %s: %v", e.roomID, key, err)
		return
	}
	e.mu.Lock()
	e.participants[p.ID] = participantFromPresence(p)
	roster, subs := e.rosterSnapshotLocked()
	e.mu.Unlock()
	notifyRoster(subs, roster)
}

// handlePresenceLeave removes the departing participant immediately rather
// than waiting for the next sync.
func (e *Engine) handlePresenceLeave(key string, payload []byte) {
	id := key
	if p, err := protocol.DecodeCallPresence(payload); err == nil {
		id = p.ID
	}
	e.mu.Lock()
	if _, ok := e.participants[id]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.participants, id)
	roster, subs := e.rosterSnapshotLocked()
	e.mu.Unlock()
	notifyRoster(subs, roster)
}

func (e *Engine) dispatch(msg protocol.Signal) {
	e.mu.Lock()
	byID := e.handlers[msg.Type]
	fns := make([]SignalHandler, 0, len(byID))
	for _, fn := range byID {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (e *Engine) sendSignal(ctx context.Context, msg protocol.Signal) {
	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()
	if !connected {
		e.logf("signaling %s: send %q before connect", e.roomID, msg.Type)
		return
	}
	msg.Timestamp = protocol.NowMillis()
	raw, err := protocol.Encode(msg)
	if err != nil {
		e.logf("signaling %s: encode %q: %v", e.roomID, msg.Type, err)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := e.channel.Send(sendCtx, protocol.EventSignal, raw); err != nil {
		e.logf("signaling %s: send %q: %v", e.roomID, msg.Type, err)
	}
}

func (e *Engine) track(ctx context.Context, presence protocol.CallPresence) error {
	raw, err := protocol.Encode(presence)
	if err != nil {
		return err
	}
	trackCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return e.channel.Track(trackCtx, raw)
}

func (e *Engine) selfPresenceLocked() protocol.CallPresence {
	return protocol.CallPresence{
		ID:              e.selfID,
		Name:            e.name,
		IsMuted:         e.media.IsMuted,
		IsVideoOff:      e.media.IsVideoOff,
		IsScreenSharing: e.media.IsScreenSharing,
		IsHost:          e.isHost,
		JoinedAt:        e.joinedAt.UnixMilli(),
	}
}

func (e *Engine) mediaStatus() protocol.MuteStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.media
}

func (e *Engine) rosterSnapshotLocked() ([]Participant, []ParticipantListener) {
	roster := make([]Participant, 0, len(e.participants))
	for _, p := range e.participants {
		roster = append(roster, p)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	subs := make([]ParticipantListener, 0, len(e.rosterSubs))
	for _, fn := range e.rosterSubs {
		subs = append(subs, fn)
	}
	return roster, subs
}

func participantFromPresence(p protocol.CallPresence) Participant {
	return Participant{
		ID:              p.ID,
		Name:            p.Name,
		IsMuted:         p.IsMuted,
		IsVideoOff:      p.IsVideoOff,
		IsScreenSharing: p.IsScreenSharing,
		IsHost:          p.IsHost,
		JoinedAt:        time.UnixMilli(p.JoinedAt),
	}
}

func notifyRoster(subs []ParticipantListener, roster []Participant) {
	for _, fn := range subs {
		fn(roster)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
