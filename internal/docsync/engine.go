// Package docsync keeps a local CRDT document convergent with every peer
// subscribed to the same document id, and with a periodically checkpointed
// durable copy. It assumes nothing about message ordering or deduplication:
// CRDT merge is idempotent and commutative, and a fresh joiner catches up via
// the checkpoint plus a direct reply from any already-synced peer.
package docsync

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lessonloop/realtime/internal/checkpoint"
	"github.com/lessonloop/realtime/internal/codec"
	"github.com/lessonloop/realtime/internal/crdt"
	"github.com/lessonloop/realtime/internal/protocol"
	"github.com/lessonloop/realtime/internal/transport"
)

var (
	ErrInvalidOptions = errors.New("invalid engine options")
	ErrDestroyed      = errors.New("engine is destroyed")
	ErrConnected      = errors.New("engine is already connected")
)

type Logger interface {
	Printf(format string, args ...any)
}

// State is the engine lifecycle. Destroyed is terminal.
type State int

const (
	StateConnecting State = iota
	StateBootstrapping
	StateSynced
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBootstrapping:
		return "bootstrapping"
	case StateSynced:
		return "synced"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// AwarenessEntry is one client's ephemeral UI state. Entries are
// last-write-wins per client id and are removed when the owning client
// leaves; they are never merged through the CRDT.
type AwarenessEntry struct {
	ClientID string
	UserID   string
	Name     string
	Color    string
	Cursor   *protocol.Cursor
}

// AwarenessUpdate is a partial update to the local client's awareness entry;
// nil fields are left unchanged.
type AwarenessUpdate struct {
	Name   *string
	Color  *string
	Cursor *protocol.Cursor
}

type AwarenessListener func([]AwarenessEntry)

const (
	defaultDebounceInterval = time.Second
	defaultSaveTimeout      = 5 * time.Second
)

type Options struct {
	DocumentID string
	UserID     string
	UserName   string
	UserColor  string

	Channel transport.Channel
	Store   checkpoint.Store
	Logger  Logger

	// DebounceInterval is how long a burst of local edits is coalesced
	// before one checkpoint write. Default 1s.
	DebounceInterval time.Duration
	// SaveTimeout bounds each checkpoint write. Default 5s.
	SaveTimeout time.Duration

	// ClientID overrides the generated client id. Tests only.
	ClientID string

	OnSynced          func()
	OnAwarenessUpdate AwarenessListener
}

// Engine is one client's replica of one shared document.
type Engine struct {
	documentID string
	userID     string
	userName   string
	userColor  string
	clientID   string

	channel transport.Channel
	store   checkpoint.Store
	logger  Logger

	debounceInterval time.Duration
	saveTimeout      time.Duration
	onSynced         func()

	doc        *crdt.Doc
	removeHook func()

	mu           sync.Mutex
	state        State
	synced       bool
	dirty        bool
	saveTimer    *time.Timer
	awareness    map[string]AwarenessEntry
	listeners    map[int]AwarenessListener
	nextListener int
}

// New validates options and prepares an engine in the Connecting state. No
// I/O happens until Connect.
func New(doc *crdt.Doc, opts Options) (*Engine, error) {
	if doc == nil || opts.Channel == nil || opts.Store == nil {
		return nil, ErrInvalidOptions
	}
	if strings.TrimSpace(opts.DocumentID) == "" || strings.TrimSpace(opts.UserID) == "" {
		return nil, ErrInvalidOptions
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	debounce := opts.DebounceInterval
	if debounce <= 0 {
		debounce = defaultDebounceInterval
	}
	saveTimeout := opts.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}

	e := &Engine{
		documentID:       opts.DocumentID,
		userID:           opts.UserID,
		userName:         opts.UserName,
		userColor:        opts.UserColor,
		clientID:         clientID,
		channel:          opts.Channel,
		store:            opts.Store,
		logger:           opts.Logger,
		debounceInterval: debounce,
		saveTimeout:      saveTimeout,
		onSynced:         opts.OnSynced,
		doc:              doc,
		state:            StateConnecting,
		awareness:        map[string]AwarenessEntry{},
		listeners:        map[int]AwarenessListener{},
	}
	if opts.OnAwarenessUpdate != nil {
		e.listeners[e.nextListener] = opts.OnAwarenessUpdate
		e.nextListener++
	}
	// Tie the document's actor to this client when the id is uuid-shaped.
	if hex := strings.ReplaceAll(clientID, "-", ""); isHex(hex) {
		if err := doc.SetActorHex(hex); err != nil {
			e.logf("docsync %s: set actor id: %v", opts.DocumentID, err)
		}
	}
	return e, nil
}

// Connect subscribes to the document channel and bootstraps: track presence,
// apply the persisted checkpoint if any, invite an already-synced peer to
// reply with newer state, then report synced. Checkpoint-or-empty is always
// a valid starting state, so Connect succeeds with no peers online.
//
// A failed subscribe leaves the engine connectable again.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateDestroyed:
		e.mu.Unlock()
		return ErrDestroyed
	case StateBootstrapping, StateSynced:
		e.mu.Unlock()
		return ErrConnected
	}
	e.mu.Unlock()

	handlers := transport.Handlers{
		OnBroadcast:     e.handleBroadcast,
		OnPresenceSync:  e.handlePresenceSync,
		OnPresenceLeave: e.handlePresenceLeave,
	}
	if err := e.channel.Subscribe(ctx, handlers); err != nil {
		return err
	}

	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	e.state = StateBootstrapping
	e.mu.Unlock()

	if e.removeHook == nil {
		e.removeHook = e.doc.OnUpdate(e.handleDocUpdate)
	}

	presence, err := protocol.Encode(protocol.DocPresence{
		ClientID: e.clientID,
		UserID:   e.userID,
		Name:     e.userName,
		Color:    e.userColor,
	})
	if err == nil {
		if err := e.channel.Track(ctx, presence); err != nil {
			e.logf("docsync %s: track presence: %v", e.documentID, err)
		}
	}

	cp, err := e.store.Load(ctx, e.documentID)
	if err != nil {
		e.logf("docsync %s: checkpoint load failed, starting empty: %v", e.documentID, err)
	} else if cp != nil && len(cp.State) > 0 {
		if err := e.doc.ApplyRemote(cp.State); err != nil {
			e.logf("docsync %s: checkpoint apply failed, starting empty: %v", e.documentID, err)
		}
	}

	e.send(ctx, protocol.EventSyncRequest, protocol.SyncRequest{ClientID: e.clientID})

	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	e.state = StateSynced
	e.synced = true
	onSynced := e.onSynced
	e.mu.Unlock()

	if onSynced != nil {
		onSynced()
	}
	return nil
}

func (e *Engine) ClientID() string { return e.clientID }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Synced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}

// handleDocUpdate reacts to document deltas. Remote-origin deltas were
// already applied by the network path and must never be re-published.
func (e *Engine) handleDocUpdate(delta []byte, origin crdt.Origin) {
	if origin == crdt.OriginRemote {
		return
	}
	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return
	}
	e.dirty = true
	e.scheduleSaveLocked()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.saveTimeout)
	defer cancel()
	e.send(ctx, protocol.EventDocUpdate, protocol.DocUpdate{
		ClientID: e.clientID,
		Delta:    codec.Encode(delta),
	})
}

func (e *Engine) handleBroadcast(event string, payload []byte) {
	switch event {
	case protocol.EventDocUpdate:
		e.handleRemoteUpdate(payload)
	case protocol.EventSyncRequest:
		e.handleSyncRequest(payload)
	case protocol.EventSyncResponse:
		e.handleSyncResponse(payload)
	case protocol.EventAwareness:
		e.handleAwareness(payload)
	default:
		e.logf("docsync %s: dropping message with unknown event %q", e.documentID, event)
	}
}

func (e *Engine) handleRemoteUpdate(payload []byte) {
	msg, err := protocol.DecodeDocUpdate(payload)
	if err != nil {
		e.logf("docsync %s: dropping doc-update: %v", e.documentID, err)
		return
	}
	if msg.ClientID == e.clientID {
		return
	}
	delta, err := codec.Decode(msg.Delta)
	if err != nil {
		e.logf("docsync %s: dropping doc-update from %s: %v", e.documentID, msg.ClientID, err)
		return
	}
	if e.destroyed() {
		return
	}
	if err := e.doc.ApplyRemote(delta); err != nil {
		e.logf("docsync %s: dropping unappliable delta from %s: %v", e.documentID, msg.ClientID, err)
	}
}

// handleSyncRequest answers a fresh joiner directly with a full snapshot.
// Announcing costs O(peers); only synced peers reply, and the reply is
// addressed so other peers ignore it.
func (e *Engine) handleSyncRequest(payload []byte) {
	msg, err := protocol.DecodeSyncRequest(payload)
	if err != nil {
		e.logf("docsync %s: dropping sync-request: %v", e.documentID, err)
		return
	}
	if msg.ClientID == e.clientID || !e.Synced() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.saveTimeout)
	defer cancel()
	e.send(ctx, protocol.EventSyncResponse, protocol.SyncResponse{
		ClientID:       e.clientID,
		TargetClientID: msg.ClientID,
		State:          codec.Encode(e.doc.EncodeState()),
	})
}

func (e *Engine) handleSyncResponse(payload []byte) {
	msg, err := protocol.DecodeSyncResponse(payload)
	if err != nil {
		e.logf("docsync %s: dropping sync-response: %v", e.documentID, err)
		return
	}
	if msg.TargetClientID != e.clientID {
		return
	}
	if e.destroyed() {
		return
	}
	state, err := codec.Decode(msg.State)
	if err != nil {
		e.logf("docsync %s: dropping sync-response from %s: %v", e.documentID, msg.ClientID, err)
		return
	}
	if err := e.doc.ApplyRemote(state); err != nil {
		e.logf("docsync %s: dropping unappliable sync-response from %s: %v", e.documentID, msg.ClientID, err)
	}
}

func (e *Engine) handleAwareness(payload []byte) {
	msg, err := protocol.DecodeAwareness(payload)
	if err != nil {
		e.logf("docsync %s: dropping awareness: %v", e.documentID, err)
		return
	}
	if msg.ClientID == e.clientID {
		return
	}
	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return
	}
	e.awareness[msg.ClientID] = AwarenessEntry{
		ClientID: msg.ClientID,
		UserID:   msg.User.UserID,
		Name:     msg.User.Name,
		Color:    msg.User.Color,
		Cursor:   msg.User.Cursor,
	}
	entries, listeners := e.awarenessSnapshotLocked()
	e.mu.Unlock()
	notifyAwareness(listeners, entries)
}

// handlePresenceSync reconciles the awareness roster with the transport's
// authoritative presence state: stale entries go, newly present clients
// appear, and cursors already learned through awareness messages survive.
func (e *Engine) handlePresenceSync() {
	roster := e.channel.PresenceState()

	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return
	}
	next := make(map[string]AwarenessEntry, len(roster))
	changed := false
	for key, payload := range roster {
		p, err := protocol.DecodeDocPresence(payload)
		if err != nil {
			e.logf("docsync %s: ignoring presence payload for %s: %v", e.documentID, key, err)
			continue
		}
		entry := AwarenessEntry{
			ClientID: p.ClientID,
			UserID:   p.UserID,
			Name:     p.Name,
			Color:    p.Color,
		}
		if existing, ok := e.awareness[p.ClientID]; ok {
			entry.Cursor = existing.Cursor
		} else {
			changed = true
		}
		next[p.ClientID] = entry
	}
	if len(next) != len(e.awareness) {
		changed = true
	}
	e.awareness = next
	var entries []AwarenessEntry
	var listeners []AwarenessListener
	if changed {
		entries, listeners = e.awarenessSnapshotLocked()
	}
	e.mu.Unlock()
	if changed {
		notifyAwareness(listeners, entries)
	}
}

func (e *Engine) handlePresenceLeave(key string, _ []byte) {
	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return
	}
	if _, ok := e.awareness[key]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.awareness, key)
	entries, listeners := e.awarenessSnapshotLocked()
	e.mu.Unlock()
	notifyAwareness(listeners, entries)
}

// SetAwareness updates the local client's awareness entry and broadcasts it.
// Listeners fire synchronously, including for one's own change.
func (e *Engine) SetAwareness(update AwarenessUpdate) {
	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return
	}
	entry, ok := e.awareness[e.clientID]
	if !ok {
		entry = AwarenessEntry{
			ClientID: e.clientID,
			UserID:   e.userID,
			Name:     e.userName,
			Color:    e.userColor,
		}
	}
	if update.Name != nil {
		entry.Name = *update.Name
	}
	if update.Color != nil {
		entry.Color = *update.Color
	}
	if update.Cursor != nil {
		entry.Cursor = update.Cursor
	}
	e.awareness[e.clientID] = entry
	entries, listeners := e.awarenessSnapshotLocked()
	e.mu.Unlock()

	notifyAwareness(listeners, entries)

	ctx, cancel := context.WithTimeout(context.Background(), e.saveTimeout)
	defer cancel()
	e.send(ctx, protocol.EventAwareness, protocol.Awareness{
		ClientID: e.clientID,
		User: protocol.AwarenessUser{
			UserID: entry.UserID,
			Name:   entry.Name,
			Color:  entry.Color,
			Cursor: entry.Cursor,
		},
	})
}

// OnAwarenessChange registers a listener and returns its handle for
// OffAwarenessChange.
func (e *Engine) OnAwarenessChange(fn AwarenessListener) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	return id
}

func (e *Engine) OffAwarenessChange(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, id)
}

// Awareness returns the current awareness entries sorted by client id.
func (e *Engine) Awareness() []AwarenessEntry {
	e.mu.Lock()
	entries, _ := e.awarenessSnapshotLocked()
	e.mu.Unlock()
	return entries
}

func (e *Engine) awarenessSnapshotLocked() ([]AwarenessEntry, []AwarenessListener) {
	entries := make([]AwarenessEntry, 0, len(e.awareness))
	for _, entry := range e.awareness {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	listeners := make([]AwarenessListener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	return entries, listeners
}

func notifyAwareness(listeners []AwarenessListener, entries []AwarenessEntry) {
	for _, fn := range listeners {
		fn(entries)
	}
}

// scheduleSaveLocked arms or re-arms the single debounce timer; each new
// local change pushes the write further out so an edit burst costs one save.
func (e *Engine) scheduleSaveLocked() {
	if e.saveTimer == nil {
		e.saveTimer = time.AfterFunc(e.debounceInterval, e.debouncedSave)
		return
	}
	e.saveTimer.Reset(e.debounceInterval)
}

func (e *Engine) debouncedSave() {
	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return
	}
	e.saveTimer = nil
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.saveTimeout)
	defer cancel()
	if err := e.persist(ctx); err != nil {
		// Not retried here; the next debounce cycle writes fresh state.
		e.logf("docsync %s: checkpoint save failed: %v", e.documentID, err)
	}
}

// ForceSave cancels any pending debounce and persists immediately.
func (e *Engine) ForceSave(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	if e.saveTimer != nil {
		e.saveTimer.Stop()
		e.saveTimer = nil
	}
	e.mu.Unlock()
	return e.persist(ctx)
}

func (e *Engine) persist(ctx context.Context) error {
	cp := checkpoint.Checkpoint{
		State:        e.doc.EncodeState(),
		RenderedText: e.doc.Text(),
	}
	if err := e.store.Save(ctx, e.documentID, cp); err != nil {
		return err
	}
	e.mu.Lock()
	e.dirty = false
	e.mu.Unlock()
	return nil
}

// Destroy flushes pending persistence, detaches the document hook, leaves
// the channel, and clears awareness. Destroy is idempotent and safe to call
// in any state, including mid-bootstrap; late-arriving messages are dropped
// silently.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = StateDestroyed
	e.synced = false
	dirty := e.dirty
	if e.saveTimer != nil {
		e.saveTimer.Stop()
		e.saveTimer = nil
	}
	e.awareness = map[string]AwarenessEntry{}
	e.mu.Unlock()

	if e.removeHook != nil {
		e.removeHook()
		e.removeHook = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.saveTimeout)
	defer cancel()
	if dirty {
		if err := e.persist(ctx); err != nil {
			e.logf("docsync %s: final checkpoint save failed: %v", e.documentID, err)
		}
	}
	if prev != StateConnecting {
		if err := e.channel.Untrack(ctx); err != nil {
			e.logf("docsync %s: untrack: %v", e.documentID, err)
		}
	}
	if err := e.channel.Close(); err != nil {
		e.logf("docsync %s: close channel: %v", e.documentID, err)
	}
}

func (e *Engine) send(ctx context.Context, event string, msg any) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		e.logf("docsync %s: encode %s: %v", e.documentID, event, err)
		return
	}
	if err := e.channel.Send(ctx, event, raw); err != nil {
		e.logf("docsync %s: send %s: %v", e.documentID, event, err)
	}
}

func (e *Engine) destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateDestroyed
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
