// Package crdt wraps the automerge document behind a three-call primitive:
// apply an update, encode full state, and observe updates with an origin tag.
// Merge semantics are automerge's own; nothing here reimplements them.
package crdt

import (
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

var ErrInvalidSplice = errors.New("invalid splice bounds")

// Origin marks whether an update came from local input or was applied from
// the network. Remote-origin updates must never be re-published.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// UpdateHandler observes one applied delta. Handlers run synchronously after
// the delta has been applied and must not mutate the document.
type UpdateHandler func(delta []byte, origin Origin)

const contentKey = "content"

// Doc owns one collaborative text document. The text lives at the root key
// "content" and is created lazily on the first local edit, so a fresh replica
// that never typed anything adopts whatever content arrives from a checkpoint
// or a peer instead of competing with its own empty text object.
type Doc struct {
	mu       sync.Mutex
	inner    *automerge.Doc
	hooks    map[int]UpdateHandler
	nextHook int
}

func New() *Doc {
	return &Doc{inner: automerge.New(), hooks: map[int]UpdateHandler{}}
}

// Load builds a Doc from previously encoded state.
func Load(state []byte) (*Doc, error) {
	inner, err := automerge.Load(state)
	if err != nil {
		return nil, err
	}
	return &Doc{inner: inner, hooks: map[int]UpdateHandler{}}, nil
}

// SetActorHex pins the document's actor id; hex must be lowercase hex of at
// least one byte. Engines use this to tie deltas to their client id.
func (d *Doc) SetActorHex(hex string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.SetActorID(hex)
}

// NewActorHex returns a fresh random actor id in the form SetActorHex wants.
func NewActorHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// EncodeState encodes the full document state, suitable for Load,
// ApplyRemote on another replica, or checkpointing.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.Save()
}

// ApplyRemote merges a delta (incremental update or full encoded state)
// received from the network. The update is surfaced to hooks with
// OriginRemote and is never counted as local pending changes.
func (d *Doc) ApplyRemote(delta []byte) error {
	d.mu.Lock()
	if err := d.inner.LoadIncremental(delta); err != nil {
		d.mu.Unlock()
		return err
	}
	// Reset the incremental cursor so remote changes are not swept into the
	// next local delta.
	_ = d.inner.SaveIncremental()
	hooks := d.snapshotHooksLocked()
	d.mu.Unlock()

	for _, hook := range hooks {
		hook(delta, OriginRemote)
	}
	return nil
}

// SetText replaces the whole document text as one local change.
func (d *Doc) SetText(text string) error {
	d.mu.Lock()
	t, err := d.ensureTextLocked()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	current, err := t.Get()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if current == text {
		d.mu.Unlock()
		return nil
	}
	if n := utf8.RuneCountInString(current); n > 0 {
		if err := t.Delete(0, n); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	if text != "" {
		if err := t.Insert(0, text); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	return d.emitLocalLocked()
}

// SpliceText deletes del code points at pos, then inserts ins there, as one
// local change.
func (d *Doc) SpliceText(pos, del int, ins string) error {
	if pos < 0 || del < 0 {
		return ErrInvalidSplice
	}
	d.mu.Lock()
	t, err := d.ensureTextLocked()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if del > 0 {
		if err := t.Delete(pos, del); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	if ins != "" {
		if err := t.Insert(pos, ins); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	return d.emitLocalLocked()
}

// Text renders the document as plain text. A replica with no content yet
// renders as the empty string.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, err := d.inner.RootMap().Get(contentKey)
	if err != nil || value.Kind() != automerge.KindText {
		return ""
	}
	text, err := value.Text().Get()
	if err != nil {
		return ""
	}
	return text
}

// OnUpdate registers a hook observing every applied delta. The returned
// function removes the hook; calling it more than once is harmless.
func (d *Doc) OnUpdate(fn UpdateHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextHook
	d.nextHook++
	d.hooks[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.hooks, id)
	}
}

// emitLocalLocked captures pending local changes as one delta and fires
// hooks. It releases d.mu before invoking them.
func (d *Doc) emitLocalLocked() error {
	delta := d.inner.SaveIncremental()
	hooks := d.snapshotHooksLocked()
	d.mu.Unlock()
	if len(delta) == 0 {
		return nil
	}
	for _, hook := range hooks {
		hook(delta, OriginLocal)
	}
	return nil
}

func (d *Doc) ensureTextLocked() (*automerge.Text, error) {
	value, err := d.inner.RootMap().Get(contentKey)
	if err != nil {
		return nil, err
	}
	if value.Kind() == automerge.KindText {
		return value.Text(), nil
	}
	t := automerge.NewText("")
	if err := d.inner.RootMap().Set(contentKey, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Doc) snapshotHooksLocked() []UpdateHandler {
	hooks := make([]UpdateHandler, 0, len(d.hooks))
	for _, hook := range d.hooks {
		hooks = append(hooks, hook)
	}
	return hooks
}
