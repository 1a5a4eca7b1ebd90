// Package checkpoint persists CRDT document snapshots so that fresh joiners
// can bootstrap without full peer history. A checkpoint is scoped per
// document id and written only by that document's local engine instance;
// cross-client convergence is handled by CRDT merge, not by the store.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("checkpoint store unavailable")
)

// Checkpoint is one persisted document snapshot. State is the opaque encoded
// CRDT state; RenderedText is the human-readable rendering stored alongside
// it for product surfaces that need plain text without a CRDT runtime.
type Checkpoint struct {
	State        []byte
	RenderedText string
	UpdatedAt    time.Time
}

// Store loads and saves checkpoints. Load returns (nil, nil) when no
// checkpoint exists for the document.
type Store interface {
	Load(ctx context.Context, documentID string) (*Checkpoint, error)
	Save(ctx context.Context, documentID string, cp Checkpoint) error
}

// MemoryStore is an in-process Store used by tests and single-process runs.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Checkpoint

	// SaveErr, when set, is returned by every Save. Test hook.
	SaveErr error
	saves   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]Checkpoint{}}
}

func (s *MemoryStore) Load(ctx context.Context, documentID string) (*Checkpoint, error) {
	if documentID == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.items[documentID]
	if !ok {
		return nil, nil
	}
	out := cp
	out.State = append([]byte(nil), cp.State...)
	return &out, nil
}

func (s *MemoryStore) Save(ctx context.Context, documentID string, cp Checkpoint) error {
	if documentID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	cp.State = append([]byte(nil), cp.State...)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.items[documentID] = cp
	s.saves++
	return nil
}

// SaveCount reports how many saves succeeded. Test hook.
func (s *MemoryStore) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
