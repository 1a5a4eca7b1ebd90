// Package media provides an ownership-tracked handle for a shared device
// stream. Exactly one owner holds the stream at a time; later acquirers wait
// their turn instead of reaching for ambient global state.
package media

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed       = errors.New("media registry closed")
	ErrNotOwner     = errors.New("caller does not own the stream")
	ErrInvalidInput = errors.New("invalid media registry input")
)

// Stream is whatever device resource the registry guards. The registry never
// inspects it.
type Stream interface {
	Close() error
}

// OpenFunc opens the underlying device stream. It is called once per
// ownership span: on the first Acquire, and again after a Release that
// closed the stream.
type OpenFunc func(ctx context.Context) (Stream, error)

// Registry hands the device stream to one owner at a time. Acquire blocks
// until the stream is free or the context ends.
type Registry struct {
	open OpenFunc

	mu      sync.Mutex
	closed  bool
	ownerID string
	stream  Stream
	waiters []chan struct{}
}

func NewRegistry(open OpenFunc) (*Registry, error) {
	if open == nil {
		return nil, ErrInvalidInput
	}
	return &Registry{open: open}, nil
}

// Handle is proof of ownership. Release returns the stream to the registry
// and wakes the next waiter; a second Release is a no-op.
type Handle struct {
	registry *Registry
	ownerID  string

	once sync.Once
}

// Acquire blocks until the stream is free, opens it if needed, and transfers
// ownership to ownerID. The same owner acquiring twice without releasing is
// rejected rather than deadlocked.
func (r *Registry) Acquire(ctx context.Context, ownerID string) (*Handle, Stream, error) {
	if ownerID == "" {
		return nil, nil, ErrInvalidInput
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, nil, ErrClosed
		}
		if r.ownerID == ownerID {
			r.mu.Unlock()
			return nil, nil, errors.New("media: owner already holds the stream")
		}
		if r.ownerID == "" {
			if r.stream == nil {
				stream, err := r.open(ctx)
				if err != nil {
					r.mu.Unlock()
					return nil, nil, err
				}
				r.stream = stream
			}
			r.ownerID = ownerID
			stream := r.stream
			r.mu.Unlock()
			return &Handle{registry: r, ownerID: ownerID}, stream, nil
		}
		wait := make(chan struct{})
		r.waiters = append(r.waiters, wait)
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			r.dropWaiter(wait)
			return nil, nil, ctx.Err()
		case <-wait:
		}
	}
}

// Owner reports who currently holds the stream, empty when free.
func (r *Registry) Owner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerID
}

// Close shuts the registry down: the stream is closed, every blocked Acquire
// returns ErrClosed, and outstanding handles release harmlessly.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.ownerID = ""
	stream := r.stream
	r.stream = nil
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()

	for _, wait := range waiters {
		close(wait)
	}
	if stream != nil {
		return stream.Close()
	}
	return nil
}

func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		err = h.registry.release(h.ownerID)
	})
	return err
}

func (r *Registry) release(ownerID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if r.ownerID != ownerID {
		r.mu.Unlock()
		return ErrNotOwner
	}
	r.ownerID = ""
	var next chan struct{}
	if len(r.waiters) > 0 {
		next = r.waiters[0]
		r.waiters = r.waiters[1:]
	}
	var stream Stream
	if next == nil {
		// Nobody is waiting; shut the device off until the next Acquire.
		stream = r.stream
		r.stream = nil
	}
	r.mu.Unlock()

	if next != nil {
		close(next)
	}
	if stream != nil {
		return stream.Close()
	}
	return nil
}

func (r *Registry) dropWaiter(wait chan struct{}) {
	r.mu.Lock()
	for i, w := range r.waiters {
		if w == wait {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}
