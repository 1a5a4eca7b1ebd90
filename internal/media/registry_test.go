package media

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStream struct {
	closed atomic.Bool
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *atomic.Int32) {
	t.Helper()
	var opens atomic.Int32
	reg, err := NewRegistry(func(context.Context) (Stream, error) {
		opens.Add(1)
		return &fakeStream{}, nil
	})
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	return reg, &opens
}

func TestAcquireReleaseTransfersOwnership(t *testing.T) {
	reg, opens := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	handle, stream, err := reg.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if stream == nil || reg.Owner() != "a" {
		t.Fatalf("ownership not transferred, owner=%q", reg.Owner())
	}
	if opens.Load() != 1 {
		t.Fatalf("expected one open, got %d", opens.Load())
	}

	if err := handle.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if reg.Owner() != "" {
		t.Fatalf("owner not cleared after release")
	}
	if !stream.(*fakeStream).closed.Load() {
		t.Fatalf("idle stream left open after release")
	}
	if err := handle.Release(); err != nil {
		t.Fatalf("second release must be a no-op, got %v", err)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	reg, _ := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	first, firstStream, err := reg.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("acquire a failed: %v", err)
	}

	got := make(chan Stream, 1)
	go func() {
		_, stream, err := reg.Acquire(ctx, "b")
		if err != nil {
			t.Errorf("acquire b failed: %v", err)
		}
		got <- stream
	}()

	select {
	case <-got:
		t.Fatalf("second acquire did not block")
	case <-time.After(20 * time.Millisecond):
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	select {
	case stream := <-got:
		if stream == nil {
			t.Fatalf("waiter got nil stream")
		}
		// Handoff to a waiter keeps the device open.
		if firstStream.(*fakeStream).closed.Load() {
			t.Fatalf("stream closed during handoff")
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not woken by release")
	}
	if reg.Owner() != "b" {
		t.Fatalf("expected owner b, got %q", reg.Owner())
	}
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	reg, _ := newTestRegistry(t)
	defer reg.Close()

	handle, _, err := reg.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer handle.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := reg.Acquire(ctx, "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestDoubleAcquireBySameOwnerRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	handle, _, err := reg.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer handle.Release()

	if _, _, err := reg.Acquire(ctx, "a"); err == nil {
		t.Fatalf("expected re-acquire by owner to fail")
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, stream, err := reg.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, _, err := reg.Acquire(ctx, "b")
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)

	if err := reg.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed for waiter, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not woken by close")
	}
	if !stream.(*fakeStream).closed.Load() {
		t.Fatalf("stream left open after close")
	}
	if _, _, err := reg.Acquire(ctx, "c"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestOpenErrorPropagates(t *testing.T) {
	boom := errors.New("device busy")
	reg, err := NewRegistry(func(context.Context) (Stream, error) { return nil, boom })
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	defer reg.Close()

	if _, _, err := reg.Acquire(context.Background(), "a"); !errors.Is(err, boom) {
		t.Fatalf("expected open error, got %v", err)
	}
	if reg.Owner() != "" {
		t.Fatalf("failed open must not assign ownership")
	}
}
