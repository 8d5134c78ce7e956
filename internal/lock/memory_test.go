package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestMemoryManager(start time.Time) (*MemoryManager, *time.Time) {
	current := start
	m := NewMemoryManager()
	m.now = func() time.Time { return current }
	return m, &current
}

func TestMemoryAcquireConflict(t *testing.T) {
	m, _ := newTestMemoryManager(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	held, err := m.Acquire(ctx, "doc-1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if held.LockedBy != "alice" {
		t.Errorf("expected holder alice, got %s", held.LockedBy)
	}

	_, err = m.Acquire(ctx, "doc-1", "bob", time.Minute)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Held.LockedBy != "alice" {
		t.Errorf("expected competing holder alice, got %s", conflict.Held.LockedBy)
	}
	if !errors.Is(err, ErrConflict) {
		t.Error("expected conflict error to unwrap to ErrConflict")
	}
}

func TestMemoryReentrantAcquireKeepsLockedAt(t *testing.T) {
	m, clock := newTestMemoryManager(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, err := m.Acquire(ctx, "doc-1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	*clock = clock.Add(30 * time.Second)
	second, err := m.Acquire(ctx, "doc-1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("re-entrant Acquire failed: %v", err)
	}
	if !second.LockedAt.Equal(first.LockedAt) {
		t.Errorf("expected LockedAt %v preserved, got %v", first.LockedAt, second.LockedAt)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Errorf("expected refreshed expiry after %v, got %v", first.ExpiresAt, second.ExpiresAt)
	}
}

func TestMemoryLazyExpiration(t *testing.T) {
	m, clock := newTestMemoryManager(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "doc-1", "alice", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	*clock = clock.Add(2 * time.Minute)

	status, err := m.Status(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != nil {
		t.Fatalf("expected expired lock to read as absent, got %+v", status)
	}

	held, err := m.Acquire(ctx, "doc-1", "bob", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after expiry failed: %v", err)
	}
	if held.LockedBy != "bob" {
		t.Errorf("expected holder bob, got %s", held.LockedBy)
	}
}

func TestMemoryReleaseErrors(t *testing.T) {
	m, _ := newTestMemoryManager(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if err := m.Release(ctx, "doc-1", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := m.Acquire(ctx, "doc-1", "alice", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := m.Release(ctx, "doc-1", "bob"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := m.Release(ctx, "doc-1", "alice"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestMemorySweep(t *testing.T) {
	m, clock := newTestMemoryManager(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "doc-1", "alice", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := m.Acquire(ctx, "doc-2", "bob", time.Hour); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	*clock = clock.Add(10 * time.Minute)

	if removed := m.Sweep(); removed != 1 {
		t.Fatalf("expected 1 swept lock, got %d", removed)
	}
	status, _ := m.Status(ctx, "doc-2")
	if status == nil || status.LockedBy != "bob" {
		t.Fatalf("expected doc-2 still locked by bob, got %+v", status)
	}
}
