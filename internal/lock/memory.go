package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryManager is the single-node lock table. Expiration is lazy: an
// entry past its deadline is treated as absent by every operation and
// overwritten by the next Acquire.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]Lock
	now   func() time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks: make(map[string]Lock),
		now:   time.Now,
	}
}

// active returns the live lock for documentID, dropping expired entries.
// Caller holds mu.
func (m *MemoryManager) active(documentID string) (Lock, bool) {
	held, ok := m.locks[documentID]
	if !ok {
		return Lock{}, false
	}
	if !held.ExpiresAt.After(m.now()) {
		delete(m.locks, documentID)
		return Lock{}, false
	}
	return held, true
}

func (m *MemoryManager) Acquire(ctx context.Context, documentID, userID string, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	held, ok := m.active(documentID)
	if ok && held.LockedBy != userID {
		return Lock{}, &ConflictError{Held: held}
	}

	lockedAt := now
	if ok {
		lockedAt = held.LockedAt
	}
	granted := Lock{
		DocumentID: documentID,
		LockedBy:   userID,
		LockedAt:   lockedAt,
		ExpiresAt:  now.Add(ttl),
		IsActive:   true,
	}
	m.locks[documentID] = granted
	return granted, nil
}

func (m *MemoryManager) Release(ctx context.Context, documentID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.active(documentID)
	if !ok {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if held.LockedBy != userID {
		return fmt.Errorf("document %s: %w", documentID, ErrNotOwner)
	}
	delete(m.locks, documentID)
	return nil
}

func (m *MemoryManager) Status(ctx context.Context, documentID string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.active(documentID)
	if !ok {
		return nil, nil
	}
	return &held, nil
}

func (m *MemoryManager) AdminBreak(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, documentID)
	return nil
}

// Sweep removes expired entries to reclaim memory. Optional; all
// operations already ignore expired locks.
func (m *MemoryManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	now := m.now()
	for documentID, held := range m.locks {
		if !held.ExpiresAt.After(now) {
			delete(m.locks, documentID)
			removed++
		}
	}
	return removed
}
