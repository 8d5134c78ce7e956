// Package lock grants and releases the exclusive edit lock that gates
// all content changes for a document. At most one active, unexpired
// lock exists per document; an expired lock is treated as absent
// without any background sweep.
package lock

import (
	"context"
	"errors"
	"time"
)

// Lock is the current exclusive edit permission for a document.
type Lock struct {
	DocumentID string    `json:"documentId"`
	LockedBy   string    `json:"lockedBy"`
	LockedAt   time.Time `json:"lockedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	IsActive   bool      `json:"isActive"`
}

var (
	// ErrConflict means a different user holds an active lock. Callers
	// may retry after the reported ExpiresAt.
	ErrConflict = errors.New("document locked by another user")
	// ErrNotOwner means a release was attempted by a non-holder.
	ErrNotOwner = errors.New("lock held by another user")
	// ErrNotFound means no active lock exists for the document.
	ErrNotFound = errors.New("no active lock")
)

// ConflictError carries the competing lock so the caller can surface
// who is editing and when the lock expires.
type ConflictError struct {
	Held Lock
}

func (e *ConflictError) Error() string { return ErrConflict.Error() }
func (e *ConflictError) Unwrap() error { return ErrConflict }

// Manager is the lock table. Acquire is re-entrant for the current
// holder (refreshes the TTL). AdminBreak is the privileged override:
// it is a distinct operation, never a variant of Acquire.
type Manager interface {
	Acquire(ctx context.Context, documentID, userID string, ttl time.Duration) (Lock, error)
	Release(ctx context.Context, documentID, userID string) error
	Status(ctx context.Context, documentID string) (*Lock, error)
	AdminBreak(ctx context.Context, documentID string) error
}
