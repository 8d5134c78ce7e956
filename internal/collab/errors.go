package collab

import (
	"errors"

	"cowrite/api/internal/lock"
	"cowrite/api/internal/presence"
	"cowrite/api/internal/store"
)

// ErrLockRequired rejects a change submitted by a caller who does not
// hold the document's active lock. Retriable after acquiring it.
var ErrLockRequired = errors.New("change requires the document lock")

// ErrPermissionDenied rejects join and lock requests from users
// without edit permission on the document.
var ErrPermissionDenied = errors.New("no edit permission on document")

// ErrorCode maps an error from any collaboration layer to the stable
// machine code clients switch on, regardless of transport.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrLockRequired):
		return "LOCK_REQUIRED"
	case errors.Is(err, lock.ErrConflict):
		return "LOCK_CONFLICT"
	case errors.Is(err, lock.ErrNotOwner):
		return "NOT_OWNER"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, lock.ErrNotFound),
		errors.Is(err, presence.ErrUnknownConnection):
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
