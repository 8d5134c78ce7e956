package store

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a missing document, change, or permission row.
var ErrNotFound = errors.New("not found")

// ErrValidation reports a malformed change payload. Match with errors.Is.
var ErrValidation = errors.New("validation failed")

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
