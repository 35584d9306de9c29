package ledger

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a report id does not exist in the ledger.
var ErrNotFound = errors.New("report not found")

// ErrInvalidTransition is returned for illegal status changes. The ledger is
// append-only and review is one-way: Pending Review -> Reviewed, never back.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidationError marks a rejected submission; the caller should correct the
// input rather than retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps an I/O failure while persisting a report or its
// evidence image. A create that hits one leaves no partial state behind.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
