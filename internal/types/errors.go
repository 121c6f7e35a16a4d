package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers match with errors.Is.
var (
	// ErrNotFound is returned when a targeted message, lock or entry does not
	// exist (or no longer matches the expected position).
	ErrNotFound = errors.New("not found")

	// ErrLockContention is returned by non-blocking lock acquisition when the
	// lock is held elsewhere.
	ErrLockContention = errors.New("lock contention")

	// ErrInvariantViolation marks malformed input or stored state, for example
	// a message without a destination queue. It is fatal for periodic drivers.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrConsumeTimeout is reported when a handler exceeds the consume timeout.
	ErrConsumeTimeout = errors.New("consume timeout")

	// ErrStorage is the sentinel matched by every *StorageError.
	ErrStorage = errors.New("storage error")
)

// StorageError wraps a backend failure with the operation that produced it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) true for any *StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError wraps err, returning nil for a nil err.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsFatal reports whether a periodic driver should stop on err. Invariant
// violations indicate corrupted input and are not retried; storage and
// contention errors are transient.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
