package record

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist or is soft-deleted.
	ErrNotFound = errors.New("record not found")

	// ErrTokenMismatch is returned by stores when a compare-and-swap sees a
	// token other than the expected one, or an insert collides with an
	// existing id.
	ErrTokenMismatch = errors.New("concurrency token mismatch")

	// ErrConcurrencyConflict tells the caller to re-read and retry the whole operation.
	ErrConcurrencyConflict = errors.New("record was modified concurrently")

	// ErrStorageUnavailable marks infrastructure failures, including timeouts.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.op, ErrStorageUnavailable, e.err)
}

func (e *storageError) Unwrap() error {
	return e.err
}

func (e *storageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// Unavailable wraps err so that it matches ErrStorageUnavailable while the
// original cause stays reachable through errors.Is/As.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &storageError{op: op, err: err}
}

// Classify maps a store error onto the scheduling error taxonomy.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTokenMismatch):
		return fmt.Errorf("%s: %w", op, ErrConcurrencyConflict)
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrStorageUnavailable):
		return err
	default:
		return Unavailable(op, err)
	}
}
