package appointment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/konzohila/LindebergsHealth/internal/record"
)

var (
	ErrInvalidRequest          = errors.New("invalid request")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrSlotConflict            = errors.New("slot conflict")

	// ErrSlotBeingBooked is returned when a resource lock could not be taken
	// within the configured wait. It is a retryable concurrency conflict.
	ErrSlotBeingBooked = fmt.Errorf("resource is currently being booked, please retry: %w", record.ErrConcurrencyConflict)
)

// InvalidRequestError names the offending request field.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func invalid(field, reason string) error {
	return &InvalidRequestError{Field: field, Reason: reason}
}

// SlotConflictError identifies the busy resource and the intervals it collided with.
type SlotConflictError struct {
	Resource  Resource
	Colliding []Interval
}

func (e *SlotConflictError) Error() string {
	parts := make([]string, len(e.Colliding))
	for i, iv := range e.Colliding {
		parts[i] = iv.String()
	}
	return fmt.Sprintf("%s %s is busy: %s", e.Resource.Kind, e.Resource.ID, strings.Join(parts, ", "))
}

func (e *SlotConflictError) Is(target error) bool {
	return target == ErrSlotConflict
}
