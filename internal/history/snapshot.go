package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Snapshot is an immutable copy of a record at one version.
// ValidTo is nil for the current version.
type Snapshot struct {
	ID         uuid.UUID       `json:"id"`
	OriginalID uuid.UUID       `json:"original_id"`
	Kind       string          `json:"kind"`
	Version    int             `json:"version"`
	RecordedAt time.Time       `json:"recorded_at"`
	RecordedBy uuid.UUID       `json:"recorded_by"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload"`
	ValidFrom  time.Time       `json:"valid_from"`
	ValidTo    *time.Time      `json:"valid_to,omitempty"`
}

// Covers reports whether ts falls inside [ValidFrom, ValidTo).
func (s Snapshot) Covers(ts time.Time) bool {
	if ts.Before(s.ValidFrom) {
		return false
	}
	return s.ValidTo == nil || ts.Before(*s.ValidTo)
}

// Decode unmarshals the payload into dst.
func (s Snapshot) Decode(dst any) error {
	return json.Unmarshal(s.Payload, dst)
}

// Store is append-only. Append slots snap into the chain of the same original
// by ValidFrom in one atomic step: the preceding snapshot is closed at
// snap.ValidFrom, and snap is closed at the ValidFrom of its successor if a
// later commit was appended first. Version numbers follow ValidFrom order.
type Store interface {
	Append(ctx context.Context, snap Snapshot) (Snapshot, error)
	At(ctx context.Context, originalID uuid.UUID, ts time.Time) (Snapshot, error)
	List(ctx context.Context, originalID uuid.UUID) ([]Snapshot, error)
}
