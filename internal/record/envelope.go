package record

import (
	"time"

	"github.com/google/uuid"
)

// Token is the opaque concurrency token stored with every record.
// A new token is issued on every committed write.
type Token string

// NewToken returns a fresh random token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// Envelope carries the audit, soft-delete and concurrency fields shared by
// every versioned entity. Entities embed it by value.
type Envelope struct {
	ID           uuid.UUID  `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	CreatedBy    uuid.UUID  `json:"created_by"`
	ModifiedAt   *time.Time `json:"modified_at,omitempty"`
	ModifiedBy   *uuid.UUID `json:"modified_by,omitempty"`
	Deleted      bool       `json:"deleted"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeletedBy    *uuid.UUID `json:"deleted_by,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`
	Token        Token      `json:"token"`
}

// Meta gives the versioning core access to the envelope of an entity.
func (e *Envelope) Meta() *Envelope {
	return e
}

// CommittedAt is the time of the last committed write.
func (e *Envelope) CommittedAt() time.Time {
	if e.ModifiedAt != nil {
		return *e.ModifiedAt
	}
	return e.CreatedAt
}

// LastActor is the modifier if the record was ever modified, the creator otherwise.
func (e *Envelope) LastActor() uuid.UUID {
	if e.ModifiedBy != nil {
		return *e.ModifiedBy
	}
	return e.CreatedBy
}
