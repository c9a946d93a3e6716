package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/konzohila/LindebergsHealth/internal/waitlist"
)

type WaitlistStore struct {
	*table[*waitlist.Entry]
}

func NewWaitlistStore() *WaitlistStore {
	return &WaitlistStore{table: newTable[*waitlist.Entry]()}
}

func (s *WaitlistStore) ListActive(ctx context.Context, staffID uuid.UUID) ([]*waitlist.Entry, error) {
	return s.scan(ctx, func(e *waitlist.Entry) bool {
		return e.Active && (e.StaffID == nil || *e.StaffID == staffID)
	})
}
