package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/konzohila/LindebergsHealth/internal/history"
	"github.com/konzohila/LindebergsHealth/internal/record"
)

type HistoryStore struct {
	mu    sync.RWMutex
	snaps map[uuid.UUID][]history.Snapshot
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{snaps: make(map[uuid.UUID][]history.Snapshot)}
}

func (s *HistoryStore) Append(ctx context.Context, snap history.Snapshot) (history.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return history.Snapshot{}, record.Unavailable("append snapshot", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.snaps[snap.OriginalID]
	i := len(versions)
	for i > 0 && versions[i-1].ValidFrom.After(snap.ValidFrom) {
		i--
	}

	snap.ValidTo = nil
	if i < len(versions) {
		next := versions[i].ValidFrom
		snap.ValidTo = &next
	}
	if i > 0 {
		validTo := snap.ValidFrom
		versions[i-1].ValidTo = &validTo
	}

	versions = append(versions, history.Snapshot{})
	copy(versions[i+1:], versions[i:])
	versions[i] = snap
	for j := i; j < len(versions); j++ {
		versions[j].Version = j + 1
	}
	s.snaps[snap.OriginalID] = versions
	return versions[i], nil
}

func (s *HistoryStore) At(ctx context.Context, originalID uuid.UUID, ts time.Time) (history.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return history.Snapshot{}, record.Unavailable("snapshot at", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.snaps[originalID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Covers(ts) {
			return versions[i], nil
		}
	}
	return history.Snapshot{}, record.ErrNotFound
}

func (s *HistoryStore) List(ctx context.Context, originalID uuid.UUID) ([]history.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, record.Unavailable("list snapshots", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]history.Snapshot(nil), s.snaps[originalID]...), nil
}
