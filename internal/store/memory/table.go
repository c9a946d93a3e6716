// Package memory holds map-backed stores used by tests, the simulator and
// STORE_BACKEND=memory.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/konzohila/LindebergsHealth/internal/record"
)

// table keeps private copies of records so callers can never mutate stored state.
type table[T record.Record[T]] struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]T
}

func newTable[T record.Record[T]]() *table[T] {
	return &table[T]{rows: make(map[uuid.UUID]T)}
}

func (t *table[T]) Get(ctx context.Context, id uuid.UUID) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, record.Unavailable("get", err)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.rows[id]
	if !ok {
		return zero, record.ErrNotFound
	}
	return rec.Clone(), nil
}

func (t *table[T]) Insert(ctx context.Context, rec T) (record.Token, error) {
	if err := ctx.Err(); err != nil {
		return "", record.Unavailable("insert", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := rec.Meta().ID
	if _, exists := t.rows[id]; exists {
		return "", record.ErrTokenMismatch
	}

	token := record.NewToken()
	stored := rec.Clone()
	stored.Meta().Token = token
	t.rows[id] = stored
	return token, nil
}

func (t *table[T]) CompareAndSwap(ctx context.Context, expected record.Token, rec T) (record.Token, error) {
	if err := ctx.Err(); err != nil {
		return "", record.Unavailable("compare and swap", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := rec.Meta().ID
	current, ok := t.rows[id]
	if !ok {
		return "", record.ErrNotFound
	}
	if current.Meta().Token != expected {
		return "", record.ErrTokenMismatch
	}

	token := record.NewToken()
	stored := rec.Clone()
	stored.Meta().Token = token
	t.rows[id] = stored
	return token, nil
}

// scan returns copies of the non-deleted rows accepted by keep.
func (t *table[T]) scan(ctx context.Context, keep func(T) bool) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, record.Unavailable("scan", err)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []T
	for _, rec := range t.rows {
		if rec.Meta().Deleted || !keep(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}
