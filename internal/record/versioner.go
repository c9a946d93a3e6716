package record

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/konzohila/LindebergsHealth/internal/observability/metrics"
)

// Record is satisfied by pointer-to-entity types embedding Envelope.
// Clone must return a copy whose pointer fields may be replaced without
// affecting the original; mutators replace pointer fields, never write through them.
type Record[T any] interface {
	Meta() *Envelope
	Clone() T
}

// Repository is the record store collaborator for one entity kind.
// Get returns soft-deleted records too; the Versioner filters them.
type Repository[T any] interface {
	Get(ctx context.Context, id uuid.UUID) (T, error)
	Insert(ctx context.Context, rec T) (Token, error)
	CompareAndSwap(ctx context.Context, expected Token, rec T) (Token, error)
}

// Historian appends a snapshot of a record's post-commit state.
type Historian interface {
	Record(ctx context.Context, kind string, id uuid.UUID, state any, actor uuid.UUID, reason string) error
}

// Deps bundles the collaborators shared by all versioned writers.
type Deps struct {
	History Historian
	Clock   Clock
	Logger  *zap.Logger
	Metrics *metrics.SchedulingMetrics
}

// WithDefaults fills a nil clock and logger.
func (d Deps) WithDefaults() Deps {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Versioner routes every write of one entity kind through compare-and-swap
// and records a history snapshot after each commit.
type Versioner[T Record[T]] struct {
	kind string
	repo Repository[T]
	deps Deps
}

func NewVersioner[T Record[T]](kind string, repo Repository[T], deps Deps) *Versioner[T] {
	return &Versioner[T]{kind: kind, repo: repo, deps: deps.WithDefaults()}
}

// Kind is the entity name used in snapshots and log fields.
func (v *Versioner[T]) Kind() string {
	return v.kind
}

// Create stamps creation fields on rec, inserts it and records version 1.
func (v *Versioner[T]) Create(ctx context.Context, rec T, actor uuid.UUID, reason string) (T, error) {
	meta := rec.Meta()
	if meta.ID == uuid.Nil {
		meta.ID = uuid.New()
	}
	meta.CreatedAt = v.deps.Clock.Now()
	meta.CreatedBy = actor
	meta.ModifiedAt = nil
	meta.ModifiedBy = nil

	token, err := v.repo.Insert(ctx, rec)
	if err != nil {
		var zero T
		return zero, Classify("insert "+v.kind, err)
	}
	meta.Token = token

	v.snapshot(ctx, rec, actor, reason)
	return rec, nil
}

// Load returns the live record or ErrNotFound when it is absent or soft-deleted.
func (v *Versioner[T]) Load(ctx context.Context, id uuid.UUID) (T, error) {
	rec, err := v.repo.Get(ctx, id)
	if err != nil {
		var zero T
		return zero, Classify("load "+v.kind, err)
	}
	if rec.Meta().Deleted {
		var zero T
		return zero, ErrNotFound
	}
	return rec, nil
}

// Apply runs mutate on a copy of current and commits it only if the stored
// token still equals current's token. A stale token yields
// ErrConcurrencyConflict; the write is never merged.
func (v *Versioner[T]) Apply(ctx context.Context, current T, actor uuid.UUID, reason string, mutate func(T) error) (T, error) {
	var zero T

	expected := current.Meta().Token
	next := current.Clone()
	if err := mutate(next); err != nil {
		return zero, err
	}

	now := v.deps.Clock.Now()
	meta := next.Meta()
	meta.ModifiedAt = &now
	meta.ModifiedBy = &actor

	token, err := v.repo.CompareAndSwap(ctx, expected, next)
	if err != nil {
		return zero, Classify("update "+v.kind, err)
	}
	meta.Token = token

	v.snapshot(ctx, next, actor, reason)
	return next, nil
}

// SoftDelete marks the record deleted through the same compare-and-swap path.
// Deleting an already deleted record keeps it deleted and only replaces the reason.
func (v *Versioner[T]) SoftDelete(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string) (T, error) {
	current, err := v.repo.Get(ctx, id)
	if err != nil {
		var zero T
		return zero, Classify("load "+v.kind, err)
	}

	return v.Apply(ctx, current, actor, "deleted: "+reason, func(rec T) error {
		meta := rec.Meta()
		if !meta.Deleted {
			now := v.deps.Clock.Now()
			meta.Deleted = true
			meta.DeletedAt = &now
			meta.DeletedBy = &actor
		}
		meta.DeleteReason = reason
		return nil
	})
}

func (v *Versioner[T]) snapshot(ctx context.Context, rec T, actor uuid.UUID, reason string) {
	if v.deps.History == nil {
		return
	}
	id := rec.Meta().ID
	if err := v.deps.History.Record(ctx, v.kind, id, rec, actor, reason); err != nil {
		v.deps.Metrics.ObserveHistoryFailure(v.kind)
		v.deps.Logger.Error("history snapshot not recorded",
			zap.String("kind", v.kind),
			zap.Stringer("id", id),
			zap.Error(err),
		)
	}
}

// Retry re-runs fn while it fails with ErrConcurrencyConflict, up to attempts
// times. fn must re-read whatever it mutates.
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Unavailable("retry", ctxErr)
		}
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}
