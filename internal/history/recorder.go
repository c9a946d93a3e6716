package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/konzohila/LindebergsHealth/internal/record"
)

// Recorder turns committed records into snapshots.
type Recorder struct {
	store Store
	clock record.Clock
}

func NewRecorder(store Store, clock record.Clock) *Recorder {
	if clock == nil {
		clock = record.SystemClock
	}
	return &Recorder{store: store, clock: clock}
}

// Record appends a snapshot of state. It satisfies record.Historian.
// States carrying a record envelope become valid at their commit time.
func (r *Recorder) Record(ctx context.Context, kind string, id uuid.UUID, state any, actor uuid.UUID, reason string) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal %s snapshot: %w", kind, err)
	}

	now := r.clock.Now()
	validFrom := now
	if rec, ok := state.(interface{ Meta() *record.Envelope }); ok {
		if at := rec.Meta().CommittedAt(); !at.IsZero() {
			validFrom = at
		}
	}

	_, err = r.store.Append(ctx, Snapshot{
		ID:         uuid.New(),
		OriginalID: id,
		Kind:       kind,
		RecordedAt: now,
		RecordedBy: actor,
		Reason:     reason,
		Payload:    payload,
		ValidFrom:  validFrom,
	})
	if err != nil {
		return record.Classify("append snapshot", err)
	}
	return nil
}

// QueryAt returns the version of originalID that was valid at ts,
// or record.ErrNotFound when ts precedes the first snapshot.
func (r *Recorder) QueryAt(ctx context.Context, originalID uuid.UUID, ts time.Time) (Snapshot, error) {
	snap, err := r.store.At(ctx, originalID, ts)
	if err != nil {
		return Snapshot{}, record.Classify("query snapshot", err)
	}
	return snap, nil
}

// Versions lists every snapshot of originalID in version order.
func (r *Recorder) Versions(ctx context.Context, originalID uuid.UUID) ([]Snapshot, error) {
	snaps, err := r.store.List(ctx, originalID)
	if err != nil {
		return nil, record.Classify("list snapshots", err)
	}
	return snaps, nil
}
