package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/konzohila/LindebergsHealth/internal/history"
	"github.com/konzohila/LindebergsHealth/internal/record"
)

const snapshotColumns = `id, original_id, kind, version, recorded_at, recorded_by, reason, payload, valid_from, valid_to`

type HistoryStore struct {
	db queryable
}

func NewHistoryStore(db queryable) *HistoryStore {
	return &HistoryStore{db: db}
}

func scanSnapshot(row pgx.Row) (history.Snapshot, error) {
	var s history.Snapshot
	var payload []byte
	err := row.Scan(&s.ID, &s.OriginalID, &s.Kind, &s.Version, &s.RecordedAt, &s.RecordedBy,
		&s.Reason, &payload, &s.ValidFrom, &s.ValidTo)
	if err != nil {
		return history.Snapshot{}, err
	}
	s.Payload = payload
	return s, nil
}

// Append slots the snapshot into its chain by valid_from in a single
// transaction. A transaction-scoped advisory lock on the original id keeps
// version numbers gapless under concurrent writers.
func (s *HistoryStore) Append(ctx context.Context, snap history.Snapshot) (_ history.Snapshot, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return history.Snapshot{}, record.Unavailable("begin snapshot tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, snap.OriginalID.String()); err != nil {
		return history.Snapshot{}, record.Unavailable("lock snapshot chain", err)
	}

	var (
		last     int
		nextVer  *int
		nextFrom *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0),
		       MIN(version) FILTER (WHERE valid_from > $2),
		       MIN(valid_from) FILTER (WHERE valid_from > $2)
		FROM record_snapshots
		WHERE original_id = $1
	`, snap.OriginalID, snap.ValidFrom).Scan(&last, &nextVer, &nextFrom)
	if err != nil {
		return history.Snapshot{}, record.Unavailable("read snapshot version", err)
	}

	snap.Version = last + 1
	snap.ValidTo = nil
	if nextVer != nil {
		// a later commit was recorded first; shift it and its successors up
		snap.Version = *nextVer
		snap.ValidTo = nextFrom
		if _, err = tx.Exec(ctx, `
			UPDATE record_snapshots
			SET version = -(version + 1)
			WHERE original_id = $1
			  AND version >= $2
		`, snap.OriginalID, snap.Version); err != nil {
			return history.Snapshot{}, record.Unavailable("shift snapshots", err)
		}
		if _, err = tx.Exec(ctx, `
			UPDATE record_snapshots
			SET version = -version
			WHERE original_id = $1
			  AND version < 0
		`, snap.OriginalID); err != nil {
			return history.Snapshot{}, record.Unavailable("shift snapshots", err)
		}
	}

	if prev := snap.Version - 1; prev > 0 {
		if _, err = tx.Exec(ctx, `
			UPDATE record_snapshots
			SET valid_to = $3
			WHERE original_id = $1
			  AND version = $2
		`, snap.OriginalID, prev, snap.ValidFrom); err != nil {
			return history.Snapshot{}, record.Unavailable("close snapshot", err)
		}
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO record_snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, snap.ID, snap.OriginalID, snap.Kind, snap.Version, snap.RecordedAt, snap.RecordedBy,
		snap.Reason, []byte(snap.Payload), snap.ValidFrom, snap.ValidTo); err != nil {
		return history.Snapshot{}, record.Unavailable("insert snapshot", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return history.Snapshot{}, record.Unavailable("commit snapshot", err)
	}
	return snap, nil
}

func (s *HistoryStore) At(ctx context.Context, originalID uuid.UUID, ts time.Time) (history.Snapshot, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM record_snapshots
		WHERE original_id = $1
		  AND valid_from <= $2
		  AND (valid_to IS NULL OR valid_to > $2)
		ORDER BY version DESC
		LIMIT 1
	`, originalID, ts)
	snap, err := scanSnapshot(row)
	if err != nil {
		return history.Snapshot{}, scanErr(fmt.Sprintf("snapshot of %s", originalID), err)
	}
	return snap, nil
}

func (s *HistoryStore) List(ctx context.Context, originalID uuid.UUID) ([]history.Snapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+snapshotColumns+`
		FROM record_snapshots
		WHERE original_id = $1
		ORDER BY version
	`, originalID)
	if err != nil {
		return nil, record.Unavailable("list snapshots", err)
	}
	return collect(rows, "list snapshots", scanSnapshot)
}
