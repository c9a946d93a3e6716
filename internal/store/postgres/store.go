// Package postgres implements the record stores on top of pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/konzohila/LindebergsHealth/internal/record"
)

const uniqueViolation = "23505"

// queryable is satisfied by *pgxpool.Pool and by pgxmock pools.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// envelopeColumns follow the entity columns in every versioned table.
const envelopeColumns = `created_at, created_by, modified_at, modified_by,
	deleted, deleted_at, deleted_by, delete_reason, row_token`

func envelopeArgs(e *record.Envelope, token record.Token) []any {
	return []any{
		e.CreatedAt, e.CreatedBy, e.ModifiedAt, e.ModifiedBy,
		e.Deleted, e.DeletedAt, e.DeletedBy, e.DeleteReason, string(token),
	}
}

func envelopeDest(e *record.Envelope) []any {
	return []any{
		&e.CreatedAt, &e.CreatedBy, &e.ModifiedAt, &e.ModifiedBy,
		&e.Deleted, &e.DeletedAt, &e.DeletedBy, &e.DeleteReason, &e.Token,
	}
}

// insertRow runs an INSERT whose last placeholder is the fresh token.
func insertRow(ctx context.Context, db queryable, op, sql string, args ...any) error {
	if _, err := db.Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return record.ErrTokenMismatch
		}
		return record.Unavailable(op, err)
	}
	return nil
}

// swapRow runs a conditional UPDATE. Zero affected rows means either the id
// is unknown or the stored token moved on.
func swapRow(ctx context.Context, db queryable, op, table string, id uuid.UUID, sql string, args ...any) error {
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return record.Unavailable(op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = db.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id).Scan(&exists)
	if err != nil {
		return record.Unavailable(op, err)
	}
	if !exists {
		return record.ErrNotFound
	}
	return record.ErrTokenMismatch
}

func scanErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return record.ErrNotFound
	}
	return record.Unavailable(op, err)
}

// collect scans every row with scan and closes rows.
func collect[T any](rows pgx.Rows, op string, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, record.Unavailable(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, record.Unavailable(op, err)
	}
	return out, nil
}
