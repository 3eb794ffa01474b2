// Package postgres implements idempotent.Store on PostgreSQL using pgx.
//
// Slot acquisition is a single INSERT ... ON CONFLICT DO UPDATE whose WHERE clause
// only allows overwriting expired or abandoned records, so the database row lock
// arbitrates concurrent claims. A record that never expires has a NULL expiration.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/velmie/idempotent"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "idempotency_records"

// DB is the subset of *pgxpool.Pool, *pgx.Conn and pgx.Tx used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store keeps records in a PostgreSQL table.
type Store struct {
	db      DB
	table   string
	queries queries
}

type queries struct {
	schema   string
	get      string
	claim    string
	complete string
	delete   string
}

// Option configures the store.
type Option func(*Store)

// WithTable sets the table name. It may be schema-qualified ("billing.idempotency").
func WithTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// New creates a store over db. Call EnsureSchema to create the table.
func New(db DB, opts ...Option) *Store {
	s := &Store{db: db, table: DefaultTable}
	for _, opt := range opts {
		opt(s)
	}
	s.queries = buildQueries(quoteTable(s.table))
	return s
}

func buildQueries(t string) queries {
	return queries{
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	data BYTEA,
	validation TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	expiration TIMESTAMPTZ,
	in_progress_expiration TIMESTAMPTZ
)`, t),
		get: fmt.Sprintf(`SELECT status, data, validation, token, expiration, in_progress_expiration
FROM %s WHERE id = $1`, t),
		claim: fmt.Sprintf(`INSERT INTO %[1]s AS r (id, status, data, validation, token, expiration, in_progress_expiration)
VALUES ($1, $2, NULL, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	data = NULL,
	validation = EXCLUDED.validation,
	token = EXCLUDED.token,
	expiration = EXCLUDED.expiration,
	in_progress_expiration = EXCLUDED.in_progress_expiration
WHERE r.expiration <= $7
	OR (r.status = '%[2]s' AND r.in_progress_expiration <= $7)`, t, idempotent.StatusInProgress),
		complete: fmt.Sprintf(`UPDATE %[1]s SET status = '%[2]s', data = $3, expiration = $4, in_progress_expiration = NULL
WHERE id = $1 AND status = '%[3]s' AND ($2 = '' OR token = $2)`, t, idempotent.StatusCompleted, idempotent.StatusInProgress),
		delete: fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND ($2 = '' OR token = $2)`, t),
	}
}

// EnsureSchema creates the table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, s.queries.schema); err != nil {
		return errors.Wrapf(err, "cannot create table %s", s.table)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*idempotent.Record, error) {
	rec := &idempotent.Record{Key: key}
	var (
		status     string
		expiration *time.Time
		inProgress *time.Time
	)
	err := s.db.QueryRow(ctx, s.queries.get, key).Scan(
		&status, &rec.Response, &rec.PayloadHash, &rec.Token, &expiration, &inProgress,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, idempotent.ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot select record")
	}
	rec.Status = idempotent.Status(status)
	if expiration != nil {
		rec.ExpiresAt = *expiration
	}
	if inProgress != nil {
		rec.InProgressExpiresAt = *inProgress
	}
	return rec, nil
}

func (s *Store) PutIfAbsentOrExpired(ctx context.Context, rec *idempotent.Record, now time.Time) error {
	tag, err := s.db.Exec(ctx, s.queries.claim,
		rec.Key, string(rec.Status), rec.PayloadHash, rec.Token, nullTime(rec.ExpiresAt), nullTime(rec.InProgressExpiresAt), now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return idempotent.ErrSlotHeld
		}
		return errors.Wrap(err, "cannot claim record")
	}
	if tag.RowsAffected() == 0 {
		return idempotent.ErrSlotHeld
	}
	return nil
}

func (s *Store) CompleteRecord(ctx context.Context, key, token string, response []byte, expiresAt time.Time) error {
	if response == nil {
		response = []byte{}
	}
	tag, err := s.db.Exec(ctx, s.queries.complete, key, token, response, nullTime(expiresAt))
	if err != nil {
		return errors.Wrap(err, "cannot complete record")
	}
	if tag.RowsAffected() == 0 {
		return idempotent.ErrRecordNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key, token string) error {
	if _, err := s.db.Exec(ctx, s.queries.delete, key, token); err != nil {
		return errors.Wrap(err, "cannot delete record")
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func quoteTable(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}
