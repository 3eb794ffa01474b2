// Package sqlite implements idempotent.Store on SQLite using the pure Go
// modernc.org/sqlite driver.
//
// Timestamps are stored as Unix milliseconds. A record that never expires has a
// NULL expiration, which neither a claim nor Sweep treats as expired. Slot
// acquisition is an upsert whose WHERE clause only allows overwriting expired or
// abandoned records.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/velmie/idempotent"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "idempotency_records"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store keeps records in a SQLite table.
type Store struct {
	db      *sql.DB
	owned   bool
	table   string
	queries queries
}

type queries struct {
	schema   string
	get      string
	claim    string
	complete string
	delete   string
	sweep    string
}

// Option configures the store.
type Option func(*Store)

// WithTable sets the table name.
func WithTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// Open opens (creating if needed) the database at path and ensures the schema.
// The returned store owns the connection; Close releases it.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "cannot create database directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open database")
	}
	// a single writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err = db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "cannot apply %q", pragma)
		}
	}

	s, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	if err = s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New creates a store over an already opened database. Call EnsureSchema to create the table.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, table: DefaultTable}
	for _, opt := range opts {
		opt(s)
	}
	if !tableName.MatchString(s.table) {
		return nil, errors.Wrapf(idempotent.ErrConfiguration, "invalid table name %q", s.table)
	}
	s.queries = buildQueries(s.table)
	return s, nil
}

func buildQueries(t string) queries {
	return queries{
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	data BLOB,
	validation TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	expiration INTEGER,
	in_progress_expiration INTEGER
);
CREATE INDEX IF NOT EXISTS %[1]s_expiration ON %[1]s(expiration);`, t),
		get: fmt.Sprintf(`SELECT status, data, validation, token, expiration, in_progress_expiration
FROM %s WHERE id = ?1`, t),
		claim: fmt.Sprintf(`INSERT INTO %[1]s (id, status, data, validation, token, expiration, in_progress_expiration)
VALUES (?1, ?2, NULL, ?3, ?4, ?5, ?6)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	data = NULL,
	validation = excluded.validation,
	token = excluded.token,
	expiration = excluded.expiration,
	in_progress_expiration = excluded.in_progress_expiration
WHERE %[1]s.expiration <= ?7
	OR (%[1]s.status = '%[2]s' AND %[1]s.in_progress_expiration <= ?7)`, t, idempotent.StatusInProgress),
		complete: fmt.Sprintf(`UPDATE %[1]s SET status = '%[2]s', data = ?3, expiration = ?4, in_progress_expiration = NULL
WHERE id = ?1 AND status = '%[3]s' AND (?2 = '' OR token = ?2)`, t, idempotent.StatusCompleted, idempotent.StatusInProgress),
		delete: fmt.Sprintf(`DELETE FROM %s WHERE id = ?1 AND (?2 = '' OR token = ?2)`, t),
		sweep:  fmt.Sprintf(`DELETE FROM %s WHERE expiration <= ?1`, t),
	}
}

// EnsureSchema creates the table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.queries.schema); err != nil {
		return errors.Wrapf(err, "cannot create table %s", s.table)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*idempotent.Record, error) {
	rec := &idempotent.Record{Key: key}
	var (
		status     string
		expiration sql.NullInt64
		inProgress sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.queries.get, key).Scan(
		&status, &rec.Response, &rec.PayloadHash, &rec.Token, &expiration, &inProgress,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotent.ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot select record")
	}
	rec.Status = idempotent.Status(status)
	if expiration.Valid {
		rec.ExpiresAt = time.UnixMilli(expiration.Int64)
	}
	if inProgress.Valid {
		rec.InProgressExpiresAt = time.UnixMilli(inProgress.Int64)
	}
	return rec, nil
}

func (s *Store) PutIfAbsentOrExpired(ctx context.Context, rec *idempotent.Record, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.queries.claim,
		rec.Key, string(rec.Status), rec.PayloadHash, rec.Token,
		nullMillis(rec.ExpiresAt), nullMillis(rec.InProgressExpiresAt), now.UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "cannot claim record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "cannot claim record")
	}
	if n == 0 {
		return idempotent.ErrSlotHeld
	}
	return nil
}

func (s *Store) CompleteRecord(ctx context.Context, key, token string, response []byte, expiresAt time.Time) error {
	if response == nil {
		response = []byte{}
	}
	res, err := s.db.ExecContext(ctx, s.queries.complete, key, token, response, nullMillis(expiresAt))
	if err != nil {
		return errors.Wrap(err, "cannot complete record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "cannot complete record")
	}
	if n == 0 {
		return idempotent.ErrRecordNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key, token string) error {
	if _, err := s.db.ExecContext(ctx, s.queries.delete, key, token); err != nil {
		return errors.Wrap(err, "cannot delete record")
	}
	return nil
}

// Sweep removes records expired at now and returns how many were removed.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.queries.sweep, now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "cannot sweep records")
	}
	return res.RowsAffected()
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
