// Package store is the SQLite repository backing all persistent state:
// users, sessions, groups, invitations, roles, messages, OAuth tokens,
// tool server configs, skills, settings, and scheduled jobs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database. All methods are safe for concurrent
// use; the connection pool is capped at one writer to keep SQLITE_BUSY
// out of the steady state.
type Store struct {
	db  *sql.DB
	now func() time.Time
	log *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Open opens (or creates) the database at path, applies pragmas, and
// runs the startup migration. Use ":memory:" for tests.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to :memory: would see an empty database, and
	// SQLite allows one writer anyway.
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle without running migrations.
// Callers that need the schema should use Open.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		now: time.Now,
		log: slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma: %w", err)
		}
	}
	return s.Migrate(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for migration tooling and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// exec runs a write statement, retrying once if SQLite reports the
// database as busy.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil && isBusy(err) {
		s.log.Warn("retrying busy write", "error", err)
		res, err = s.db.ExecContext(ctx, query, args...)
	}
	return res, err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
