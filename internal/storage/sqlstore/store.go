// Package sqlstore implements storage.Store on top of database/sql.
//
// The SQL is written once with "?" placeholders and portable clauses
// (ON CONFLICT ... DO NOTHING / DO UPDATE, partial indexes); a Dialect rebinds
// placeholders and translates driver errors into the storage error taxonomy.
// The sqlite and postgres packages open the database, install the schema and
// hand the *sql.DB to New.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/kinship/internal/storage"
)

// Dialect captures the differences between SQL backends.
type Dialect struct {
	// Name identifies the backend in error messages ("sqlite", "postgres").
	Name string

	// NumberedPlaceholders rewrites "?" into "$1", "$2", ... when true.
	NumberedPlaceholders bool

	// TranslateError maps a driver error to a storage sentinel error.
	// It returns the error unchanged when it has no special meaning.
	TranslateError func(err error) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements storage.Store for any database/sql backend.
type Store struct {
	db        *sql.DB
	q         querier
	dialect   Dialect
	writeSem  chan struct{}
	txTimeout time.Duration
	inTx      bool
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTxTimeout bounds every WithTx call with a context deadline.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.txTimeout = d
	}
}

// New wraps an open database. The schema must already be installed.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	if dialect.TranslateError == nil {
		dialect.TranslateError = func(err error) error { return err }
	}
	s := &Store{
		db:        db,
		q:         db,
		dialect:   dialect,
		writeSem:  make(chan struct{}, 1),
		txTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// WithTx runs fn inside a single-writer transaction. Calls on a store that is
// already inside a transaction join it instead of nesting.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.GraphStore) error) error {
	if s.inTx {
		return fn(s)
	}

	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	// The deadline covers the wait for the writer slot as well.
	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%s: waiting for write transaction: %w", s.dialect.Name, ctx.Err())
	}
	defer func() { <-s.writeSem }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to begin transaction: %w", s.dialect.Name, err)
	}

	txStore := &Store{
		db:        s.db,
		q:         tx,
		dialect:   s.dialect,
		writeSem:  s.writeSem,
		txTimeout: s.txTimeout,
		inTx:      true,
	}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: failed to commit transaction: %w", s.dialect.Name, s.translate(err))
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.inTx || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// exec runs a statement after rebinding placeholders.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.translate(err)
	}
	return res, nil
}

// query runs a query after rebinding placeholders.
func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.translate(err)
	}
	return rows, nil
}

// queryRow runs a single-row query after rebinding placeholders.
func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// translate maps driver errors through the dialect.
func (s *Store) translate(err error) error {
	if err == nil {
		return nil
	}
	return s.dialect.TranslateError(err)
}

// rebind rewrites "?" placeholders for dialects with numbered parameters.
func (s *Store) rebind(query string) string {
	if !s.dialect.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// affected returns ErrNotFound when a statement touched no rows.
func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// newID returns a prefixed random identifier, e.g. "ent:3f2c...".
func newID(prefix string) string {
	return prefix + ":" + uuid.New().String()
}

// now returns the current time in UTC so stored timestamps compare lexically.
func now() time.Time {
	return time.Now().UTC()
}
