// Package postgres implements the query-index storage contract on PostgreSQL.
//
// The store runs over database/sql with the pgx stdlib driver and sqlx for
// scanning. All transient connection errors are retried with exponential
// backoff; everything else surfaces to the caller unchanged.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/storage"
)

// Config holds connection settings.
type Config struct {
	// URL is the Postgres DSN.
	URL string
	// Pool sizing. Zero values use the defaults below.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a config with pool defaults suitable for a worker
// process sharing its pool between handlers and one reindex task.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:             url,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// Store is the PostgreSQL implementation of storage.Store.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	// Schema probes are cached for the process lifetime. Base tables are
	// owned by other modules, so a probe may be repeated per table/column
	// but never invalidated.
	mu          sync.Mutex
	tableCache  map[string]bool
	columnCache map[string]bool

	// coalescedIndex reports whether the unique index on the generated
	// organization_id_coalesced column is present. Probed once; when absent
	// (mid-migration), upserts fall back to update-then-insert.
	coalescedOnce  sync.Once
	coalescedReady bool
}

var _ storage.Store = (*Store)(nil)

// New opens the pool, pings it, and ensures the index-side schema exists.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:          db,
		logger:      logger,
		tableCache:  make(map[string]bool),
		columnCache: make(map[string]bool),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Querier exposes the raw connection for planner-built SQL.
func (s *Store) Querier() storage.Querier {
	return s.db
}

// DB returns the underlying sqlx handle for integration tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

const retryMaxElapsed = 30 * time.Second

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// isRetryableError reports whether the error is a transient connection or
// serialization error worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"57P01", // admin_shutdown
			"57P02", // crash_shutdown
			"57P03", // cannot_connect_now
			"08000", "08003", "08006": // connection exceptions
			return true
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"driver: bad connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"i/o timeout",
		"unexpected eof",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// withRetry executes an operation with retry for transient errors.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(newRetryBackoff(), ctx))
}

// execContext wraps db.ExecContext with retry for transient errors.
func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// getContext wraps db.GetContext with retry for transient errors.
func (s *Store) getContext(ctx context.Context, dest any, query string, args ...any) error {
	return s.withRetry(ctx, func() error {
		return s.db.GetContext(ctx, dest, query, args...)
	})
}

// selectContext wraps db.SelectContext with retry for transient errors.
func (s *Store) selectContext(ctx context.Context, dest any, query string, args ...any) error {
	return s.withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, dest, query, args...)
	})
}

// queryxContext wraps db.QueryxContext with retry for transient errors.
func (s *Store) queryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	var rows *sqlx.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryxContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports a Postgres 23505 unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isUndefinedTable reports a Postgres 42P01 undefined_table.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
