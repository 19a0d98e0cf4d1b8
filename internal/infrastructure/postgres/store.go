// Package postgres is the relational store: schema versioning, medicine and
// prescription persistence, code replacement and the transactional outbox.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by point lookups and by mutations whose target is missing.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyMapped means the bohcode gained a mapping concurrently.
	// Callers treat it as success and re-read.
	ErrAlreadyMapped = errors.New("bohcode already mapped")
)

const uniqueViolation = "23505"

// DefaultEventTopic receives label events written to the outbox.
const DefaultEventTopic = "medlabel.label-events"

// queryable is satisfied by both the pool and a transaction.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store owns the connection pool. Writes are serialized: at most one write
// transaction runs at a time per Store.
type Store struct {
	pool       *pgxpool.Pool
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
	eventTopic string

	writeMu sync.Mutex
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEventTopic sets the topic recorded on outbox rows.
func WithEventTopic(topic string) Option {
	return func(s *Store) {
		if topic != "" {
			s.eventTopic = topic
		}
	}
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Open migrates the schema and returns a ready store. A migration error is
// fatal to the caller.
func Open(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger, opts ...Option) (*Store, error) {
	s := New(pool, logger, opts...)
	from, to, err := Migrate(ctx, pool, s.logger)
	if err != nil {
		return nil, err
	}
	s.logger.Info("store ready", zap.Int("from_version", from), zap.Int("schema_version", to))
	return s, nil
}

// New wraps pool without touching the schema.
func New(pool *pgxpool.Pool, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		pool:       pool,
		logger:     logger,
		tracer:     otel.Tracer("store"),
		now:        time.Now,
		eventTopic: DefaultEventTopic,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool exposes the underlying pool for the outbox relay and health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// withTx runs fn in a write transaction, holding the store's write lock.
func (s *Store) withTx(ctx context.Context, name string, fn func(tx pgx.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "store."+name)
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		span.RecordError(err)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
