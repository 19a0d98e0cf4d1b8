// Package idempotency implements an inbox for exactly-once handling of
// broker messages. Each message is claimed under a deterministic key before
// its handler runs; a finished key replays the stored result.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing status of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one inbox record.
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

var (
	// ErrDuplicateMessage means another handler claimed the key first.
	ErrDuplicateMessage = errors.New("duplicate message: already claimed")
	// ErrMessageInProgress means the key is being processed and is not stale yet.
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means the key failed terminally before and is not retried.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Store persists inbox entries.
type Store interface {
	// Get returns the entry for key, or nil when there is none.
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts a STARTED entry, or flips a RECOVERABLE one back to
	// STARTED. It returns false when the key is held in any other state.
	Claim(ctx context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) (bool, error)
	// Mark sets the status and result of key.
	Mark(ctx context.Context, key string, status Status, result json.RawMessage) error
	// DeleteExpired removes entries past their expiry.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// RecoverStale flips STARTED entries not updated since before to RECOVERABLE.
	RecoverStale(ctx context.Context, before time.Time) (int64, error)
	// Stats counts entries per status.
	Stats(ctx context.Context) (*Stats, error)
}

// Stats counts inbox entries.
type Stats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// Config configures an Inbox.
type Config struct {
	// TTL is how long an entry is kept.
	TTL time.Duration
	// CleanupInterval is how often expired entries are deleted.
	CleanupInterval time.Duration
	// RecoveryTimeout is the age after which a STARTED entry is considered abandoned.
	RecoveryTimeout time.Duration
	// Terminal reports handler errors that must not be retried.
	Terminal func(error) bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox runs handlers at most once per key.
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an inbox over store.
func New(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ProcessResult reports how Process handled a key.
type ProcessResult struct {
	// IsNew is false when a stored result was replayed.
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc handles one message.
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn for key unless the key already finished, in which case the
// stored result is returned with IsNew false.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%s: %w", key, ErrPreviouslyFailed)
		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.store.Mark(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))

	claimed, err := i.store.Claim(ctx, key, handlerName, payload, i.now().Add(i.config.TTL))
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		return nil, ErrDuplicateMessage
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.Terminal != nil && i.config.Terminal(handlerErr) {
			status = StatusFailed
		}
		body, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.Mark(ctx, key, status, body); err != nil {
			i.logger.Error("record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.Mark(ctx, key, StatusFinished, result); err != nil {
		// The handler already committed; a replay finds its own work done.
		i.logger.Error("mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{IsNew: true, WasRecovered: recovered, Result: result}, nil
}

// MessageKey identifies a broker record by its position.
func MessageKey(topic string, partition int32, offset int64) string {
	return Key(topic, strconv.FormatInt(int64(partition), 10), strconv.FormatInt(offset, 10))
}

// Key hashes parts into a deterministic idempotency key.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// StartCleanup starts the periodic expiry and recovery loop.
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop started by StartCleanup.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.Cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup deletes expired entries and releases abandoned ones.
func (i *Inbox) Cleanup(ctx context.Context) error {
	now := i.now()
	deleted, err := i.store.DeleteExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("delete expired: %w", err)
	}
	recovered, err := i.store.RecoverStale(ctx, now.Add(-i.config.RecoveryTimeout))
	if err != nil {
		return fmt.Errorf("recover stale: %w", err)
	}
	if deleted > 0 || recovered > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", deleted), zap.Int64("recovered", recovered))
	}
	return nil
}

// GetStats returns counts per status.
func (i *Inbox) GetStats(ctx context.Context) (*Stats, error) {
	return i.store.Stats(ctx)
}
