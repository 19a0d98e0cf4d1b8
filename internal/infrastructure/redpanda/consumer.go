package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/pkg/workerpool"
)

// ConsumerConfig holds configuration for the feed consumer.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeoutMS is the group session timeout.
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the group heartbeat interval.
	HeartbeatIntervalMS int64
	// FetchMaxBytes is the maximum fetch size.
	FetchMaxBytes int32
	// StartOffset is earliest or latest.
	StartOffset string
	// Workers handle the records of one poll concurrently. One keeps
	// records strictly in partition order.
	Workers int
	// MaxRetries is the number of handler retries before a record is given up on.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number.
	RetryDelay time.Duration
}

// DefaultConsumerConfig returns defaults for the prescription feed.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "medlabel-ingest",
		Topics:              []string{TopicPrescriptionFeed},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		FetchMaxBytes:       52428800,
		StartOffset:         "earliest",
		Workers:             1,
		MaxRetries:          3,
		RetryDelay:          500 * time.Millisecond,
	}
}

// MessageHandler is called for each consumed record. A returned error is
// retried; once retries run out the record is left uncommitted.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record as seen by handlers.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads the feed in a consumer group and commits offsets manually
// after records are handled.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	pool    *workerpool.Pool[*kgo.Record]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	bytesRead      int64
	errorCount     int64
	lastCommitTime time.Time
}

// NewConsumer creates a consumer.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke", zap.Error(err))
			}
		}),
	}
	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	c.pool, err = workerpool.New(workerpool.Config{
		Workers:    cfg.Workers,
		QueueSize:  cfg.Workers * 4,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, func(ctx context.Context, task workerpool.Task[*kgo.Record]) error {
		return c.processRecord(ctx, task.Payload)
	}, logger.Named("feed-workers"))
	if err != nil {
		cancel()
		client.Close()
		return nil, err
	}
	return c, nil
}

// Start begins consuming.
func (c *Consumer) Start() {
	c.pool.Start()
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop finishes in-flight records, commits what was handled and closes the client.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("commit offsets on stop", zap.Error(err))
	}
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
				c.incrementErrorCount()
			}
			continue
		}
		c.handleFetches(fetches.Records())
	}
}

// handleFetches runs one poll's records through the pool and commits the
// handled prefix of each partition.
func (c *Consumer) handleFetches(records []*kgo.Record) {
	if len(records) == 0 {
		return
	}
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = map[*kgo.Record]bool{}
	)
	for _, r := range records {
		r := r
		wg.Add(1)
		err := c.pool.Submit(c.ctx, workerpool.Task[*kgo.Record]{
			ID:      r.Topic + "/" + strconv.Itoa(int(r.Partition)) + "/" + strconv.FormatInt(r.Offset, 10),
			Payload: r,
			Done: func(res workerpool.Result) {
				if res.Err != nil {
					mu.Lock()
					failed[r] = true
					mu.Unlock()
				}
				wg.Done()
			},
		})
		if err != nil {
			mu.Lock()
			failed[r] = true
			mu.Unlock()
			wg.Done()
		}
	}
	wg.Wait()

	done := committable(records, failed)
	if len(done) == 0 {
		return
	}
	c.client.MarkCommitRecords(done...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Error("commit offsets", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
}

// committable returns, per partition, the records before the first failure.
// Records are assumed in fetch order, which is offset order within a partition.
func committable(records []*kgo.Record, failed map[*kgo.Record]bool) []*kgo.Record {
	type tp struct {
		topic     string
		partition int32
	}
	blocked := map[tp]bool{}
	var out []*kgo.Record
	for _, r := range records {
		k := tp{r.Topic, r.Partition}
		if blocked[k] {
			continue
		}
		if failed[r] {
			blocked[k] = true
			continue
		}
		out = append(out, r)
	}
	return out
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{record})
	ctx, span := c.tracer.Start(ctx, "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Warn("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		c.incrementErrorCount()
		return err
	}
	c.incrementMetrics(len(record.Value))
	return nil
}

// ConsumerStats holds consumer counters.
type ConsumerStats struct {
	MessagesRead   int64
	BytesRead      int64
	ErrorCount     int64
	LastCommitTime time.Time
	Pool           workerpool.Stats
}

// Stats returns current consumer statistics.
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		BytesRead:      c.bytesRead,
		ErrorCount:     c.errorCount,
		LastCommitTime: c.lastCommitTime,
		Pool:           c.pool.Stats(),
	}
}

func (c *Consumer) incrementMetrics(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesRead++
	c.bytesRead += int64(bytes)
}

func (c *Consumer) incrementErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}
