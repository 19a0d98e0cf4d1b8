// Package main runs the outbox relay, which publishes label events written
// by the store to the broker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/config"
	"github.com/drfirst/go-medlabel/internal/infrastructure/postgres"
	"github.com/drfirst/go-medlabel/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medlabel/internal/observability/logging"
	"github.com/drfirst/go-medlabel/internal/observability/metrics"
	"github.com/drfirst/go-medlabel/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"
	// processedRetention is how long published rows stay in the table.
	processedRetention = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(serviceName, cfg.IsDev(), cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if _, _, err := postgres.Migrate(ctx, pool, logger.Named("store")); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger.Named("producer"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to broker", zap.Strings("brokers", cfg.KafkaBrokers))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, &countingPublisher{producer, m}, outboxCfg, logger.Named("outbox"))
	outbox.Start()

	scheduler, err := maintenance(outbox, m, logger)
	if err != nil {
		logger.Fatal("maintenance schedule failed", zap.Error(err))
	}
	scheduler.StartAsync()

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := producer.Ping(r.Context()); err != nil {
			http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	scheduler.Stop()
	outbox.Stop()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// maintenance schedules dead-lettering, cleanup and the pending gauge.
func maintenance(outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.Local)
	s.SingletonModeAll()

	if _, err := s.Every(time.Minute).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
			logger.Error("dead letter sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
		}
		stats, err := outbox.GetStats(ctx)
		if err != nil {
			logger.Error("outbox stats failed", zap.Error(err))
			return
		}
		m.SetOutboxPending(stats.Pending)
	}); err != nil {
		return nil, err
	}

	if _, err := s.Every(time.Hour).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		n, err := outbox.CleanupProcessed(ctx, processedRetention)
		if err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
			return
		}
		logger.Info("outbox cleaned up", zap.Int64("deleted", n))
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// countingPublisher counts successful publishes.
type countingPublisher struct {
	producer *redpanda.Producer
	metrics  *metrics.Metrics
}

func (p *countingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := p.producer.Publish(ctx, topic, key, value); err != nil {
		return err
	}
	p.metrics.OutboxPublished.Inc()
	return nil
}
