// Package main runs the label API together with the prescription feed
// consumer and the unresolved-medicine sweeper.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/api"
	"github.com/drfirst/go-medlabel/internal/api/handlers"
	"github.com/drfirst/go-medlabel/internal/app"
	"github.com/drfirst/go-medlabel/internal/config"
	"github.com/drfirst/go-medlabel/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medlabel/internal/ingest"
	"github.com/drfirst/go-medlabel/internal/observability/logging"
	"github.com/drfirst/go-medlabel/internal/observability/tracing"
	"github.com/drfirst/go-medlabel/internal/resolver"
	"github.com/drfirst/go-medlabel/pkg/idempotency"
)

const serviceName = "label-api"

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

	c, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer c.Close()

	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.Terminal = ingest.IsTerminal
	inbox := idempotency.New(idempotency.NewPostgresStore(c.Pool), inboxCfg, logger.Named("inbox"))
	inbox.StartCleanup()

	consumer, err := startConsumer(cfg, c, inbox, logger)
	if err != nil {
		logger.Fatal("feed consumer failed", zap.Error(err))
	}

	sweeper := resolver.NewSweeper(c.Resolver, cfg.RetrySweepInterval, c.Pacer(), logger.Named("sweeper"))
	if err := sweeper.Start(); err != nil {
		logger.Fatal("sweeper failed", zap.Error(err))
	}

	h := handlers.New(c.Resolver, c.Store, c.Ingest, logger.Named("http"))
	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.RouterConfig{
			ServiceName: serviceName,
			APIKeys:     cfg.APIKeys,
			Handler:     h,
			Database:    c.Store,
			Breakers:    c.Breakers,
			Metrics:     c.Metrics,
			Gatherer:    c.Registry,
			Logger:      logger,
		}),
		ReadTimeout: 15 * time.Second,
		// Label lookups may wait on a slow directory.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting label API", zap.String("port", cfg.Port), zap.Strings("brokers", cfg.KafkaBrokers))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer shutdown", zap.Error(err))
	}
	sweeper.Stop()
	inbox.Stop()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", zap.Error(err))
	}
	logger.Info("label API stopped")
}

func startConsumer(cfg *config.Config, c *app.Components, inbox *idempotency.Inbox, logger *zap.Logger) (*redpanda.Consumer, error) {
	feed := ingest.NewFeedHandler(c.Ingest, inbox, logger.Named("feed"))

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	ccfg.GroupID = cfg.KafkaGroupID
	if cfg.IngestWorkers > 0 {
		ccfg.Workers = cfg.IngestWorkers
	}

	consumer, err := redpanda.NewConsumer(ccfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		err := feed.Handle(ctx, ingest.Message{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Value:     msg.Value,
		})
		c.Metrics.ObserveFeedMessage(err)
		return err
	}, logger.Named("consumer"))
	if err != nil {
		return nil, err
	}
	consumer.Start()
	return consumer, nil
}
