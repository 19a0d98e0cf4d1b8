// Package app wires the store, directory client and pipelines shared by the
// binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/config"
	"github.com/drfirst/go-medlabel/internal/directory"
	"github.com/drfirst/go-medlabel/internal/infrastructure/postgres"
	"github.com/drfirst/go-medlabel/internal/ingest"
	"github.com/drfirst/go-medlabel/internal/observability/metrics"
	"github.com/drfirst/go-medlabel/internal/resolver"
	"github.com/drfirst/go-medlabel/pkg/circuitbreaker"
)

// Breaker names.
const (
	DirectoryBreaker = "drug-directory"
	LegacyBreaker    = "legacy-directory"
)

// Components are the long-lived objects a binary runs.
type Components struct {
	Config    *config.Config
	Logger    *zap.Logger
	Pool      *pgxpool.Pool
	Store     *postgres.Store
	Breakers  *circuitbreaker.Manager
	Directory *directory.Client
	Resolver  *resolver.Service
	Ingest    *ingest.Service
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
}

// Build connects to the database, migrates it and assembles the pipelines.
// The caller owns Close.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Components{
		Config:   cfg,
		Logger:   logger,
		Breakers: circuitbreaker.NewManager(logger),
		Registry: prometheus.NewRegistry(),
	}
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewBreakerCollector(c.Breakers),
	)
	c.Metrics = metrics.New(c.Registry)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	c.Pool = pool

	c.Store, err = postgres.Open(ctx, pool, logger.Named("store"))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	breaker, err := c.Breakers.GetOrCreate(DirectoryBreaker, directory.BreakerConfig(DirectoryBreaker))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("directory breaker: %w", err)
	}
	dcfg := directory.DefaultConfig()
	if cfg.DirectoryBaseURL != "" {
		dcfg.BaseURL = cfg.DirectoryBaseURL
	}
	dcfg.Timeout = cfg.DirectoryTimeout
	c.Directory = directory.New(dcfg, breaker, logger.Named("directory"), directory.WithObserver(c.Metrics))

	c.Resolver = resolver.New(c.Store, c.Directory, logger.Named("resolver"), resolver.WithRecorder(c.Metrics))
	c.Ingest = ingest.New(c.Store, c.Metrics, logger.Named("ingest"))
	return c, nil
}

// Pacer spaces directory lookups by the configured call delay.
func (c *Components) Pacer() *resolver.Pacer {
	return resolver.NewPacer(c.Config.DirectoryCallDelay)
}

// Legacy returns the price and efficacy client used by the legacy backfill.
func (c *Components) Legacy() (*directory.LegacyClient, error) {
	if c.Config.LegacyServiceKey == "" {
		return nil, errors.New("LEGACY_SERVICE_KEY is required for the legacy backfill")
	}
	breaker, err := c.Breakers.GetOrCreate(LegacyBreaker, circuitbreaker.DefaultConfig(LegacyBreaker))
	if err != nil {
		return nil, fmt.Errorf("legacy breaker: %w", err)
	}
	lcfg := directory.DefaultLegacyConfig()
	if c.Config.LegacyBaseURL != "" {
		lcfg.BaseURL = c.Config.LegacyBaseURL
	}
	lcfg.ServiceKey = c.Config.LegacyServiceKey
	lcfg.Timeout = c.Config.DirectoryTimeout
	return directory.NewLegacy(lcfg, breaker, c.Logger.Named("legacy"), directory.WithObserver(c.Metrics)), nil
}

// Close releases the database pool.
func (c *Components) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}
