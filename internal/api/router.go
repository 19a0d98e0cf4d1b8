// Package api assembles the HTTP surface of the label service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/api/handlers"
	"github.com/drfirst/go-medlabel/internal/api/middleware"
	"github.com/drfirst/go-medlabel/internal/observability/metrics"
	"github.com/drfirst/go-medlabel/pkg/circuitbreaker"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig carries what NewRouter wires together.
type RouterConfig struct {
	ServiceName string
	APIKeys     []string
	Handler     *handlers.Handler
	Database    Pinger
	Breakers    *circuitbreaker.Manager
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

// NewRouter builds the root router. Health and metrics are served without
// authentication; everything under /api/v1 requires an API key.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + cfg.ServiceName + `"}`))
	})
	r.Get("/readyz", readiness(cfg.Database, cfg.Breakers))
	if cfg.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(cfg.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/", cfg.Handler.Routes())
	})
	return r
}

type readyReport struct {
	Status   string                        `json:"status"`
	Database string                        `json:"database"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

// readiness fails only on the database. An open directory breaker degrades
// labels to placeholders but the service keeps answering.
func readiness(db Pinger, breakers *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := readyReport{Status: "ready", Database: "ok"}
		code := http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				report.Status = "not ready"
				report.Database = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		if breakers != nil {
			report.Breakers = breakers.Health()
			for _, b := range report.Breakers {
				if !b.Healthy && report.Status == "ready" {
					report.Status = "degraded"
				}
			}
		}
		writeReport(w, code, report)
	}
}

func writeReport(w http.ResponseWriter, code int, report readyReport) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}
