package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parasxparkash/zerodhaDataCollector/internal/config"
	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
	"github.com/parasxparkash/zerodhaDataCollector/internal/pipeline"
)

// statusSource is what the health endpoints read from a running collector.
type statusSource interface {
	Ping(ctx context.Context) error
	SessionState() model.SessionState
	PipelineStats() pipeline.Stats
	Instruments() []model.Instrument
	Gatherer() prometheus.Gatherer
}

// server exposes health, metrics and debug endpoints.
type server struct {
	http   *http.Server
	logger *slog.Logger
}

func newServer(cfg config.MetricsConfig, src statusSource, logger *slog.Logger) *server {
	return &server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           newRouter(cfg.Path, src, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func (s *server) Start() {
	go func() {
		s.logger.Info("starting health server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server error", "error", err)
		}
	}()
}

func (s *server) Stop(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("health server shutdown", "error", err)
	}
}

func newRouter(metricsPath string, src statusSource, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := src.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["database"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["database"] = "connected"
		}

		state := src.SessionState()
		health.Components["session"] = state
		if state.Status == model.StatusReconnecting && health.Status == "healthy" {
			health.Status = "degraded"
		}

		stats := src.PipelineStats()
		health.Components["pipeline"] = stats
		if stats.FallbackRows > 0 && health.Status == "healthy" {
			health.Status = "degraded"
		}

		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health, logger)
	})

	r.Get("/debug/session", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"session":  src.SessionState(),
			"pipeline": src.PipelineStats(),
		}, logger)
	})

	r.Get("/debug/instruments", func(w http.ResponseWriter, req *http.Request) {
		instruments := src.Instruments()
		total := len(instruments)

		// Limit to first 100 for debugging
		const limit = 100
		if len(instruments) > limit {
			instruments = instruments[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":       total,
			"showing":     len(instruments),
			"instruments": instruments,
		}, logger)
	})

	r.Handle(metricsPath, promhttp.HandlerFor(src.Gatherer(), promhttp.HandlerOpts{}))

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write response", "error", err)
	}
}

// Ping implements statusSource.
func (c *collector) Ping(ctx context.Context) error { return c.pools.Ping(ctx) }

// SessionState implements statusSource.
func (c *collector) SessionState() model.SessionState { return c.session.State() }

// PipelineStats implements statusSource.
func (c *collector) PipelineStats() pipeline.Stats { return c.pipeline.Stats() }

// Instruments implements statusSource.
func (c *collector) Instruments() []model.Instrument { return c.registry.Instruments() }

// Gatherer implements statusSource.
func (c *collector) Gatherer() prometheus.Gatherer { return c.promReg }
