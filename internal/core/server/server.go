package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/config"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/health"
	middleware "github.com/mohammed-shakir/wfs3-feature-stream/internal/core/middleware"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/router"
)

// NewHandler wires probes, metrics and the API routes.
func NewHandler(logger *slog.Logger, api *router.API, ready health.ReadinessReporter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(ready, 2*time.Second))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	api.Mount(r)
	return r
}

// Run serves until ctx is done.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// PUT ?wait=true holds the response until every layer refreshed
		WriteTimeout: cfg.WaitTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
