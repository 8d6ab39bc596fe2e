package app

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pioreactor/pioreactor-go/internal/adapter/httpserver"
	"github.com/pioreactor/pioreactor-go/internal/adapter/observability"
	"github.com/pioreactor/pioreactor-go/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter wraps an API subtree (the leader's /api or a unit's /unit_api)
// with the shared middleware stack, health, and metrics endpoints.
func BuildRouter(cfg config.Config, api chi.Router, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.Timeout(30 * time.Second))
	r.Use(httpserver.AccessLog(logger))
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.RateLimitPerMin > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Mount("/", api)
	return r
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(srv *http.Server, shutdownTimeout time.Duration, stop <-chan struct{}, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-stop:
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", slog.Any("error", err))
		return err
	}
	return nil
}
