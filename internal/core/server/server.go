package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/gena/ee-map-draw-demo/internal/core/config"
	"github.com/gena/ee-map-draw-demo/internal/core/health"
	"github.com/gena/ee-map-draw-demo/internal/core/middleware"
	"github.com/gena/ee-map-draw-demo/internal/core/observability"
	"github.com/gena/ee-map-draw-demo/internal/core/router"
)

// Run sets up http and serves until the context is canceled.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, h *router.Handlers, store health.Pinger) error {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	// browser map clients run on their own origins
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "If-None-Match"},
	}))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(store))
	r.Get("/metrics", observability.Handler().ServeHTTP)

	r.Get("/map/{year}", h.GetMap())

	r.Post("/assets/create", h.CreateAsset())
	r.Get("/assets/create", h.CreateAsset()) // legacy clients use GET with a body
	r.Get("/assets", h.ListAssets())
	r.Get("/assets/search", h.SearchAssets())
	r.Put("/assets/update/{id}", h.UpdateAsset())
	r.Delete("/assets/delete/{id}", h.DeleteAsset())
	r.Get("/assets/clear", h.ClearAssets())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
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
