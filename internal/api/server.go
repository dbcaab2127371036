// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rollcallhq/rollcall/internal/logging"
)

// ServerConfig holds HTTP server settings. The admin surface binds to
// loopback by default; it is an operator console, not a public API.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            "127.0.0.1:7337",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimitReqs:   300,
		RateLimitWindow: time.Minute,
	}
}

// Server is the admin HTTP server, run as a suture service.
type Server struct {
	cfg      ServerConfig
	handlers *Handlers
}

// NewServer creates the admin HTTP server.
func NewServer(cfg ServerConfig, handlers *Handlers) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerConfig().Addr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}
	if cfg.RateLimitReqs <= 0 {
		cfg.RateLimitReqs = DefaultServerConfig().RateLimitReqs
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultServerConfig().RateLimitWindow
	}
	return &Server{cfg: cfg, handlers: handlers}
}

// Routes builds the router. Split out from Serve so tests can exercise
// the full routing table with httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogging)

	r.Get("/healthz", s.handlers.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Generous limit: a busy check-in desk scans a few per second,
		// anything beyond this is a misbehaving client.
		r.Use(httprate.LimitByIP(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow))

		r.Post("/scans", s.handlers.RecordScan)
		r.Get("/status", s.handlers.SyncStatus)
		r.Post("/sync", s.handlers.TriggerSync)
		r.Get("/records", s.handlers.ListRecords)

		r.Route("/roster", func(r chi.Router) {
			r.Get("/", s.handlers.RosterInfo)
			r.Get("/search", s.handlers.RosterSearch)
			r.Get("/{code}", s.handlers.RosterLookup)
		})
	})

	return r
}

// Serve implements suture.Service: runs the HTTP server until the
// context ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.cfg.Addr).Msg("Admin API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("Admin API shutdown error")
		}
		logging.Info().Msg("Admin API stopped")
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) String() string { return "admin-api" }

// requestLogging logs each request at debug with method, path, status
// and latency.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
