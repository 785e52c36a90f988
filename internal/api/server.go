// Package api is the HTTP server of the reference fieldsync endpoint:
// device tokens and idempotent per-entity record ingest.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/marcus/fieldsync/internal/auth"
	"github.com/marcus/fieldsync/internal/serverdb"
)

// Server is the HTTP API server for fieldsync-server.
type Server struct {
	config      Config
	http        *http.Server
	store       *serverdb.ServerDB
	issuer      *auth.Issuer
	metrics     *Metrics
	rateLimiter *RateLimiter
	jobs        *cron.Cron
}

// NewServer creates a new Server with the given config and store.
func NewServer(cfg Config, store *serverdb.ServerDB) (*Server, error) {
	issuer, err := auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	s := &Server{
		config:      cfg,
		store:       store,
		issuer:      issuer,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler, for embedding in tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens on the configured address and serves in the background.
// It also starts the maintenance jobs; both stop on Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Info("listening", "addr", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http serve", "err", err)
		}
	}()

	s.jobs = s.maintenance()
	s.jobs.Start()
	return nil
}

// maintenance schedules bucket pruning and rate limit event retention.
func (s *Server) maintenance() *cron.Cron {
	logger := cron.VerbosePrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	c.Schedule(cron.Every(5*time.Minute), cron.FuncJob(func() {
		if n := s.rateLimiter.Prune(2 * time.Minute); n > 0 {
			slog.Debug("pruned rate buckets", "count", n)
		}
	}))
	c.Schedule(cron.Every(time.Hour), cron.FuncJob(func() {
		n, err := s.store.CleanupRateLimitEvents(s.config.RateLimitEventRetention)
		switch {
		case err != nil:
			slog.Error("rate limit event retention", "err", err)
		case n > 0:
			slog.Info("rate limit events expired", "count", n)
		}
	}))
	return c
}

// Shutdown stops the maintenance jobs and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.jobs != nil {
		<-s.jobs.Stop().Done()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, requestLogger(s.metrics), recoverJSON,
		chimiddleware.RequestSize(s.config.MaxBodyBytes))

	// Health & metrics
	r.Get("/healthz", s.handleHealth)
	r.Get("/metricz", s.handleMetrics)

	// Auth (public)
	r.With(s.authRateLimit).Post("/v1/auth/token", s.handleToken)

	// Sync
	r.Group(func(r chi.Router) {
		r.Use(s.requireDevice, s.deviceRateLimit)
		r.Post("/v1/sync/{entity}", s.handlePush)
	})

	return r
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
