// Package server exposes aggregation runs over HTTP. Each GET of the
// referrals endpoint starts one run and streams its progress as
// server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/cliniko-referrals/pkg/metrics"
	"github.com/Sternrassler/cliniko-referrals/pkg/progress"
	"github.com/Sternrassler/cliniko-referrals/pkg/referrals"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Runner executes aggregation runs. *pipeline.Runner implements it.
type Runner interface {
	NewEmitter() *progress.Emitter
	Run(ctx context.Context, em *progress.Emitter) (referrals.Result, error)
	Check(ctx context.Context) (int, error)
}

// RawFetcher returns an upstream response body. *client.Client implements it.
type RawFetcher interface {
	Fetch(ctx context.Context, endpoint string) (json.RawMessage, error)
}

// Config holds HTTP server settings.
type Config struct {
	Port string

	// CancelOnDisconnect cancels a run when its subscriber goes away.
	// Otherwise the run continues to completion and later events are
	// discarded.
	CancelOnDisconnect bool

	// ShutdownTimeout bounds how long Shutdown waits for in-flight runs.
	ShutdownTimeout time.Duration
}

// Server is the HTTP front of the aggregation pipeline.
type Server struct {
	echo    *echo.Echo
	cfg     Config
	runner  Runner
	fetcher RawFetcher
	redis   *redis.Client
	logger  zerolog.Logger

	mu      sync.Mutex
	closing bool
	runs    sync.WaitGroup

	runCtx     context.Context
	cancelRuns context.CancelFunc
}

// New creates a server. fetcher and rdb may be nil; without fetcher the
// debug endpoint is not registered and without rdb readiness does not
// depend on Redis.
func New(cfg Config, runner Runner, fetcher RawFetcher, rdb *redis.Client, logger zerolog.Logger) *Server {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(Recovery(logger))
	e.Use(RequestID())
	e.Use(Logger(logger))

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:       e,
		cfg:        cfg,
		runner:     runner,
		fetcher:    fetcher,
		redis:      rdb,
		logger:     logger,
		runCtx:     runCtx,
		cancelRuns: cancel,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/ready", s.handleReady)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api/cliniko")
	api.GET("/referrals", s.handleReferrals)
	api.GET("/test", s.handleTest)
	if fetcher != nil {
		api.GET("/debug", s.handleDebug)
	}

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured port until Shutdown.
func (s *Server) Start() error {
	addr := ":" + s.cfg.Port
	s.logger.Info().Str("addr", addr).Msg("starting server")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, then waits for in-flight runs until
// ctx or the shutdown timeout expires and cancels whatever is left.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	defer s.cancelRuns()

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout, cancelling in-flight runs")
	}
	return err
}

// acquireRun registers a new run unless the server is shutting down.
// Registration and the closing check share a lock so that no run is added
// once Shutdown has started waiting.
func (s *Server) acquireRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.runs.Add(1)
	return true
}
