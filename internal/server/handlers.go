package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Sternrassler/cliniko-referrals/pkg/progress"
	"github.com/labstack/echo/v4"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(c echo.Context) error {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"redis":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// handleTest verifies the upstream credentials with a one-record request.
func (s *Server) handleTest(c echo.Context) error {
	total, err := s.runner.Check(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
	}

	sample := "No patients"
	if total > 0 {
		sample = "Found"
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":       true,
		"message":       "Connected to Cliniko successfully!",
		"totalPatients": total,
		"samplePatient": sample,
	})
}

// handleDebug returns the first contact listing page verbatim.
func (s *Server) handleDebug(c echo.Context) error {
	body, err := s.fetcher.Fetch(c.Request().Context(), "/contacts?per_page=1")
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSONBlob(http.StatusOK, body)
}

// handleReferrals starts a run and streams its events until the run
// terminates or the client goes away.
func (s *Server) handleReferrals(c echo.Context) error {
	if !s.acquireRun() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"error":   "server is shutting down",
		})
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	reqCtx := c.Request().Context()
	em := s.runner.NewEmitter()
	defer em.Detach()

	logger := s.logger.With().Str("run_id", em.RunID()).Logger()

	parent := s.runCtx
	if s.cfg.CancelOnDisconnect {
		parent = reqCtx
	}
	runCtx, cancel := context.WithCancel(parent)

	go func() {
		defer s.runs.Done()
		defer cancel()
		_, _ = s.runner.Run(runCtx, em)
	}()

	for {
		select {
		case ev, ok := <-em.Events():
			if !ok {
				return nil
			}
			if err := progress.Encode(w, ev); err != nil {
				logger.Warn().Err(err).Msg("Event write failed, detaching subscriber")
				return nil
			}
			w.Flush()
		case <-reqCtx.Done():
			logger.Info().
				Bool("cancel_run", s.cfg.CancelOnDisconnect).
				Msg("Subscriber disconnected")
			return nil
		}
	}
}
