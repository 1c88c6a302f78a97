// Package server exposes the telephony webhooks and the admin API over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/config"
	"github.com/rcliao/voicekb/internal/knowledge"
	"github.com/rcliao/voicekb/internal/metrics"
	"github.com/rcliao/voicekb/internal/session"
)

const (
	voicePath  = "/webhook/voice"
	speechPath = "/webhook/speech"
	statusPath = "/webhook/status"
)

// Server wires the session engine and the knowledge service to HTTP.
type Server struct {
	echo      *echo.Echo
	cfg       *config.Config
	engine    *session.Engine
	knowledge *knowledge.Service
	logger    *zap.Logger
}

// New builds the router.
func New(cfg *config.Config, engine *session.Engine, kb *knowledge.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Register()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{echo: e, cfg: cfg, engine: engine, knowledge: kb, logger: logger}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST(voicePath, s.voice)
	e.POST(speechPath, s.speech)
	e.POST(statusPath, s.status)

	api := e.Group("/api")
	api.POST("/kb", s.createKnowledgeBase)
	api.GET("/kb", s.listKnowledgeBases)
	api.POST("/kb/import", s.importKnowledgeBase)
	api.GET("/kb/:id", s.getKnowledgeBase)
	api.DELETE("/kb/:id", s.deleteKnowledgeBase)
	api.GET("/kb/:id/export", s.exportKnowledgeBase)
	api.POST("/kb/:id/documents", s.addDocument)
	api.GET("/kb/:id/documents", s.listDocuments)
	api.POST("/kb/:id/query", s.query)
	api.GET("/kb/:id/search", s.search)
	api.DELETE("/documents/:id", s.deleteDocument)
	api.GET("/calls", s.listCalls)
	api.GET("/calls/:sid", s.getCall)
	api.GET("/calls/:sid/transcript", s.transcript)
	api.POST("/calls/:sid/end", s.endCall)

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on cfg.Server.Addr and sweeps idle calls until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.engine.RunSweeper(ctx, s.cfg.Server.SweepInterval)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Server.Addr))
		errc <- s.echo.Start(s.cfg.Server.Addr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": len(s.engine.ActiveCalls()),
	})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.ConcurrentTurnConflict, apperr.InvalidStateTransition:
		return http.StatusConflict
	case apperr.KnowledgeBaseNotFound, apperr.SessionNotFound, apperr.DocumentNotFound:
		return http.StatusNotFound
	case apperr.DocumentProcessing, apperr.InvalidInput, apperr.DimensionMismatch:
		return http.StatusBadRequest
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.ProviderUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	body := map[string]string{"error": err.Error()}

	var he *echo.HTTPError
	var ae *apperr.Error
	switch {
	case errors.As(err, &he):
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			body["error"] = msg
		}
	case errors.As(err, &ae):
		code = statusFor(ae.Kind)
		body["kind"] = string(ae.Kind)
		if ae.RetryAfter > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(ae.RetryAfter.Seconds()+0.5)))
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		s.logger.Warn("write error response", zap.Error(err))
	}
}
