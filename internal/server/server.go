// Package server exposes keyframe search over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/bdougie/framesearch/internal/export"
	"github.com/bdougie/framesearch/internal/layout"
	"github.com/bdougie/framesearch/internal/metrics"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/query"
)

// MaxTopK bounds the number of results a single request may ask for.
const MaxTopK = 1000

// Searcher runs keyframe queries.
type Searcher interface {
	Query(ctx context.Context, req query.Request) (*query.Response, error)
}

// Exporter writes the audit CSV for a query.
type Exporter interface {
	Write(mode export.Mode, query string, topK int, threshold *float64, results []models.RankedResult) (string, error)
}

// Options configures a Server. Searcher is required; the rest are optional.
type Options struct {
	Searcher Searcher
	Dataset  layout.Dataset
	Exporter Exporter
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	// Timeout bounds each query. Zero means no timeout beyond the client's.
	Timeout time.Duration
	// TextThreshold applies to /search when the request has no score_threshold.
	TextThreshold float64
}

// Server is the HTTP front end
type Server struct {
	echo          *echo.Echo
	searcher      Searcher
	dataset       layout.Dataset
	exporter      Exporter
	metrics       *metrics.Recorder
	logger        *slog.Logger
	timeout       time.Duration
	textThreshold float64
}

// New creates a server and registers its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		echo:          echo.New(),
		searcher:      opts.Searcher,
		dataset:       opts.Dataset,
		exporter:      opts.Exporter,
		metrics:       opts.Metrics,
		logger:        logger,
		timeout:       opts.Timeout,
		textThreshold: opts.TextThreshold,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Info("request", attrs...)
			return nil
		},
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	g := s.echo.Group("/api/v1/keyframe")
	g.POST("/search", s.searchText)
	g.POST("/search/exclude-groups", s.searchExcludeGroups)
	g.POST("/search/selected-groups-videos", s.searchSelected)
	g.POST("/search/range", s.searchRange)
	g.POST("/search/exclude-ids", s.searchExcludeIDs)
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// statusOf maps a query failure to an HTTP status.
func statusOf(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch query.StageOf(err) {
	case query.StageValidate:
		return http.StatusBadRequest
	case query.StageScope, query.StageEmbed, query.StageSearch, query.StageMetadata:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// statusLabel is the metrics label for a query outcome.
func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	if stage := query.StageOf(err); stage != "" {
		return string(stage)
	}
	return "error"
}
