// Package api is the HTTP surface of issueagent: GitHub webhook intake, the
// admin job API, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"issueagent/pkg/jobs"
	"issueagent/pkg/logx"
	"issueagent/pkg/router"
)

// maxWebhookBody bounds webhook payloads; GitHub caps deliveries at 25MB.
const maxWebhookBody = "25M"

// EventSubmitter is the event router.
type EventSubmitter interface {
	Submit(ctx context.Context, ev router.Event) (router.Result, error)
}

// Jobs is the part of the job manager the API reads and cancels through.
type Jobs interface {
	Get(ctx context.Context, jobID string) (jobs.Snapshot, error)
	Logs(ctx context.Context, jobID string) ([]string, error)
	Cancel(ctx context.Context, jobID string) (jobs.CancelResult, error)
}

// Lister pages through job history.
type Lister interface {
	List(ctx context.Context, f jobs.Filter) (jobs.Page, error)
}

// HealthCheck reports a dependency problem, or nil when healthy.
type HealthCheck func(ctx context.Context) error

// Config configures the server.
type Config struct {
	WebhookSecret string
	// AllowedRepos restricts intake; empty accepts any repository.
	AllowedRepos []string
	Version      string
}

// Deps are the collaborators of a Server. Router, Jobs and Lister are required.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Deps struct {
	Router   EventSubmitter
	Jobs     Jobs
	Lister   Lister
	Auth     *Authenticator
	Gatherer prometheus.Gatherer
	Checks   map[string]HealthCheck
}

// Server is the HTTP server.
type Server struct {
	cfg     Config
	deps    Deps
	allowed map[string]bool
	echo    *echo.Echo
	logger  *logx.Logger
	started time.Time
}

// NewServer builds the echo instance and registers every route.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Router == nil || deps.Jobs == nil || deps.Lister == nil {
		return nil, errors.New("api: router, jobs and lister are required")
	}
	if deps.Auth == nil {
		return nil, errors.New("api: authenticator is required")
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		allowed: make(map[string]bool, len(cfg.AllowedRepos)),
		echo:    echo.New(),
		logger:  logx.NewLogger("api"),
		started: time.Now(),
	}
	for _, r := range cfg.AllowedRepos {
		s.allowed[r] = true
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(s.requestLogger())

	e.GET("/health", s.handleHealth)
	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	e.POST("/webhooks/github", s.handleWebhook, middleware.BodyLimit(maxWebhookBody))

	g := e.Group("/api", deps.Auth.Middleware())
	g.GET("/jobs", s.handleListJobs)
	g.GET("/jobs/:id", s.handleGetJob)
	g.GET("/jobs/:id/logs", s.handleJobLogs)
	g.POST("/jobs/:id/cancel", s.handleCancelJob)

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("🌐 Listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// requestLogger logs each request at debug, errors at warn.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status, _ = mapError(err)
			}
			req := c.Request()
			if status >= http.StatusBadRequest {
				s.logger.Warn("%s %s -> %d (%s) request_id=%s", req.Method, req.URL.Path, status,
					time.Since(start).Round(time.Millisecond), c.Response().Header().Get(echo.HeaderXRequestID))
			} else {
				s.logger.Debug("%s %s -> %d (%s)", req.Method, req.URL.Path, status, time.Since(start).Round(time.Millisecond))
			}
			return err
		}
	}
}
