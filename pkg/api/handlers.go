package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/github"
	"issueagent/pkg/jobs"
	"issueagent/pkg/logx"
	"issueagent/pkg/router"
)

const healthCheckTimeout = 2 * time.Second

// handleHealth implements GET /health.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"checks": checks,
	}
	if s.cfg.Version != "" {
		body["version"] = s.cfg.Version
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	return c.JSON(status, body)
}

// handleWebhook implements POST /webhooks/github.
func (s *Server) handleWebhook(c echo.Context) error {
	req := c.Request()
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if s.cfg.WebhookSecret == "" {
		return github.ErrInvalidSignature
	}
	if err := github.ValidateSignature(payload, req.Header.Get(github.SignatureHeader), s.cfg.WebhookSecret); err != nil {
		s.logger.Warn("🚫 Rejected webhook delivery %s from %s: %v", req.Header.Get(github.DeliveryHeader), c.RealIP(), err)
		return err
	}

	eventType := req.Header.Get(github.EventHeader)
	delivery := req.Header.Get(github.DeliveryHeader)
	if eventType == "ping" {
		return c.JSON(http.StatusOK, router.Result{Kind: router.Ignored, Reason: "pong"})
	}

	ev, err := github.ToEvent(eventType, payload)
	if err != nil {
		if errors.Is(err, github.ErrUnsupportedEvent) {
			return c.JSON(http.StatusAccepted, router.Result{Kind: router.Ignored, Reason: err.Error()})
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(s.allowed) > 0 && !s.allowed[ev.Repository] {
		return c.JSON(http.StatusAccepted, router.Result{Kind: router.Ignored, Reason: "repository not allowed"})
	}

	res, err := s.deps.Router.Submit(req.Context(), ev)
	if err != nil {
		return err
	}
	s.logger.Info("📨 Delivery %s (%s %s#%d): %s %s", delivery, ev.Kind, ev.Repository, ev.Entity, res.Kind, res.JobID)
	return c.JSON(http.StatusAccepted, res)
}

// listQuery is the query string of GET /api/jobs.
type listQuery struct {
	State  string `query:"state"`
	Repo   string `query:"repo" validate:"omitempty,max=200"`
	Limit  int    `query:"limit" validate:"min=0,max=500"`
	Offset int    `query:"offset" validate:"min=0"`
}

func (q listQuery) filter() (jobs.Filter, error) {
	f := jobs.Filter{Repository: q.Repo, Limit: q.Limit, Offset: q.Offset}
	for _, raw := range strings.Split(q.State, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		st, err := agentstate.ParseState(raw)
		if err != nil {
			return jobs.Filter{}, &ValidationError{Field: "state", Message: err.Error()}
		}
		f.States = append(f.States, st)
	}
	return f, nil
}

// handleListJobs implements GET /api/jobs.
func (s *Server) handleListJobs(c echo.Context) error {
	var q listQuery
	if err := c.Bind(&q); err != nil {
		return &ValidationError{Field: "query", Message: "malformed query parameters"}
	}
	if err := c.Validate(q); err != nil {
		return err
	}
	f, err := q.filter()
	if err != nil {
		return err
	}
	page, err := s.deps.Lister.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// handleGetJob implements GET /api/jobs/:id.
func (s *Server) handleGetJob(c echo.Context) error {
	snap, err := s.deps.Jobs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

// handleJobLogs implements GET /api/jobs/:id/logs. Lines come from the job's
// own bounded log; entries are the process log lines attributed to it.
func (s *Server) handleJobLogs(c echo.Context) error {
	id := c.Param("id")
	lines, err := s.deps.Jobs.Logs(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if lines == nil {
		lines = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"job_id":  id,
		"lines":   lines,
		"entries": logx.GetRecentLogEntries(logx.EntryFilter{JobID: id}),
	})
}

// handleCancelJob implements POST /api/jobs/:id/cancel.
func (s *Server) handleCancelJob(c echo.Context) error {
	id := c.Param("id")
	res, err := s.deps.Jobs.Cancel(c.Request().Context(), id)
	if err != nil {
		return err
	}
	status := http.StatusAccepted
	switch res {
	case jobs.NotFound:
		status = http.StatusNotFound
	case jobs.AlreadyTerminal:
		status = http.StatusConflict
	}
	s.logger.Info("🛑 Cancel %s by %s: %s", id, Subject(c), res)
	return c.JSON(status, map[string]string{"job_id": id, "result": string(res)})
}
