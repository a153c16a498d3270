package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"issueagent/pkg/api"
	"issueagent/pkg/jobs"
)

// apiClient talks to the job API of a running instance.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// apiStatusError is a non-2xx response.
type apiStatusError struct {
	Status int
	Err    api.APIError
}

func (e *apiStatusError) Error() string {
	if e.Err.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Err.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

type listOptions struct {
	States []string
	Repo   string
	Limit  int
	Offset int
}

type logsResponse struct {
	JobID string   `json:"job_id"`
	Lines []string `json:"lines"`
}

type cancelResponse struct {
	JobID  string `json:"job_id"`
	Result string `json:"result"`
}

func (c *apiClient) ListJobs(ctx context.Context, opts listOptions) (jobs.Page, error) {
	q := url.Values{}
	if len(opts.States) > 0 {
		q.Set("state", strings.Join(opts.States, ","))
	}
	if opts.Repo != "" {
		q.Set("repo", opts.Repo)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	var page jobs.Page
	err := c.do(ctx, http.MethodGet, "/api/jobs", q, &page)
	return page, err
}

func (c *apiClient) GetJob(ctx context.Context, id string) (jobs.Snapshot, error) {
	var snap jobs.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &snap)
	return snap, err
}

func (c *apiClient) JobLogs(ctx context.Context, id string) ([]string, error) {
	var out logsResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id)+"/logs", nil, &out)
	return out.Lines, err
}

// CancelJob returns the cancel result; a 409 for an already finished job is
// reported as a result, not an error.
func (c *apiClient) CancelJob(ctx context.Context, id string) (string, error) {
	var out cancelResponse
	err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &out)
	var statusErr *apiStatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusConflict {
		return string(jobs.AlreadyTerminal), nil
	}
	return out.Result, err
}

func (c *apiClient) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		se := &apiStatusError{Status: resp.StatusCode}
		var envelope struct {
			Error api.APIError `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil {
			se.Err = envelope.Error
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
