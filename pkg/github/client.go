// Package github talks to the GitHub REST API: issue labels and comments for
// state sync, plus webhook payload decoding and signature checks.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"issueagent/pkg/errclass"
	"issueagent/pkg/logx"
)

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 1024

// Client is a minimal GitHub REST client authenticated with a static token.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logx.Logger
	timeout time.Duration
}

// NewClient creates a client. An empty baseURL uses the public API; an empty
// token sends unauthenticated requests.
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	hc := &http.Client{}
	if token != "" {
		hc = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		logger:  logx.NewLogger("github"),
		timeout: 30 * time.Second,
	}
}

// WithTimeout returns a copy of the client with a different per-call timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	cp := *c
	cp.timeout = timeout
	return &cp
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// API executes a request against endpoint (relative to the API root) and
// returns the raw response body. body, when non-nil, is sent as JSON.
// Non-2xx responses return an *errclass.Error carrying the status code.
func (c *Client) API(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, endpoint, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(endpoint, "/"), reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, endpoint, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Executing: %s %s", method, endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", method, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(method, endpoint, resp, out)
	}
	return out, nil
}

func statusError(method, endpoint string, resp *http.Response, body []byte) error {
	category := errclass.Unknown
	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
		category = errclass.RateLimit
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &errclass.Error{
		Category:   category,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("github %s %s returned %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(body))),
	}
}

// APIGet executes a GET request.
func (c *Client) APIGet(ctx context.Context, endpoint string) ([]byte, error) {
	return c.API(ctx, http.MethodGet, endpoint, nil)
}

// APIPost executes a POST request.
func (c *Client) APIPost(ctx context.Context, endpoint string, body any) ([]byte, error) {
	return c.API(ctx, http.MethodPost, endpoint, body)
}

// APIDelete executes a DELETE request.
func (c *Client) APIDelete(ctx context.Context, endpoint string) ([]byte, error) {
	return c.API(ctx, http.MethodDelete, endpoint, nil)
}

func issuePath(repo string, issue int) string {
	return fmt.Sprintf("repos/%s/issues/%d", repo, issue)
}

// AddLabels adds labels to an issue.
func (c *Client) AddLabels(ctx context.Context, repo string, issue int, labels []string) error {
	_, err := c.APIPost(ctx, issuePath(repo, issue)+"/labels", map[string][]string{"labels": labels})
	return err
}

// RemoveLabel removes a label from an issue.
func (c *Client) RemoveLabel(ctx context.Context, repo string, issue int, label string) error {
	_, err := c.APIDelete(ctx, issuePath(repo, issue)+"/labels/"+url.PathEscape(label))
	return err
}

// CreateComment posts a comment and returns its ID.
func (c *Client) CreateComment(ctx context.Context, repo string, issue int, body string) (int64, error) {
	out, err := c.APIPost(ctx, issuePath(repo, issue)+"/comments", map[string]string{"body": body})
	if err != nil {
		return 0, err
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(out, &created); err != nil {
		return 0, fmt.Errorf("failed to parse JSON response: %w\nOutput: %s", err, string(out))
	}
	return created.ID, nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var ce *errclass.Error
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// ParseGitHubURL extracts owner and repo from SSH and HTTPS GitHub URLs.
func ParseGitHubURL(raw string) (owner, repo string, err error) {
	var path string
	switch {
	case strings.HasPrefix(raw, "git@github.com:"):
		path = strings.TrimPrefix(raw, "git@github.com:")
	case strings.HasPrefix(raw, "https://github.com/"):
		path = strings.TrimPrefix(raw, "https://github.com/")
	default:
		return "", "", fmt.Errorf("unsupported Git URL format: %s", raw)
	}
	parts := strings.Split(strings.TrimSuffix(path, ".git"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GitHub URL format: %s", raw)
	}
	return parts[0], parts[1], nil
}
