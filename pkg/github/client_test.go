package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issueagent/pkg/errclass"
)

func TestParseGitHubURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{"SSH URL with .git", "git@github.com:owner/repo.git", "owner", "repo", false},
		{"SSH URL without .git", "git@github.com:owner/repo", "owner", "repo", false},
		{"HTTPS URL with .git", "https://github.com/owner/repo.git", "owner", "repo", false},
		{"HTTPS URL without .git", "https://github.com/owner/repo", "owner", "repo", false},
		{"invalid URL", "not-a-url", "", "", true},
		{"GitLab URL", "https://gitlab.com/owner/repo", "", "", true},
		{"missing repo", "https://github.com/owner", "", "", true},
		{"extra segments", "https://github.com/owner/repo/tree/main", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, err := ParseGitHubURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantRepo, repo)
		})
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("", "")
	assert.Equal(t, DefaultBaseURL, c.BaseURL())

	c = NewClient("", "http://example.test/api/")
	assert.Equal(t, "http://example.test/api", c.BaseURL())
}

func TestWithTimeout(t *testing.T) {
	c := NewClient("", "")
	short := c.WithTimeout(time.Second)
	assert.Equal(t, time.Second, short.timeout)
	assert.Equal(t, 30*time.Second, c.timeout, "original client is unchanged")
}

func TestClientSendsTokenAndLabels(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	var gotBody map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient("secret-token", srv.URL)
	require.NoError(t, c.AddLabels(context.Background(), "acme/app", 7, []string{"agent:queued"}))

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/repos/acme/app/issues/7/labels", gotPath)
	assert.Equal(t, []string{"agent:queued"}, gotBody["labels"])
}

func TestRemoveLabelEscapesName(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("", srv.URL)
	require.NoError(t, c.RemoveLabel(context.Background(), "acme/app", 7, "agent:in progress"))
	assert.Equal(t, "/repos/acme/app/issues/7/labels/agent:in%20progress", gotPath)
}

func TestCreateCommentReturnsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["body"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 4242}`))
	}))
	defer srv.Close()

	id, err := NewClient("", srv.URL).CreateComment(context.Background(), "acme/app", 1, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(4242), id)
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		header   map[string]string
		category errclass.Category
		notFound bool
	}{
		{"not found", http.StatusNotFound, nil, errclass.Unknown, true},
		{"rate limited", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0"}, errclass.RateLimit, false},
		{"forbidden", http.StatusForbidden, nil, errclass.Permission, false},
		{"server error", http.StatusBadGateway, nil, errclass.TransientNetwork, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			_, err := NewClient("", srv.URL).APIGet(context.Background(), "repos/acme/app")
			require.Error(t, err)
			assert.Equal(t, tt.status, StatusCode(err))
			assert.Equal(t, tt.notFound, IsNotFound(err))
			assert.Contains(t, err.Error(), "nope")
			if tt.category != errclass.Unknown {
				assert.Equal(t, tt.category, errclass.Classify(err, errclass.Context{}).Category)
			}
		})
	}
}
