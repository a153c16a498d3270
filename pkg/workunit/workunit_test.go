package workunit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issueagent/pkg/errclass"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestTaskValidate(t *testing.T) {
	err := Task{Repository: "acme/app", Issue: 3}.Validate()
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.CategoryOf(err))
	assert.Contains(t, err.Error(), "title")

	assert.NoError(t, Task{Repository: "acme/app", Issue: 3, Title: "Fix it"}.Validate())
}

func TestWithFeedbackCopies(t *testing.T) {
	base := Task{Title: "x", Feedback: []string{"one"}}
	next := base.WithFeedback("two")
	assert.Equal(t, []string{"one"}, base.Feedback)
	assert.Equal(t, []string{"one", "two"}, next.Feedback)
}

func TestPromptBuilderIncludesFeedback(t *testing.T) {
	b, err := NewPromptBuilder(0)
	require.NoError(t, err)

	prompt, truncated := b.Build(Task{
		Repository: "acme/app",
		Issue:      12,
		Title:      "Add retries",
		Body:       "The client should retry on 502.",
		Feedback:   []string{"Use exponential backoff"},
	})
	assert.False(t, truncated)
	assert.Contains(t, prompt, "issue #12 in acme/app")
	assert.Contains(t, prompt, "The client should retry on 502.")
	assert.Contains(t, prompt, "- Use exponential backoff")
}

func TestPromptBuilderTruncatesBody(t *testing.T) {
	b, err := NewPromptBuilder(300)
	require.NoError(t, err)

	body := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 500)
	prompt, truncated := b.Build(Task{Repository: "acme/app", Issue: 1, Title: "Long", Body: body, Feedback: []string{"keep me"}})
	assert.True(t, truncated)
	assert.Contains(t, prompt, "truncated")
	assert.Contains(t, prompt, "keep me")
	assert.LessOrEqual(t, b.CountTokens(prompt), 320)
}

func TestClaudeCLIPassesPromptOnStdin(t *testing.T) {
	cli := NewClaudeCLI(writeScript(t, `echo "mode=$CLAUDE_CLI_MODE"; cat`), time.Minute)

	res, err := cli.Execute(context.Background(), Request{JobID: "j1", Prompt: "do the thing", SandboxPath: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Output, "mode=agent")
	assert.Contains(t, res.Output, "do the thing")
	assert.Equal(t, "mode=agent", res.Summary)
}

func TestClaudeCLIUsesFileForLargePrompts(t *testing.T) {
	cli := NewClaudeCLI(writeScript(t, `if [ "$1" = "--file" ]; then cat "$2"; else echo stdin; fi`), time.Minute)
	prompt := strings.Repeat("x", LargePromptChars+1)

	res, err := cli.Execute(context.Background(), Request{JobID: "j1", Prompt: prompt, SandboxPath: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, prompt, res.Output)
}

func TestClaudeCLIClassifiesFailures(t *testing.T) {
	tests := []struct {
		script string
		want   errclass.Category
	}{
		{`echo "Error: rate limit exceeded" >&2; exit 1`, errclass.RateLimit},
		{`echo "authentication failed" >&2; exit 1`, errclass.Permission},
		{`echo "connection reset by peer" >&2; exit 2`, errclass.TransientNetwork},
		{`echo "boom" >&2; exit 1`, errclass.WorkUnitFailure},
		{`exit 127`, errclass.Validation},
	}
	for _, tt := range tests {
		cli := NewClaudeCLI(writeScript(t, tt.script), time.Minute)
		res, err := cli.Execute(context.Background(), Request{JobID: "j1", Prompt: "p", SandboxPath: t.TempDir()})
		require.Error(t, err, tt.script)
		assert.Equal(t, tt.want, errclass.CategoryOf(err), tt.script)
		assert.False(t, res.Success)
	}
}

func TestClaudeCLIHonorsDeadline(t *testing.T) {
	cli := NewClaudeCLI(writeScript(t, `exec sleep 30`), time.Minute)

	start := time.Now()
	_, err := cli.Execute(context.Background(), Request{
		JobID:       "j1",
		Prompt:      "p",
		SandboxPath: t.TempDir(),
		Deadline:    time.Now().Add(200 * time.Millisecond),
	})
	require.Error(t, err)
	assert.Equal(t, errclass.Timeout, errclass.CategoryOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClaudeCLIHonorsCancellation(t *testing.T) {
	cli := NewClaudeCLI(writeScript(t, `exec sleep 30`), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := cli.Execute(ctx, Request{JobID: "j1", Prompt: "p", SandboxPath: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClaudeCLIMissingSandbox(t *testing.T) {
	cli := NewClaudeCLI("claude", time.Minute)
	_, err := cli.Execute(context.Background(), Request{SandboxPath: filepath.Join(t.TempDir(), "missing")})
	assert.Equal(t, errclass.SandboxFailure, errclass.CategoryOf(err))
}

func TestAnthropicUnitReturnsPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",` +
			`"content":[{"type":"text","text":"1. Edit client.go\n2. Add tests"}],` +
			`"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	u := NewAnthropicUnit(APIConfig{APIKey: "test", BaseURL: srv.URL})
	res, err := u.Execute(context.Background(), Request{JobID: "j1", Prompt: "fix"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "1. Edit client.go", res.Summary)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, int64(10), res.PromptTokens)
	assert.Equal(t, int64(5), res.CompletionTokens)
}

func TestAnthropicUnitCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"permission_error","message":"no access"}}`))
	}))
	defer srv.Close()

	u := NewAnthropicUnit(APIConfig{APIKey: "test", BaseURL: srv.URL})
	_, err := u.Execute(context.Background(), Request{JobID: "j1", Prompt: "fix"})
	require.Error(t, err)
	assert.Equal(t, errclass.Permission, errclass.Classify(err, errclass.Context{}).Category)
}

func TestOpenAIUnitCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	u := NewOpenAIUnit(APIConfig{APIKey: "test", BaseURL: srv.URL})
	_, err := u.Execute(context.Background(), Request{JobID: "j1", Prompt: "fix"})
	require.Error(t, err)
	assert.Equal(t, errclass.RateLimit, errclass.Classify(err, errclass.Context{}).Category)
}

func TestCommandVerifier(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("ok"), 0o644))

	assert.NoError(t, CommandVerifier{}.Verify(context.Background(), dir), "no command always passes")
	assert.NoError(t, CommandVerifier{Command: []string{"test", "-f", "marker"}}.Verify(context.Background(), dir))

	err := CommandVerifier{Command: []string{"sh", "-c", "echo broken build; exit 2"}}.Verify(context.Background(), dir)
	require.Error(t, err)
	assert.Equal(t, errclass.WorkUnitFailure, errclass.CategoryOf(err))
	assert.Contains(t, err.Error(), "broken build")
}

func TestCommandVerifierHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := CommandVerifier{Command: []string{"sleep", "5"}}.Verify(ctx, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errclass.Timeout, errclass.CategoryOf(err))
}
