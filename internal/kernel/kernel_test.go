package kernel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/config"
	"issueagent/pkg/github"
	"issueagent/pkg/jobs"
	"issueagent/pkg/persistence"
	"issueagent/pkg/workunit"
)

// fakeGit creates and removes worktree directories without a repository.
type fakeGit struct{}

func (fakeGit) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	if len(args) >= 5 && args[0] == "worktree" && args[1] == "add" {
		return nil, os.MkdirAll(args[4], 0755)
	}
	return nil, nil
}

type staticSource struct{ path string }

func (s staticSource) Checkout(context.Context, string) (string, error) { return s.path, nil }

type recordingIssues struct {
	mu     sync.Mutex
	labels []string
}

func (r *recordingIssues) AddLabels(_ context.Context, _ string, _ int, labels []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, labels...)
	return nil
}

func (r *recordingIssues) RemoveLabel(context.Context, string, int, string) error { return nil }

func (r *recordingIssues) CreateComment(context.Context, string, int, string) (int64, error) {
	return 1, nil
}

func (r *recordingIssues) has(label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.labels {
		if l == label {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(dir, "issueagent.db")
	cfg.Sandbox.BasePath = filepath.Join(dir, "sandboxes")
	cfg.Sandbox.GracePeriod = time.Minute
	cfg.GitHub.WebhookSecret = "hook"
	cfg.Auth.JWTSecret = "jwt"
	cfg.Metrics.Enabled = true
	return cfg
}

func newTestKernel(t *testing.T, cfg *config.Config, unit workunit.WorkUnit, issues github.IssueAPI) *Kernel {
	t.Helper()
	k, err := NewKernel(context.Background(), cfg,
		WithWorkUnit(unit),
		WithIssueAPI(issues),
		WithGit(fakeGit{}, staticSource{path: t.TempDir()}))
	require.NoError(t, err)
	return k
}

func succeed(context.Context, workunit.Request) (workunit.Result, error) {
	return workunit.Result{Success: true, Output: "changed 2 files", Summary: "fixed the login button"}, nil
}

func TestNewKernelWiresComponents(t *testing.T) {
	k := newTestKernel(t, testConfig(t), workunit.Func(succeed), &recordingIssues{})
	defer k.Close()

	assert.NotNil(t, k.Database)
	assert.NotNil(t, k.Sandboxes)
	assert.NotNil(t, k.Jobs)
	assert.NotNil(t, k.Router)
	assert.NotNil(t, k.Server)
	assert.NotEmpty(t, k.RunID)
}

func TestNewKernelRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkUnit.Provider = "gemini"
	_, err := NewKernel(context.Background(), cfg, WithGit(fakeGit{}, staticSource{path: t.TempDir()}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini")
}

func TestWebhookToCompletedJob(t *testing.T) {
	cfg := testConfig(t)
	issues := &recordingIssues{}
	k := newTestKernel(t, cfg, workunit.Func(succeed), issues)
	require.NoError(t, k.Start())

	body := `{
		"action": "opened",
		"issue": {"number": 12, "title": "Fix login", "body": "The login button does nothing on mobile Safari.", "labels": [{"name": "agent:queued"}]},
		"repository": {"full_name": "acme/app"},
		"sender": {"login": "alice", "type": "User"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set(github.EventHeader, "issues")
	req.Header.Set(github.SignatureHeader, github.Sign([]byte(body), "hook"))
	rec := httptest.NewRecorder()
	k.Server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"new_job"`)

	active := k.Jobs.List(jobs.Filter{Limit: 10})
	require.Equal(t, 1, active.Total)
	jobID := active.Jobs[0].ID

	require.Eventually(t, func() bool {
		s, err := k.Jobs.Get(context.Background(), jobID)
		return err == nil && s.State == agentstate.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		s, err := k.Database.Get(context.Background(), jobID)
		return err == nil && s.State == agentstate.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return issues.has(agentstate.StateCompleted.Label()) },
		5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, k.Sandboxes.InUse())

	runID := k.RunID
	require.NoError(t, k.Stop(context.Background()))

	db, err := persistence.Open(context.Background(), cfg.Database)
	require.NoError(t, err)
	defer db.Close()
	run, err := db.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusShutdown, run.Status)
}

func TestStartFailsInterruptedJobs(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	// Leave what a crashed process would: an active run and a non-terminal job.
	db, err := persistence.Open(ctx, cfg.Database)
	require.NoError(t, err)
	require.NoError(t, db.CreateRun(ctx, "previous-run", "{}"))
	require.NoError(t, db.SaveSnapshot(ctx, jobs.Snapshot{
		ID:         "crashed",
		EntityKey:  jobs.EntityKey("acme/app", 3),
		Repository: "acme/app",
		Issue:      3,
		State:      agentstate.StateImplementing,
		CreatedAt:  time.Now().UTC(),
	}))
	require.NoError(t, db.Close())

	k := newTestKernel(t, cfg, workunit.Func(succeed), &recordingIssues{})
	require.NoError(t, k.Start())
	defer func() { _ = k.Stop(ctx) }()

	s, err := k.Jobs.Get(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, agentstate.StateFailed, s.State)
	assert.Contains(t, s.Summary, "interrupted")

	stored, err := k.Database.Get(ctx, "crashed")
	require.NoError(t, err)
	assert.True(t, stored.IsTerminal())

	run, err := k.Database.GetRun(ctx, "previous-run")
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusCrashed, run.Status)
}

func TestSweepOnceRemovesOrphans(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Sandbox.BasePath, 0755))
	orphan := filepath.Join(cfg.Sandbox.BasePath, "job-orphan")
	fresh := filepath.Join(cfg.Sandbox.BasePath, "job-fresh")
	require.NoError(t, os.MkdirAll(orphan, 0755))
	require.NoError(t, os.MkdirAll(fresh, 0755))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	n, err := SweepOnce(context.Background(), cfg, WithGit(fakeGit{}, staticSource{path: t.TempDir()}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, fresh)
}

func TestStopIsIdempotent(t *testing.T) {
	k := newTestKernel(t, testConfig(t), workunit.Func(succeed), &recordingIssues{})
	require.NoError(t, k.Start())
	require.Error(t, k.Start())
	require.NoError(t, k.Stop(context.Background()))
	require.NoError(t, k.Stop(context.Background()))
}
