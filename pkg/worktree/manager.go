// Package worktree gives each job an exclusive git worktree branched from a
// shared source repository, bounded by a capacity ceiling, and reclaims
// sandboxes orphaned by crashed jobs.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"issueagent/pkg/errclass"
	"issueagent/pkg/limiter"
	"issueagent/pkg/logx"
)

const dirPrefix = "job-"

// maxBranchAttempts bounds the collision suffix search.
const maxBranchAttempts = 10

// ErrResourceExhausted is returned by Acquire at capacity.
var ErrResourceExhausted = errors.New("sandbox capacity exhausted")

// Handle is the ownership token for one sandbox.
type Handle struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	Repo      string    `json:"repo"`
	CreatedAt time.Time `json:"created_at"`
	Clean     bool      `json:"clean"`
}

// Config configures a Manager.
type Config struct {
	BasePath     string        `yaml:"base_path" json:"base_path" validate:"required"`
	BaseRef      string        `yaml:"base_ref" json:"base_ref" validate:"required"`
	BranchPrefix string        `yaml:"branch_prefix" json:"branch_prefix"`
	MaxSandboxes int           `yaml:"max_sandboxes" json:"max_sandboxes" validate:"min=1"`
	GracePeriod  time.Duration `yaml:"grace_period" json:"grace_period"`
}

// Manager owns the sandbox allocation table.
type Manager struct {
	cfg    Config
	git    GitRunner
	source SandboxSource
	slots  *limiter.Limiter
	logger *logx.Logger

	acquireMu sync.Mutex // serializes path creation within BasePath

	mu      sync.Mutex
	handles map[string]*Handle // by job ID
	failed  map[string]*Handle // releases that need another attempt, by path

	// OnChange is called with the number of live sandboxes after every acquire or release.
	OnChange func(inUse int)
}

// NewManager creates a sandbox manager.
func NewManager(cfg Config, git GitRunner, source SandboxSource) (*Manager, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("worktree base path is required")
	}
	abs, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path %s: %w", cfg.BasePath, err)
	}
	cfg.BasePath = abs
	if cfg.BaseRef == "" {
		cfg.BaseRef = "main"
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "agent/job-"
	}
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base %s: %w", cfg.BasePath, err)
	}
	return &Manager{
		cfg:     cfg,
		git:     git,
		source:  source,
		slots:   limiter.New("sandboxes", cfg.MaxSandboxes),
		logger:  logx.NewLogger("worktree"),
		handles: make(map[string]*Handle),
		failed:  make(map[string]*Handle),
	}, nil
}

// PathFor returns the sandbox path a job would use.
func (m *Manager) PathFor(jobID string) string {
	return filepath.Join(m.cfg.BasePath, dirPrefix+jobID)
}

// Acquire creates an isolated worktree for jobID. At capacity it fails with
// ErrResourceExhausted and leaves nothing behind. Acquiring again for a job
// that already holds a sandbox returns the existing handle.
func (m *Manager) Acquire(ctx context.Context, jobID string) (*Handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[jobID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	if err := m.slots.TryAcquire(jobID); err != nil {
		if errors.Is(err, limiter.ErrLimitReached) {
			return nil, &errclass.Error{
				Category: errclass.ResourceExhaustion,
				Err:      ErrResourceExhausted,
				Message:  fmt.Sprintf("%d/%d sandboxes in use", m.slots.InUse(), m.slots.Capacity()),
			}
		}
		return nil, errclass.Wrap(err, errclass.SandboxFailure, "reserve sandbox slot")
	}

	h, err := m.create(ctx, jobID)
	if err != nil {
		m.slots.Release(jobID)
		return nil, errclass.Wrap(err, errclass.SandboxFailure, "create sandbox")
	}

	m.mu.Lock()
	m.handles[jobID] = h
	inUse := len(m.handles)
	m.mu.Unlock()

	m.logger.ForJob(jobID, logx.LevelInfo, "📁 Sandbox ready at %s on branch %s", h.Path, h.Branch)
	m.notify(inUse)
	return h, nil
}

func (m *Manager) create(ctx context.Context, jobID string) (*Handle, error) {
	repo, err := m.source.Checkout(ctx, m.cfg.BaseRef)
	if err != nil {
		return nil, fmt.Errorf("checkout %s: %w", m.cfg.BaseRef, err)
	}

	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	path := m.PathFor(jobID)
	if _, err := os.Stat(path); err == nil {
		// leftover from a crashed run of the same job
		m.logger.Warn("Removing stale sandbox directory %s", path)
		_, _ = m.git.Run(ctx, repo, "worktree", "remove", "--force", path)
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("remove stale sandbox %s: %w", path, err)
		}
		_, _ = m.git.Run(ctx, repo, "worktree", "prune")
	}

	branch, err := m.addWorktree(ctx, repo, path, m.cfg.BranchPrefix+jobID)
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}

	return &Handle{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Path:      path,
		Branch:    branch,
		Repo:      repo,
		CreatedAt: time.Now().UTC(),
		Clean:     true,
	}, nil
}

// addWorktree adds path on a new branch, trying name-2, name-3 ... when the branch exists.
func (m *Manager) addWorktree(ctx context.Context, repo, path, branch string) (string, error) {
	name := branch
	for attempt := 1; attempt <= maxBranchAttempts; attempt++ {
		_, err := m.git.Run(ctx, repo, "worktree", "add", "-b", name, path, m.cfg.BaseRef)
		if err == nil {
			if attempt > 1 {
				m.logger.Warn("Branch name collision: '%s' already exists, using '%s'", branch, name)
			}
			return name, nil
		}
		if !strings.Contains(err.Error(), "already exists") {
			return "", fmt.Errorf("git worktree add %s: %w", path, err)
		}
		name = fmt.Sprintf("%s-%d", branch, attempt+1)
	}
	return "", fmt.Errorf("unable to create branch after %d attempts, last tried: %s", maxBranchAttempts, name)
}

// Release removes the sandbox and its branch. It is idempotent and never
// returns an error: cleanup failures are logged and left for Sweep.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	m.mu.Lock()
	cur, ok := m.handles[h.JobID]
	if !ok || cur.ID != h.ID {
		m.mu.Unlock()
		return nil
	}
	delete(m.handles, h.JobID)
	inUse := len(m.handles)
	m.mu.Unlock()

	m.slots.Release(h.JobID)
	m.notify(inUse)

	if err := m.remove(ctx, h); err != nil {
		m.logger.Warn("⚠️ Sandbox cleanup for job %s failed, queued for sweep: %v", h.JobID, err)
		m.mu.Lock()
		m.failed[h.Path] = h
		m.mu.Unlock()
		return nil
	}
	m.logger.ForJob(h.JobID, logx.LevelInfo, "🧹 Sandbox released")
	return nil
}

// remove force-cleans a worktree even when it is partially corrupted.
func (m *Manager) remove(ctx context.Context, h *Handle) error {
	var errs []error
	if h.Repo != "" {
		if _, err := m.git.Run(ctx, h.Repo, "worktree", "remove", "--force", h.Path); err != nil {
			m.logger.Debug("worktree remove failed, falling back to rm: %v", err)
		}
	}
	if err := os.RemoveAll(h.Path); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", h.Path, err))
	}
	if h.Repo != "" {
		if _, err := m.git.Run(ctx, h.Repo, "worktree", "prune"); err != nil {
			errs = append(errs, err)
		}
		if h.Branch != "" {
			if _, err := m.git.Run(ctx, h.Repo, "branch", "-D", h.Branch); err != nil && !strings.Contains(err.Error(), "not found") {
				m.logger.Debug("branch delete %s failed: %v", h.Branch, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Sweep reclaims sandboxes whose owning job is not live and that are older
// than the grace period, untracked job-* directories left by a previous
// process, and releases that failed earlier. Each orphan is claimed under
// the table lock before removal so it is removed exactly once.
func (m *Manager) Sweep(ctx context.Context, live func(jobID string) bool) (int, error) {
	cutoff := time.Now().Add(-m.cfg.GracePeriod)

	var orphans []*Handle
	m.mu.Lock()
	for jobID, h := range m.handles {
		if !live(jobID) && h.CreatedAt.Before(cutoff) {
			delete(m.handles, jobID)
			m.slots.Release(jobID)
			orphans = append(orphans, h)
		}
	}
	for path, h := range m.failed {
		delete(m.failed, path)
		orphans = append(orphans, h)
	}
	tracked := make(map[string]bool, len(m.handles))
	for _, h := range m.handles {
		tracked[h.Path] = true
	}
	for _, h := range orphans {
		tracked[h.Path] = true
	}
	inUse := len(m.handles)
	m.mu.Unlock()
	m.notify(inUse)

	entries, err := os.ReadDir(m.cfg.BasePath)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read sandbox base %s: %w", m.cfg.BasePath, err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		path := filepath.Join(m.cfg.BasePath, e.Name())
		jobID := strings.TrimPrefix(e.Name(), dirPrefix)
		if tracked[path] || live(jobID) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		orphans = append(orphans, &Handle{JobID: jobID, Path: path, Branch: m.cfg.BranchPrefix + jobID})
	}

	removed := 0
	var errs []error
	for _, h := range orphans {
		if h.Repo == "" && m.source != nil {
			if repo, err := m.source.Checkout(ctx, m.cfg.BaseRef); err == nil {
				h.Repo = repo
			}
		}
		if err := m.remove(ctx, h); err != nil {
			errs = append(errs, err)
			m.mu.Lock()
			m.failed[h.Path] = h
			m.mu.Unlock()
			continue
		}
		removed++
		m.logger.Info("🧹 Swept orphaned sandbox %s (job %s)", h.Path, h.JobID)
	}
	return removed, errors.Join(errs...)
}

// Handles returns a copy of the allocation table.
func (m *Manager) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, *h)
	}
	return out
}

// Get returns the live handle for jobID.
func (m *Manager) Get(jobID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[jobID]
	return h, ok
}

// InUse returns the number of live sandboxes.
func (m *Manager) InUse() int {
	return m.slots.InUse()
}

// Capacity returns the sandbox ceiling.
func (m *Manager) Capacity() int {
	return m.slots.Capacity()
}

func (m *Manager) notify(inUse int) {
	if m.OnChange != nil {
		m.OnChange(inUse)
	}
}
