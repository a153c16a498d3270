// Package kernel wires the issueagent components together and owns their
// lifecycle: config -> database -> sandboxes, recovery, work unit ->
// notifier -> job manager -> router -> HTTP server, plus the maintenance
// loops (orphan sweep, dedup prune, history janitor).
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/api"
	"issueagent/pkg/config"
	"issueagent/pkg/github"
	"issueagent/pkg/jobs"
	"issueagent/pkg/logx"
	"issueagent/pkg/metrics"
	"issueagent/pkg/persistence"
	"issueagent/pkg/recovery"
	"issueagent/pkg/router"
	"issueagent/pkg/version"
	"issueagent/pkg/workunit"
	"issueagent/pkg/worktree"
)

const (
	notifierFlushTimeout = 30 * time.Second
	maintenanceTimeout   = 5 * time.Minute
)

// Option overrides a collaborator, mainly for tests.
type Option func(*options)

type options struct {
	workUnit workunit.WorkUnit
	issues   github.IssueAPI
	git      worktree.GitRunner
	source   worktree.SandboxSource
}

// WithWorkUnit replaces the configured work unit.
func WithWorkUnit(w workunit.WorkUnit) Option {
	return func(o *options) { o.workUnit = w }
}

// WithIssueAPI replaces the GitHub REST client used for label and comment sync.
func WithIssueAPI(a github.IssueAPI) Option {
	return func(o *options) { o.issues = a }
}

// WithGit replaces the git runner and sandbox source.
func WithGit(git worktree.GitRunner, source worktree.SandboxSource) Option {
	return func(o *options) {
		o.git = git
		o.source = source
	}
}

// Kernel holds every long-lived component.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger
	RunID  string

	Database  *persistence.DB
	Registry  *prometheus.Registry
	Metrics   *metrics.Recorder
	Sandboxes *worktree.Manager
	Recovery  *recovery.Manager
	WorkUnit  workunit.WorkUnit
	Notifier  *agentstate.SyncQueue
	Jobs      *jobs.Manager
	Router    *router.Router
	Server    *api.Server

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewKernel builds every component. Nothing runs until Start.
func NewKernel(parent context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
		RunID:  uuid.NewString(),
	}
	if err := k.initializeServices(o); err != nil {
		cancel()
		if k.Database != nil {
			_ = k.Database.Close()
		}
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices(o *options) error {
	cfg := k.Config
	if cfg.Debug.Enabled {
		logx.SetDebug(true)
	}
	if len(cfg.Debug.Domains) > 0 {
		logx.SetDebugDomains(cfg.Debug.Domains)
	}

	var err error
	k.Database, err = persistence.Open(k.ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	k.Registry = prometheus.NewRegistry()
	k.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	k.Metrics = metrics.NewRecorder(k.Registry)

	if k.Sandboxes, err = newSandboxes(cfg.Sandbox, o); err != nil {
		return err
	}
	k.Sandboxes.OnChange = k.Metrics.SandboxesInUse

	k.Recovery = recovery.NewManager(cfg.Recovery)
	k.Recovery.OnDecision = k.Metrics.RecoveryDecision

	prompter, err := workunit.NewPromptBuilder(cfg.WorkUnit.MaxPromptTokens)
	if err != nil {
		return fmt.Errorf("failed to create prompt builder: %w", err)
	}
	unit := o.workUnit
	if unit == nil {
		if unit, err = newWorkUnit(cfg.WorkUnit); err != nil {
			return err
		}
	}
	k.WorkUnit = metrics.Instrument(unit, k.Metrics, prompter)

	k.Notifier = agentstate.NewSyncQueue(k.newIssueNotifier(o), cfg.Notifier)
	k.Notifier.OnFailure = func(u agentstate.Update, err error) {
		k.Logger.ForJob(u.JobID, logx.LevelWarn, "Issue sync for %s failed: %v", u.Subject, err)
	}

	k.Jobs, err = jobs.NewManager(cfg.Jobs, jobs.Deps{
		Sandboxes:  k.Sandboxes,
		WorkUnit:   k.WorkUnit,
		Recovery:   k.Recovery,
		Dispatcher: k.Notifier,
		Prompter:   prompter,
		Analyzer:   jobs.DetailAnalyzer{MinBodyChars: cfg.WorkUnit.MinDetail},
		Verifier:   workunit.CommandVerifier{Command: cfg.WorkUnit.VerifyCommand},
		Store:      k.Database,
		Metrics:    k.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create job manager: %w", err)
	}

	k.Router = router.New(k.Jobs, router.PassthroughSource{}, cfg.Router)
	k.Router.SetMetrics(k.Metrics)

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = k.Registry
	}
	k.Server, err = api.NewServer(api.Config{
		WebhookSecret: cfg.GitHub.WebhookSecret,
		AllowedRepos:  cfg.GitHub.AllowedRepos,
		Version:       version.Version,
	}, api.Deps{
		Router:   k.Router,
		Jobs:     k.Jobs,
		Lister:   k.Database,
		Auth:     api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.AdminUsers, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		Gatherer: gatherer,
		Checks:   map[string]api.HealthCheck{"database": k.Database.Ping},
	})
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	k.Logger.Info("Kernel services initialized (run %s, work unit %s)", k.RunID, unit.Name())
	return nil
}

func newSandboxes(cfg config.SandboxConfig, o *options) (*worktree.Manager, error) {
	git := o.git
	if git == nil {
		git = worktree.NewDefaultGitRunner()
	}
	source := o.source
	if source == nil {
		if cfg.RepoURL != "" {
			source = &worktree.MirrorSource{RepoURL: cfg.RepoURL, MirrorPath: cfg.MirrorPath, Git: git}
		} else {
			source = &worktree.LocalSource{RepoPath: cfg.RepoPath, Fetch: cfg.Fetch, Git: git}
		}
	}
	m, err := worktree.NewManager(cfg.Config, git, source)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox manager: %w", err)
	}
	return m, nil
}

func newWorkUnit(cfg config.WorkUnitConfig) (workunit.WorkUnit, error) {
	switch cfg.Provider {
	case config.ProviderClaudeCLI, "":
		return workunit.NewClaudeCLI(cfg.ClaudePath, cfg.Timeout), nil
	case config.ProviderAnthropic:
		return workunit.NewAnthropicUnit(workunit.APIConfig{
			APIKey: cfg.AnthropicKey, Model: cfg.Model, BaseURL: cfg.BaseURL, MaxTokens: cfg.MaxTokens,
		}), nil
	case config.ProviderOpenAI:
		return workunit.NewOpenAIUnit(workunit.APIConfig{
			APIKey: cfg.OpenAIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, MaxTokens: cfg.MaxTokens,
		}), nil
	default:
		return nil, fmt.Errorf("unknown work unit provider %q", cfg.Provider)
	}
}

func (k *Kernel) newIssueNotifier(o *options) agentstate.Notifier {
	if o.issues != nil {
		return github.NewNotifier(o.issues)
	}
	if k.Config.GitHub.Token == "" {
		k.Logger.Warn("⚠️ %s not set, issue labels and comments will not be synced", config.SecretGitHubToken)
		return agentstate.NopNotifier{}
	}
	return github.NewNotifier(github.NewClient(k.Config.GitHub.Token, k.Config.GitHub.BaseURL))
}

// Start records the run, fails jobs a previous process left behind and
// starts the notifier and maintenance loops. The HTTP server is started
// separately by Serve.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("kernel already running")
	}

	k.Logger.Info("Starting kernel services...")
	if err := k.createRunRecord(); err != nil {
		return err
	}

	restored, err := k.Jobs.Restore(k.ctx)
	if err != nil {
		return fmt.Errorf("failed to restore interrupted jobs: %w", err)
	}
	if restored > 0 {
		k.Logger.Warn("Marked %d interrupted job(s) as failed", restored)
	}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.Notifier.Run(k.ctx)
	}()

	m := k.Config.Maintenance
	k.loop("sweep", m.SweepInterval, k.sweep)
	k.loop("dedup-prune", m.DedupPruneInterval, k.pruneDedup)
	k.loop("janitor", m.JanitorInterval, k.janitor)

	k.running = true
	k.Logger.Info("Kernel services started successfully")
	return nil
}

// Serve runs the HTTP server until Stop shuts it down.
func (k *Kernel) Serve() error {
	return k.Server.Start(k.Config.Server.Addr())
}

// Stop drains in order: HTTP intake, running jobs, background loops, the
// notifier queue and finally the database.
func (k *Kernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running {
		return nil
	}
	k.Logger.Info("Stopping kernel services...")

	var errs []error
	if err := k.Server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := k.Jobs.Shutdown(ctx); err != nil {
		k.Logger.Warn("⚠️ %v", err)
		errs = append(errs, err)
	}

	k.cancel()
	k.wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifierFlushTimeout)
	if err := k.Notifier.Flush(flushCtx); err != nil {
		k.Logger.Warn("⚠️ %v", err)
		errs = append(errs, err)
	}
	cancel()
	k.Metrics.NotifierStats(k.Notifier.Stats())

	if err := k.Database.FinishRun(context.WithoutCancel(ctx), k.RunID, persistence.RunStatusShutdown); err != nil {
		k.Logger.Warn("Failed to finish run record: %v", err)
	}
	if err := k.Database.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}

	k.running = false
	k.Logger.Info("Kernel services stopped")
	return errors.Join(errs...)
}

// Close releases resources of a kernel that was never started.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("kernel is running, use Stop")
	}
	k.cancel()
	return k.Database.Close()
}

func (k *Kernel) createRunRecord() error {
	stale, err := k.Database.MarkStaleRuns(k.ctx)
	if err != nil {
		k.Logger.Warn("Failed to mark stale runs: %v", err)
	} else if stale > 0 {
		k.Logger.Info("Marked %d stale run(s) as crashed", stale)
	}

	configJSON, err := persistence.ConfigSnapshotToJSON(k.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := k.Database.CreateRun(k.ctx, k.RunID, configJSON); err != nil {
		return fmt.Errorf("failed to create run record: %w", err)
	}
	k.Logger.Info("Created run record: %s", k.RunID)
	return nil
}

// loop runs fn every interval until the kernel context ends.
func (k *Kernel) loop(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		k.Logger.Warn("Maintenance loop %s disabled", name)
		return
	}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-k.ctx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(k.ctx, maintenanceTimeout)
				fn(ctx)
				cancel()
			}
		}
	}()
}

func (k *Kernel) sweep(ctx context.Context) {
	removed, err := k.Sandboxes.Sweep(ctx, k.Jobs.Live)
	if err != nil {
		k.Logger.Warn("⚠️ Sandbox sweep: %v", err)
	}
	if removed > 0 {
		k.Logger.Info("🧹 Swept %d orphaned sandbox(es)", removed)
	}
}

func (k *Kernel) pruneDedup(ctx context.Context) {
	if n := k.Router.Dedup().Prune(time.Now()); n > 0 {
		logx.Debug(ctx, "router", "pruned %d dedup entries", n)
	}
}

func (k *Kernel) janitor(ctx context.Context) {
	now := time.Now()
	if moved := k.Jobs.Prune(now); moved > 0 {
		logx.Debug(ctx, "jobs", "moved %d finished jobs to history", moved)
	}
	deleted, err := k.Database.PruneBefore(ctx, now.Add(-k.Config.Maintenance.StoreRetention))
	if err != nil {
		k.Logger.Warn("⚠️ Job store prune: %v", err)
	} else if deleted > 0 {
		k.Logger.Info("Deleted %d job(s) past retention", deleted)
	}
	k.Metrics.NotifierStats(k.Notifier.Stats())
	k.Metrics.ActiveJobs(k.Jobs.ActiveCount())
}

// SweepOnce removes orphaned sandboxes without a running server. Jobs the
// database still lists as active are treated as live.
func SweepOnce(ctx context.Context, cfg *config.Config, opts ...Option) (int, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	db, err := persistence.Open(ctx, cfg.Database)
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	active, err := db.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(active))
	for _, s := range active {
		live[s.ID] = true
	}

	sandboxes, err := newSandboxes(cfg.Sandbox, o)
	if err != nil {
		return 0, err
	}
	return sandboxes.Sweep(ctx, func(jobID string) bool { return live[jobID] })
}
