// Package jobs owns job identity, concurrency admission, the orchestration
// pipeline, deadlines and cancellation.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/errclass"
	"issueagent/pkg/limiter"
	"issueagent/pkg/logx"
	"issueagent/pkg/recovery"
	"issueagent/pkg/workunit"
	"issueagent/pkg/worktree"
)

// Default limits.
const (
	DefaultMaxLogLines = 200
	DefaultListLimit   = 50
	MaxListLimit       = 500
	persistTimeout     = 5 * time.Second
)

// StageTimeouts bounds each pipeline stage individually.
type StageTimeouts struct {
	Validate time.Duration `yaml:"validate" json:"validate"`
	Analyze  time.Duration `yaml:"analyze" json:"analyze"`
	Acquire  time.Duration `yaml:"acquire" json:"acquire"`
	Execute  time.Duration `yaml:"execute" json:"execute"`
	Process  time.Duration `yaml:"process" json:"process"`
	Release  time.Duration `yaml:"release" json:"release"`
}

func (t StageTimeouts) of(s Stage) time.Duration {
	switch s {
	case StageValidate:
		return t.Validate
	case StageAnalyze:
		return t.Analyze
	case StageAcquire:
		return t.Acquire
	case StageExecute:
		return t.Execute
	case StageProcess:
		return t.Process
	case StageRelease:
		return t.Release
	default:
		return 0
	}
}

// Config configures the job manager.
type Config struct {
	MaxConcurrent   int           `yaml:"max_concurrent" json:"max_concurrent" validate:"min=1"`
	JobTimeout      time.Duration `yaml:"job_timeout" json:"job_timeout" validate:"gt=0"`
	CancelGrace     time.Duration `yaml:"cancel_grace" json:"cancel_grace"`
	FeedbackTimeout time.Duration `yaml:"feedback_timeout" json:"feedback_timeout"`
	RetentionWindow time.Duration `yaml:"retention_window" json:"retention_window"`
	HistoryCapacity int           `yaml:"history_capacity" json:"history_capacity" validate:"min=1"`
	MaxLogLines     int           `yaml:"max_log_lines" json:"max_log_lines"`
	StageTimeouts   StageTimeouts `yaml:"stage_timeouts" json:"stage_timeouts"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   3,
		JobTimeout:      2 * time.Hour,
		CancelGrace:     30 * time.Second,
		FeedbackTimeout: 24 * time.Hour,
		RetentionWindow: 24 * time.Hour,
		HistoryCapacity: 500,
		MaxLogLines:     DefaultMaxLogLines,
		StageTimeouts: StageTimeouts{
			Validate: 2 * time.Minute,
			Analyze:  10 * time.Minute,
			Acquire:  5 * time.Minute,
			Execute:  time.Hour,
			Process:  5 * time.Minute,
			Release:  2 * time.Minute,
		},
	}
}

// Sandboxes is the part of the sandbox manager the job manager uses.
type Sandboxes interface {
	Acquire(ctx context.Context, jobID string) (*worktree.Handle, error)
	Release(ctx context.Context, h *worktree.Handle) error
	Sweep(ctx context.Context, live func(jobID string) bool) (int, error)
}

// Store persists job snapshots.
type Store interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, id string) (Snapshot, error)
	ListActive(ctx context.Context) ([]Snapshot, error)
}

// Metrics observes job lifecycle events.
type Metrics interface {
	JobSubmitted(outcome string)
	Transition(from, to string)
	StageFinished(stage string, d time.Duration, ok bool)
	JobFinished(state, category string, d time.Duration)
	ActiveJobs(n int)
}

// Prompter renders a task into a prompt.
type Prompter interface {
	Build(t workunit.Task) (prompt string, truncated bool)
}

// Deps are the collaborators of a Manager. Sandboxes, WorkUnit and Recovery
// are required.
type Deps struct {
	Sandboxes  Sandboxes
	WorkUnit   workunit.WorkUnit
	Recovery   *recovery.Manager
	Dispatcher agentstate.Dispatcher
	Prompter   Prompter
	Analyzer   Analyzer
	Verifier   Verifier
	Store      Store
	Metrics    Metrics
}

// Manager is the job manager.
type Manager struct {
	cfg    Config
	deps   Deps
	slots  *limiter.Limiter
	logger *logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	live     map[string]*job
	byEntity map[string]string // entity key -> active job ID
	history  []Snapshot        // oldest first
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates a job manager.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Sandboxes == nil || deps.WorkUnit == nil || deps.Recovery == nil {
		return nil, fmt.Errorf("jobs: sandboxes, work unit and recovery manager are required")
	}
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if cfg.FeedbackTimeout <= 0 {
		cfg.FeedbackTimeout = def.FeedbackTimeout
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = def.RetentionWindow
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = def.HistoryCapacity
	}
	if cfg.MaxLogLines <= 0 {
		cfg.MaxLogLines = def.MaxLogLines
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = discardDispatcher{}
	}
	if deps.Prompter == nil {
		deps.Prompter = plainPrompter{}
	}
	if deps.Analyzer == nil {
		deps.Analyzer = DetailAnalyzer{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		slots:    limiter.New("jobs", cfg.MaxConcurrent),
		logger:   logx.NewLogger("jobs"),
		now:      time.Now,
		live:     make(map[string]*job),
		byEntity: make(map[string]string),
	}, nil
}

// Submit admits a new QUEUED job. Admission is atomic: a second active job
// for the same entity fails with ErrConflictingActiveJob and a submission
// at the ceiling fails with ErrBacklogged.
func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	if req.EntityKey == "" {
		req.EntityKey = EntityKey(req.Repository, req.Issue)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if existing, ok := m.byEntity[req.EntityKey]; ok {
		m.mu.Unlock()
		m.deps.Metrics.JobSubmitted("conflict")
		return "", conflictError(req.EntityKey, existing)
	}
	id := uuid.New().String()
	if err := m.slots.TryAcquire(id); err != nil {
		m.mu.Unlock()
		m.deps.Metrics.JobSubmitted("backlogged")
		return "", &errclass.Error{
			Category: errclass.ResourceExhaustion,
			Err:      ErrBacklogged,
			Message:  fmt.Sprintf("%d/%d jobs active", m.slots.InUse(), m.slots.Capacity()),
		}
	}
	j := m.newJob(id, req)
	m.live[id] = j
	m.byEntity[req.EntityKey] = id
	m.mu.Unlock()

	j.mu.Lock()
	j.deadlineTimer = time.AfterFunc(time.Until(j.deadline), func() { m.expire(id) })
	j.mu.Unlock()

	if m.deps.Store != nil {
		if err := m.deps.Store.SaveSnapshot(ctx, j.snapshot()); err != nil {
			if errors.Is(err, ErrConflictingActiveJob) {
				m.discard(j)
				m.deps.Metrics.JobSubmitted("conflict")
				return "", conflictError(req.EntityKey, "")
			}
			m.logger.Warn("Failed to persist job %s: %v", id, err)
		}
	}

	m.deps.Metrics.JobSubmitted("accepted")
	m.deps.Metrics.ActiveJobs(m.slots.InUse())
	m.logf(j, logx.LevelInfo, "📥 Job queued for %s (fingerprint %s)", req.EntityKey, req.Fingerprint)
	return id, nil
}

func conflictError(entityKey, jobID string) error {
	msg := fmt.Sprintf("%s already has an active job", entityKey)
	if jobID != "" {
		msg = fmt.Sprintf("%s already has active job %s", entityKey, jobID)
	}
	return &errclass.Error{Category: errclass.ConflictingActiveJob, Err: ErrConflictingActiveJob, Message: msg}
}

func (m *Manager) newJob(id string, req Request) *job {
	now := m.now().UTC()
	j := &job{
		id:          id,
		fingerprint: req.Fingerprint,
		entityKey:   req.EntityKey,
		repository:  req.Repository,
		issue:       req.Issue,
		createdAt:   now,
		deadline:    now.Add(m.cfg.JobTimeout),
		task:        req.Context.Clone(),
		maxLogs:     m.cfg.MaxLogLines,
		nextStage:   StageValidate,
		message:     agentstate.StateQueued.Message(),
	}
	j.machine = agentstate.NewMachine(id, agentstate.Subject{Repository: req.Repository, Issue: req.Issue}, agentstate.StateQueued, m.deps.Dispatcher)
	j.machine.OnTransition = func(tr agentstate.Transition) { m.onTransition(j, tr) }
	return j
}

// discard removes a job that never started.
func (m *Manager) discard(j *job) {
	j.mu.Lock()
	j.finalized = true
	stopTimer(j.deadlineTimer)
	j.mu.Unlock()

	m.mu.Lock()
	delete(m.live, j.id)
	if m.byEntity[j.entityKey] == j.id {
		delete(m.byEntity, j.entityKey)
	}
	m.mu.Unlock()
	m.slots.Release(j.id)
}

func (m *Manager) onTransition(j *job, tr agentstate.Transition) {
	j.mu.Lock()
	if tr.Reason != "" {
		j.message = tr.Reason
	} else {
		j.message = tr.To.Message()
	}
	j.mu.Unlock()

	m.deps.Metrics.Transition(string(tr.From), string(tr.To))
	m.persist(j)
}

func (m *Manager) persist(j *job) {
	if m.deps.Store == nil {
		return
	}
	j.persistMu.Lock()
	defer j.persistMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.deps.Store.SaveSnapshot(ctx, j.snapshot()); err != nil {
		m.logger.Warn("Failed to persist job %s: %v", j.id, err)
	}
}

// Start runs the job's pipeline in the background.
func (m *Manager) Start(jobID string) error {
	j, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	runCtx, from, err := m.claim(context.Background(), j)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.unclaim(j)
		return ErrClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		_ = m.run(runCtx, j, from)
	}()
	return nil
}

// Run drives the job's pipeline in the caller's goroutine. It returns nil
// when the job completed or suspended awaiting feedback.
func (m *Manager) Run(ctx context.Context, jobID string) error {
	j, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	runCtx, from, err := m.claim(ctx, j)
	if err != nil {
		return err
	}
	return m.run(runCtx, j, from)
}

// claim marks j as running and creates its cancellable run context.
func (m *Manager) claim(ctx context.Context, j *job) (context.Context, Stage, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.finalized || j.machine.State().IsTerminal():
		return nil, "", ErrAlreadyTerminal
	case j.running:
		return nil, "", ErrAlreadyRunning
	case j.machine.State() == agentstate.StateAwaitingFeedback:
		return nil, "", fmt.Errorf("job %s is awaiting feedback", j.id)
	}
	runCtx, cancel := context.WithCancelCause(logx.WithJobID(ctx, j.id))
	j.running = true
	j.cancelRun = cancel
	j.done = make(chan struct{})
	if j.startedAt.IsZero() {
		j.startedAt = m.now().UTC()
	}
	return runCtx, j.nextStage, nil
}

func (m *Manager) unclaim(j *job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelRun != nil {
		j.cancelRun(nil)
	}
	j.running = false
	j.cancelRun = nil
	close(j.done)
}

// Cancel requests cooperative cancellation. A running job is signalled and
// its sandbox is released once the work unit stops or the cancel grace
// period elapses, whichever comes first.
func (m *Manager) Cancel(ctx context.Context, jobID string) (CancelResult, error) {
	j, err := m.lookup(jobID)
	if err != nil {
		if _, herr := m.fromHistory(jobID); herr == nil {
			return AlreadyTerminal, nil
		}
		return NotFound, nil
	}

	j.mu.Lock()
	if j.finalized || j.machine.State().IsTerminal() {
		j.mu.Unlock()
		return AlreadyTerminal, nil
	}
	if j.cancelRequested {
		j.mu.Unlock()
		return Cancelling, nil
	}
	j.cancelRequested = true
	running, cancelRun, done := j.running, j.cancelRun, j.done
	j.mu.Unlock()

	m.logf(j, logx.LevelInfo, "🛑 Cancellation requested")
	if !running {
		m.finalize(ctx, j, agentstate.StateCancelled, "Cancelled by request.", nil)
		return Cancelling, nil
	}

	cancelRun(errCancelRequested)
	go m.awaitStop(j, done, agentstate.StateCancelled, "Cancelled by request.",
		"Cancelled by request; the work unit did not stop within the grace period.", nil)
	return Cancelling, nil
}

// awaitStop makes sure j ends in state once its run has been signalled. A
// pipeline that exits without finalizing (it was suspending when the signal
// landed) is finalized here; one that outlives the cancel grace is finalized
// with the stalled summary and its sandbox reclaimed.
func (m *Manager) awaitStop(j *job, done <-chan struct{}, state agentstate.State, summary, stalled string, info *ErrorInfo) {
	timer := time.NewTimer(m.cfg.CancelGrace)
	defer timer.Stop()
	select {
	case <-done:
		m.finalize(context.Background(), j, state, summary, info)
	case <-timer.C:
		m.logf(j, logx.LevelWarn, "⚠️ Work unit still running after %s grace, reclaiming sandbox", m.cfg.CancelGrace)
		m.finalize(context.Background(), j, state, stalled, info)
	}
}

// expire enforces the hard deadline.
func (m *Manager) expire(jobID string) {
	j, err := m.lookup(jobID)
	if err != nil {
		return
	}
	j.mu.Lock()
	if j.finalized {
		j.mu.Unlock()
		return
	}
	running, cancelRun, done := j.running, j.cancelRun, j.done
	j.mu.Unlock()

	info := m.deadlineError(j)
	summary := fmt.Sprintf("Failed: the job exceeded its %s deadline.", m.cfg.JobTimeout)
	m.logf(j, logx.LevelWarn, "⏰ Deadline exceeded")
	if !running {
		m.finalize(context.Background(), j, agentstate.StateFailed, summary, info)
		return
	}
	cancelRun(errDeadline)
	m.awaitStop(j, done, agentstate.StateFailed, summary, summary, info)
}

func (m *Manager) deadlineError(j *job) *ErrorInfo {
	j.mu.Lock()
	stage := j.nextStage
	j.mu.Unlock()
	return &ErrorInfo{Category: errclass.Timeout, Message: errDeadline.Error(), Stage: stage}
}

// Resume continues an AWAITING_FEEDBACK job with the given feedback.
func (m *Manager) Resume(ctx context.Context, jobID, feedback string) error {
	j, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	if j.machine.State() != agentstate.StateAwaitingFeedback {
		return fmt.Errorf("%w: job %s is %s", ErrNotAwaitingFeedback, jobID, j.machine.State())
	}
	if _, err := j.machine.Transition(ctx, agentstate.StateInProgress, "Feedback received, resuming work"); err != nil {
		return fmt.Errorf("%w: %w", ErrNotAwaitingFeedback, err)
	}

	j.mu.Lock()
	j.task = j.task.WithFeedback(feedback)
	stopTimer(j.feedbackTimer)
	j.feedbackTimer = nil
	j.nextStage = StageAcquire
	j.mu.Unlock()

	m.logf(j, logx.LevelInfo, "💬 Resumed with feedback (%d chars)", len(feedback))
	return m.Start(jobID)
}

// Escalate hands the job to a human and stops automated work on it.
func (m *Manager) Escalate(ctx context.Context, jobID, reason string) error {
	j, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	if j.finalized || j.machine.State().IsTerminal() {
		j.mu.Unlock()
		return ErrAlreadyTerminal
	}
	cancelRun := j.cancelRun
	j.mu.Unlock()

	summary := "Escalated to a human."
	if reason != "" {
		summary = "Escalated to a human: " + reason
	}
	m.finalize(ctx, j, agentstate.StateEscalated, summary, nil)
	if cancelRun != nil {
		cancelRun(errEscalated)
	}
	return nil
}

// finalize moves j to a terminal state exactly once, releasing its sandbox
// and its concurrency slot.
func (m *Manager) finalize(ctx context.Context, j *job, state agentstate.State, summary string, info *ErrorInfo) {
	j.mu.Lock()
	if j.finalized {
		j.mu.Unlock()
		return
	}
	j.finalized = true
	stopTimer(j.deadlineTimer)
	stopTimer(j.feedbackTimer)
	j.summary = summary
	j.errInfo = info
	j.endedAt = m.now().UTC()
	sandbox := j.sandbox
	j.sandbox = nil
	j.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if cur := j.machine.State(); cur != state && !cur.IsTerminal() {
		if _, err := j.machine.Transition(ctx, state, summary); err != nil {
			m.logger.Error("Job %s cannot reach %s from %s: %v", j.id, state, cur, err)
		}
	}

	if sandbox != nil {
		releaseCtx, cancel := context.WithTimeout(ctx, m.cfg.StageTimeouts.of(StageRelease)+time.Second)
		_ = m.deps.Sandboxes.Release(releaseCtx, sandbox)
		cancel()
	}
	m.slots.Release(j.id)

	m.mu.Lock()
	if m.byEntity[j.entityKey] == j.id {
		delete(m.byEntity, j.entityKey)
	}
	m.mu.Unlock()

	m.deps.Recovery.Forget(j.id)
	snap := j.snapshot()
	category := ""
	if info != nil {
		category = string(info.Category)
	}
	m.deps.Metrics.JobFinished(string(snap.State), category, snap.EndedAt.Sub(snap.CreatedAt))
	m.deps.Metrics.ActiveJobs(m.slots.InUse())
	m.persist(j)
	m.logf(j, logx.LevelInfo, "🏁 Job finished in %s: %s", snap.State, summary)
}

// Get returns a consistent snapshot of the job.
func (m *Manager) Get(ctx context.Context, jobID string) (Snapshot, error) {
	if j, err := m.lookup(jobID); err == nil {
		return j.snapshot(), nil
	}
	if s, err := m.fromHistory(jobID); err == nil {
		return s, nil
	}
	if m.deps.Store != nil {
		s, err := m.deps.Store.Get(ctx, jobID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Snapshot{}, fmt.Errorf("load job %s: %w", jobID, err)
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
}

// Logs returns the job's recent log lines.
func (m *Manager) Logs(ctx context.Context, jobID string) ([]string, error) {
	s, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.Logs, nil
}

// AppendLog adds a line to the job's bounded log.
func (m *Manager) AppendLog(jobID, line string) error {
	j, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	j.appendLog(fmt.Sprintf("[%s] %s", m.now().UTC().Format(logx.TimestampFormat), line))
	return nil
}

// List returns live and historical jobs matching f, newest first.
func (m *Manager) List(f Filter) Page {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.live))
	for _, j := range m.live {
		jobs = append(jobs, j)
	}
	all := make([]Snapshot, 0, len(jobs)+len(m.history))
	all = append(all, m.history...)
	m.mu.Unlock()

	for _, j := range jobs {
		all = append(all, j.snapshot())
	}

	matched := all[:0]
	for _, s := range all {
		if f.matches(s) {
			matched = append(matched, s)
		}
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].CreatedAt.After(matched[b].CreatedAt) })

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	page := Page{Total: len(matched), Jobs: []Snapshot{}}
	if f.Offset >= len(matched) {
		return page
	}
	end := f.Offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	for _, s := range matched[max(f.Offset, 0):end] {
		s.Logs = nil
		page.Jobs = append(page.Jobs, s)
	}
	return page
}

// ActiveFor returns the active job for an entity key.
func (m *Manager) ActiveFor(entityKey string) (Snapshot, bool) {
	m.mu.Lock()
	id, ok := m.byEntity[entityKey]
	j := m.live[id]
	m.mu.Unlock()
	if !ok || j == nil {
		return Snapshot{}, false
	}
	return j.snapshot(), true
}

// Live reports whether jobID is a live, unfinished job. Used by the sandbox sweep.
func (m *Manager) Live(jobID string) bool {
	j, err := m.lookup(jobID)
	if err != nil {
		return false
	}
	return !j.isFinalized()
}

// ActiveCount returns the number of non-terminal jobs.
func (m *Manager) ActiveCount() int {
	return m.slots.InUse()
}

// Prune moves terminal jobs older than the retention window into the
// bounded history and returns how many moved.
func (m *Manager) Prune(now time.Time) int {
	cutoff := now.Add(-m.cfg.RetentionWindow)

	m.mu.Lock()
	var expired []*job
	for _, j := range m.live {
		expired = append(expired, j)
	}
	m.mu.Unlock()

	moved := 0
	for _, j := range expired {
		j.mu.Lock()
		done := j.finalized && !j.running && !j.endedAt.IsZero() && j.endedAt.Before(cutoff)
		j.mu.Unlock()
		if !done {
			continue
		}
		snap := j.snapshot()
		m.mu.Lock()
		delete(m.live, j.id)
		m.appendHistoryLocked(snap)
		m.mu.Unlock()
		moved++
	}
	if moved > 0 {
		m.logger.Debug("Moved %d finished job(s) to history", moved)
	}
	return moved
}

func (m *Manager) appendHistoryLocked(s Snapshot) {
	m.history = append(m.history, s)
	if over := len(m.history) - m.cfg.HistoryCapacity; over > 0 {
		m.history = append([]Snapshot(nil), m.history[over:]...)
	}
}

// Restore marks jobs a previous process left non-terminal as FAILED. Their
// sandboxes are left for the sweep.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.deps.Store == nil {
		return 0, nil
	}
	active, err := m.deps.Store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list interrupted jobs: %w", err)
	}
	now := m.now().UTC()
	for i := range active {
		s := active[i]
		s.State = agentstate.StateFailed
		s.Summary = "Failed: interrupted by restart. Comment /retry to run it again."
		s.Error = &ErrorInfo{Category: errclass.Cancelled, Message: "interrupted by restart", Stage: s.FailedStage}
		s.EndedAt = &now
		s.Sandbox = nil
		if err := m.deps.Store.SaveSnapshot(ctx, s); err != nil {
			return i, fmt.Errorf("mark job %s failed: %w", s.ID, err)
		}
		m.mu.Lock()
		m.appendHistoryLocked(s)
		m.mu.Unlock()
		m.logger.Warn("Job %s on %s was interrupted by restart", s.ID, s.EntityKey)
	}
	return len(active), nil
}

// Shutdown stops intake, cancels running jobs and waits for their pipelines
// to exit or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	jobs := make([]*job, 0, len(m.live))
	for _, j := range m.live {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.mu.Lock()
		cancelRun := j.cancelRun
		j.mu.Unlock()
		if cancelRun != nil {
			cancelRun(errShutdown)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs still running at shutdown: %w", ctx.Err())
	}
}

func (m *Manager) lookup(jobID string) (*job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.live[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return j, nil
}

func (m *Manager) fromHistory(jobID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == jobID {
			return m.history[i], nil
		}
	}
	return Snapshot{}, ErrNotFound
}

// logf writes to the component log and the job's own log.
func (m *Manager) logf(j *job, level logx.Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.logger.ForJob(j.id, level, "%s", msg)
	j.appendLog(fmt.Sprintf("[%s] %s: %s", m.now().UTC().Format(logx.TimestampFormat), level, msg))
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type discardDispatcher struct{}

func (discardDispatcher) Enqueue(agentstate.Update) {}

type nopMetrics struct{}

func (nopMetrics) JobSubmitted(string)                       {}
func (nopMetrics) Transition(string, string)                 {}
func (nopMetrics) StageFinished(string, time.Duration, bool) {}
func (nopMetrics) JobFinished(string, string, time.Duration) {}
func (nopMetrics) ActiveJobs(int)                            {}
