// Package recovery decides what happens to a job after a classified failure:
// retry after a backoff, escalate to a human, or fail.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/errclass"
	"issueagent/pkg/logx"
)

// Action is the outcome of Handle.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionFail     Action = "fail"
	ActionEscalate Action = "escalate"
	// ActionAbort means the job was cancelled or shut down while recovering.
	ActionAbort Action = "abort"
)

// Decision is returned by Handle.
type Decision struct {
	Action           Action
	Stage            string
	Delay            time.Duration
	State            agentstate.State
	Summary          string
	RetriesExhausted bool
	Classification   errclass.Classification
}

// Target is the job view the recovery manager operates on. All side effects
// go through Transition so the notifier stays the single integration seam.
type Target interface {
	ID() string
	CreatedAt() time.Time
	Deadline() time.Time
	RetryCount() int
	IncrementRetry() int
	State() agentstate.State
	Transition(ctx context.Context, to agentstate.State, reason string) error
	// ReclaimSandbox force-releases the job's sandbox and sweeps leftovers.
	ReclaimSandbox(ctx context.Context)
}

// Config bounds recovery.
type Config struct {
	MaxRetries int                  `yaml:"max_retries" json:"max_retries" validate:"min=0"`
	Budget     time.Duration        `yaml:"budget" json:"budget"`
	Delay      errclass.DelayPolicy `yaml:"delay" json:"delay"`
}

// DefaultConfig returns the retry ceiling and wall-clock budget used in production.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, Budget: 30 * time.Minute, Delay: errclass.DefaultDelayPolicy}
}

// Manager is the recovery manager.
type Manager struct {
	cfg    Config
	logger *logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	similar map[string]map[errclass.Category]int

	// OnDecision observes every decision (metrics).
	OnDecision func(Decision)
}

// NewManager creates a recovery manager.
func NewManager(cfg Config) *Manager {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultConfig().Budget
	}
	return &Manager{
		cfg:     cfg,
		logger:  logx.NewLogger("recovery"),
		now:     time.Now,
		similar: make(map[string]map[errclass.Category]int),
	}
}

// Classify classifies err for t, counting prior failures of the same category.
func (r *Manager) Classify(t Target, err error, stage string) errclass.Classification {
	category := errclass.Classify(err, errclass.Context{}).Category

	r.mu.Lock()
	counts := r.similar[t.ID()]
	if counts == nil {
		counts = make(map[errclass.Category]int)
		r.similar[t.ID()] = counts
	}
	prior := counts[category]
	counts[category] = prior + 1
	r.mu.Unlock()

	return errclass.Classify(err, errclass.Context{Stage: stage, Attempt: t.RetryCount(), SimilarErrors: prior})
}

// Forget drops per-job bookkeeping once the job is finished.
func (r *Manager) Forget(jobID string) {
	r.mu.Lock()
	delete(r.similar, jobID)
	r.mu.Unlock()
}

// Handle applies the consequence of c to t. On retry it moves the job to
// RECOVERING, waits the backoff, and moves it back to the state it failed
// from; the caller then re-enters Decision.Stage.
func (r *Manager) Handle(ctx context.Context, t Target, c errclass.Classification) Decision {
	d := r.decide(ctx, t, c)
	if r.OnDecision != nil {
		r.OnDecision(d)
	}
	return d
}

func (r *Manager) decide(ctx context.Context, t Target, c errclass.Classification) Decision {
	d := Decision{Stage: c.Stage, Classification: c}

	if c.Category == errclass.Cancelled || ctx.Err() != nil {
		d.Action = ActionAbort
		return d
	}

	limit := r.cfg.MaxRetries
	if c.MaxRetries < limit {
		limit = c.MaxRetries
	}
	attempt := t.RetryCount()
	delay := r.cfg.Delay.Delay(c, attempt+1)
	now := r.now()

	var stop string
	switch {
	case !c.Retryable:
		stop = "non-retryable"
	case attempt >= limit:
		stop = fmt.Sprintf("retries exhausted after %d attempt(s)", attempt)
		d.RetriesExhausted = true
	case now.Sub(t.CreatedAt())+delay > r.cfg.Budget:
		stop = fmt.Sprintf("recovery budget of %s exhausted", r.cfg.Budget)
		d.RetriesExhausted = true
	case !t.Deadline().IsZero() && now.Add(delay).After(t.Deadline()):
		stop = "retry would pass the job deadline"
		d.RetriesExhausted = true
	}
	if stop != "" {
		return r.finish(ctx, t, c, d, stop)
	}

	if c.Category == errclass.SandboxFailure {
		t.ReclaimSandbox(ctx)
	}

	origin := t.State()
	n := t.IncrementRetry()
	reason := fmt.Sprintf("%s during %s (attempt %d of %d), retrying in %s",
		c.Category, c.Stage, n, limit, delay.Round(time.Millisecond))
	if err := t.Transition(ctx, agentstate.StateRecovering, reason); err != nil {
		r.logger.Warn("Job %s cannot enter recovery: %v", t.ID(), err)
		return r.finish(ctx, t, c, d, "recovery transition rejected")
	}
	r.logger.ForJob(t.ID(), logx.LevelWarn, "⚠️ %s", reason)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		d.Action = ActionAbort
		return d
	case <-timer.C:
	}

	if err := t.Transition(ctx, origin, fmt.Sprintf("Retrying %s", c.Stage)); err != nil {
		if ctx.Err() != nil {
			d.Action = ActionAbort
			return d
		}
		return r.finish(ctx, t, c, d, "could not resume the failed stage")
	}
	d.Action = ActionRetry
	d.Delay = delay
	return d
}

func (r *Manager) finish(ctx context.Context, t Target, c errclass.Classification, d Decision, why string) Decision {
	if c.EscalationRequired {
		d.Action = ActionEscalate
		d.State = agentstate.StateEscalated
		d.Summary = fmt.Sprintf("Escalated after %s failure during %s (%s). %s", c.Category, c.Stage, why, c.UserMessage)
	} else {
		d.Action = ActionFail
		d.State = agentstate.StateFailed
		d.Summary = fmt.Sprintf("Failed during %s: %s (category %s, %s). %s", c.Stage, c.Message, c.Category, why, c.UserMessage)
	}
	if err := t.Transition(ctx, d.State, d.Summary); err != nil {
		r.logger.Warn("Job %s terminal transition to %s rejected: %v", t.ID(), d.State, err)
	}
	r.logger.ForJob(t.ID(), logx.LevelError, "❌ %s", d.Summary)
	return d
}
