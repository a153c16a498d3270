// Package router turns inbound issue-tracker events into job submissions,
// deduplicating redeliveries and routing follow-ups to the active job.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/errclass"
	"issueagent/pkg/jobs"
	"issueagent/pkg/logx"
)

// ResultKind is the outcome of Submit.
type ResultKind string

const (
	NewJob       ResultKind = "new_job"
	ResumedJob   ResultKind = "resumed_job"
	CancelledJob ResultKind = "cancelled_job"
	EscalatedJob ResultKind = "escalated_job"
	Deduplicated ResultKind = "deduplicated"
	Rejected     ResultKind = "rejected"
	Backlogged   ResultKind = "backlogged"
	Ignored      ResultKind = "ignored"
)

// Result is returned by Submit.
type Result struct {
	Kind   ResultKind `json:"result"`
	JobID  string     `json:"job_id,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// Jobs is the part of the job manager the router drives.
type Jobs interface {
	Submit(ctx context.Context, req jobs.Request) (string, error)
	Start(jobID string) error
	ActiveFor(entityKey string) (jobs.Snapshot, bool)
	Resume(ctx context.Context, jobID, feedback string) error
	Cancel(ctx context.Context, jobID string) (jobs.CancelResult, error)
	Escalate(ctx context.Context, jobID, reason string) error
}

// Metrics observes routing outcomes.
type Metrics interface {
	EventRouted(kind, result string)
}

// Config configures the router.
type Config struct {
	DedupWindow  time.Duration `yaml:"dedup_window" json:"dedup_window"`
	TriggerLabel string        `yaml:"trigger_label" json:"trigger_label"`
}

// DefaultTriggerLabel starts a job when added to an issue.
const DefaultTriggerLabel = "agent:queued"

// Router is the event router.
type Router struct {
	jobs    Jobs
	source  IssueSource
	dedup   *DedupTable
	trigger string
	metrics Metrics
	logger  *logx.Logger
	now     func() time.Time
}

// New creates a router. A nil source accepts agent-labelled and templated issues.
func New(j Jobs, source IssueSource, cfg Config) *Router {
	if source == nil {
		source = PassthroughSource{}
	}
	if cfg.TriggerLabel == "" {
		cfg.TriggerLabel = DefaultTriggerLabel
	}
	return &Router{
		jobs:    j,
		source:  source,
		dedup:   NewDedupTable(cfg.DedupWindow),
		trigger: cfg.TriggerLabel,
		logger:  logx.NewLogger("router"),
		now:     time.Now,
	}
}

// SetMetrics installs a routing observer.
func (r *Router) SetMetrics(m Metrics) {
	r.metrics = m
}

// Dedup exposes the dedup table for periodic pruning.
func (r *Router) Dedup() *DedupTable {
	return r.dedup
}

// Submit routes one event. Its only side effects are the dedup table and
// calls into the job manager.
func (r *Router) Submit(ctx context.Context, ev Event) (Result, error) {
	if strings.TrimSpace(ev.Repository) == "" || ev.Entity <= 0 {
		return Result{}, errclass.New(errclass.Validation, "event is missing repository or entity")
	}
	if ev.IsBot {
		return r.done(ev, Result{Kind: Ignored, Reason: "bot event"}, nil)
	}

	fp := Fingerprint(ev)
	if !r.dedup.CheckAndInsert(fp, r.now()) {
		logx.Debug(ctx, "router", "duplicate event %s", fp)
		return r.done(ev, Result{Kind: Deduplicated, Reason: fp}, nil)
	}

	res, err := r.route(ctx, ev, fp)
	if err != nil || res.Kind == Backlogged {
		// let a redelivery try again
		r.dedup.Forget(fp)
	}
	return r.done(ev, res, err)
}

func (r *Router) done(ev Event, res Result, err error) (Result, error) {
	outcome := string(res.Kind)
	if err != nil {
		outcome = "error"
		r.logger.Warn("Event %s on %s failed: %v", ev.Kind, EntityKey(ev), err)
	} else {
		r.logger.Info("Event %s on %s: %s %s", ev.Kind, EntityKey(ev), res.Kind, res.JobID)
	}
	if r.metrics != nil {
		r.metrics.EventRouted(string(ev.Kind), outcome)
	}
	return res, err
}

func (r *Router) route(ctx context.Context, ev Event, fp string) (Result, error) {
	kind := inputKind(ev)
	if active, ok := r.jobs.ActiveFor(EntityKey(ev)); ok {
		return r.advance(ctx, ev, active, kind)
	}
	if !r.triggers(ev, kind) {
		return Result{Kind: Ignored, Reason: fmt.Sprintf("%s does not start a job", ev.Kind)}, nil
	}
	return r.create(ctx, ev, fp, kind)
}

// advance routes ev to the entity's active job when its state accepts it.
func (r *Router) advance(ctx context.Context, ev Event, active jobs.Snapshot, kind agentstate.EventKind) (Result, error) {
	if !agentstate.CanAccept(active.State, kind) {
		return rejected(active), nil
	}

	_, text := ParseCommand(ev.Comment)
	switch kind {
	case agentstate.EventCancelCommand, agentstate.EventClosed:
		res, err := r.jobs.Cancel(ctx, active.ID)
		if err != nil {
			return Result{}, fmt.Errorf("cancel job %s: %w", active.ID, err)
		}
		if res != jobs.Cancelling {
			return Result{Kind: Ignored, JobID: active.ID, Reason: string(res)}, nil
		}
		return Result{Kind: CancelledJob, JobID: active.ID}, nil

	case agentstate.EventEscalateCommand:
		if text == "" {
			text = "requested by " + ev.Actor
		}
		if err := r.jobs.Escalate(ctx, active.ID, text); err != nil {
			if errors.Is(err, jobs.ErrAlreadyTerminal) {
				return Result{Kind: Ignored, JobID: active.ID, Reason: string(jobs.AlreadyTerminal)}, nil
			}
			return Result{}, fmt.Errorf("escalate job %s: %w", active.ID, err)
		}
		return Result{Kind: EscalatedJob, JobID: active.ID}, nil

	default:
		feedback := text
		if ev.Kind == KindEdited {
			feedback = "The issue was updated:\n\n" + ev.Body
		}
		if feedback == "" {
			feedback = ev.Actor + " asked to continue."
		}
		if err := r.jobs.Resume(ctx, active.ID, feedback); err != nil {
			if errors.Is(err, jobs.ErrNotAwaitingFeedback) || errors.Is(err, jobs.ErrNotFound) {
				return rejected(active), nil
			}
			return Result{}, fmt.Errorf("resume job %s: %w", active.ID, err)
		}
		return Result{Kind: ResumedJob, JobID: active.ID}, nil
	}
}

func rejected(active jobs.Snapshot) Result {
	return Result{
		Kind:   Rejected,
		JobID:  active.ID,
		Reason: fmt.Sprintf("%s: job %s is %s", errclass.ConflictingActiveJob, active.ID, active.State),
	}
}

// triggers reports whether ev starts a job on an entity without one.
func (r *Router) triggers(ev Event, kind agentstate.EventKind) bool {
	switch ev.Kind {
	case KindOpened, KindReopened:
		return r.source.IsAgentTask(ev)
	case KindLabeled:
		return ev.Label == r.trigger
	case KindCommentCreated:
		return kind == agentstate.EventRetryCommand && r.source.IsAgentTask(ev)
	default:
		return false
	}
}

func (r *Router) create(ctx context.Context, ev Event, fp string, kind agentstate.EventKind) (Result, error) {
	task := r.source.Parse(ev)
	if kind == agentstate.EventRetryCommand {
		if _, text := ParseCommand(ev.Comment); text != "" {
			task = task.WithFeedback(text)
		}
	}

	id, err := r.jobs.Submit(ctx, jobs.Request{
		Fingerprint: fp,
		EntityKey:   EntityKey(ev),
		Repository:  ev.Repository,
		Issue:       ev.Entity,
		Context:     task,
	})
	switch {
	case errors.Is(err, jobs.ErrBacklogged):
		return Result{Kind: Backlogged, Reason: err.Error()}, nil
	case errors.Is(err, jobs.ErrConflictingActiveJob):
		return Result{Kind: Rejected, Reason: err.Error()}, nil
	case err != nil:
		return Result{}, fmt.Errorf("submit job for %s: %w", EntityKey(ev), err)
	}

	if err := r.jobs.Start(id); err != nil {
		return Result{Kind: NewJob, JobID: id}, fmt.Errorf("start job %s: %w", id, err)
	}
	return Result{Kind: NewJob, JobID: id}, nil
}
