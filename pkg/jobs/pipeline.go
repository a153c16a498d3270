package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/errclass"
	"issueagent/pkg/logx"
	"issueagent/pkg/recovery"
	"issueagent/pkg/workunit"
)

// Analysis is the outcome of the analyze stage.
type Analysis struct {
	NeedsClarification bool
	Question           string
}

// Analyzer decides whether a task is actionable as written.
type Analyzer interface {
	Analyze(ctx context.Context, t workunit.Task) (Analysis, error)
}

// DefaultMinDetail is the shortest issue body DetailAnalyzer accepts without feedback.
const DefaultMinDetail = 20

// DetailAnalyzer asks for clarification when the issue body is too thin.
type DetailAnalyzer struct {
	MinBodyChars int
}

func (a DetailAnalyzer) Analyze(_ context.Context, t workunit.Task) (Analysis, error) {
	minChars := a.MinBodyChars
	if minChars <= 0 {
		minChars = DefaultMinDetail
	}
	if len(strings.TrimSpace(t.Body)) >= minChars || len(t.Feedback) > 0 {
		return Analysis{}, nil
	}
	return Analysis{
		NeedsClarification: true,
		Question: "I need more detail before I can start. Please describe the expected behavior, " +
			"the relevant files or components, and how to verify the change.",
	}, nil
}

// Verifier checks the sandbox after the work unit finished.
type Verifier interface {
	Verify(ctx context.Context, sandboxPath string) error
}

type plainPrompter struct{}

func (plainPrompter) Build(t workunit.Task) (string, bool) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n%s", t.Title, t.Body)
	for _, f := range t.Feedback {
		fmt.Fprintf(&sb, "\n\nFeedback: %s", f)
	}
	return sb.String(), false
}

type stage struct {
	name  Stage
	state agentstate.State // entered before the stage runs; empty keeps the current state
	run   func(ctx context.Context, j *job) error
}

func (m *Manager) pipeline() []stage {
	return []stage{
		{StageValidate, agentstate.StateValidating, m.validate},
		{StageAnalyze, agentstate.StateAnalyzing, m.analyze},
		{StageAcquire, agentstate.StateInProgress, m.acquire},
		{StageExecute, agentstate.StateImplementing, m.execute},
		{StageProcess, agentstate.StateTesting, m.process},
		{StageRelease, "", m.release},
	}
}

// run drives j from stage `from` until it completes, suspends, or finishes
// in a terminal state. The run claim is dropped before a suspension becomes
// visible so a Resume can claim the job again immediately.
func (m *Manager) run(ctx context.Context, j *job, from Stage) error {
	err := m.drive(ctx, j, from)
	m.unclaim(j)

	var s *suspension
	if errors.As(err, &s) {
		m.suspend(context.WithoutCancel(ctx), j, s.question)
		return nil
	}
	return err
}

// suspension is returned by a stage that needs feedback before continuing.
// stageTimeout reports a stage that outlived its own timeout. It is terminal
// and bypasses recovery.
type stageTimeout struct {
	stage Stage
	limit time.Duration
	err   error
}

func (e *stageTimeout) Error() string {
	return fmt.Sprintf("stage %s exceeded %s: %v", e.stage, e.limit, e.err)
}

func (e *stageTimeout) Unwrap() error { return e.err }

type suspension struct{ question string }

func (s *suspension) Error() string { return errSuspended.Error() }
func (s *suspension) Unwrap() error { return errSuspended }

func (m *Manager) drive(ctx context.Context, j *job, from Stage) error {
	stages := m.pipeline()
	i := 0
	for idx, st := range stages {
		if st.name == from {
			i = idx
		}
	}

	target := &recoveryTarget{m: m, j: j}
	for i < len(stages) {
		if j.isFinalized() {
			return ErrAlreadyTerminal
		}
		if ctx.Err() != nil {
			return m.interrupt(ctx, j)
		}
		st := stages[i]

		if st.state != "" && j.machine.State() != st.state {
			if _, err := j.machine.Transition(ctx, st.state, ""); err != nil {
				if ctx.Err() != nil || j.isFinalized() {
					return m.interrupt(ctx, j)
				}
				m.finalize(ctx, j, agentstate.StateFailed, fmt.Sprintf("Failed: %v", err),
					&ErrorInfo{Category: errclass.InvalidTransition, Message: err.Error(), Stage: st.name})
				return err
			}
		}
		j.mu.Lock()
		j.nextStage = st.name
		j.mu.Unlock()

		err := m.runStage(ctx, j, st)
		if err == nil {
			i++
			continue
		}
		if ctx.Err() != nil || j.isFinalized() {
			return m.interrupt(ctx, j)
		}
		if errors.Is(err, errSuspended) {
			return err
		}

		j.mu.Lock()
		j.failedStage = st.name
		j.mu.Unlock()
		var over *stageTimeout
		if errors.As(err, &over) {
			m.logf(j, logx.LevelWarn, "⏰ Stage %s exceeded its %s timeout", st.name, over.limit)
			m.finalize(ctx, j, agentstate.StateFailed,
				fmt.Sprintf("Failed: the %s stage exceeded its %s timeout.", st.name, over.limit),
				&ErrorInfo{Category: errclass.Timeout, Message: over.Error(), Stage: st.name})
			return err
		}
		c := m.deps.Recovery.Classify(target, err, string(st.name))
		m.logf(j, logx.LevelWarn, "Stage %s failed (%s): %v", st.name, c.Category, err)

		d := m.deps.Recovery.Handle(ctx, target, c)
		switch d.Action {
		case recovery.ActionRetry:
			m.logf(j, logx.LevelInfo, "🔁 Retrying %s after %s (retry %d)", st.name, d.Delay.Round(time.Millisecond), target.RetryCount())
			continue
		case recovery.ActionAbort:
			return m.interrupt(ctx, j)
		default:
			m.finalize(ctx, j, d.State, d.Summary, &ErrorInfo{
				Category:         c.Category,
				Message:          c.Message,
				Stage:            st.name,
				RetriesExhausted: d.RetriesExhausted,
			})
			return err
		}
	}

	m.finalize(ctx, j, agentstate.StateCompleted, m.completionSummary(j), nil)
	return nil
}

// interrupt finishes a job whose run context was cancelled.
func (m *Manager) interrupt(ctx context.Context, j *job) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	switch {
	case errors.Is(cause, errCancelRequested):
		m.finalize(ctx, j, agentstate.StateCancelled, "Cancelled by request.", nil)
	case errors.Is(cause, errDeadline):
		m.finalize(ctx, j, agentstate.StateFailed,
			fmt.Sprintf("Failed: the job exceeded its %s deadline.", m.cfg.JobTimeout), m.deadlineError(j))
	case errors.Is(cause, errEscalated):
		// Escalate already finalized the job.
	default:
		m.finalize(ctx, j, agentstate.StateFailed,
			"Failed: interrupted by orchestrator shutdown. Comment /retry to run it again.",
			&ErrorInfo{Category: errclass.Cancelled, Message: cause.Error()})
	}
	return cause
}

func (m *Manager) runStage(ctx context.Context, j *job, st stage) error {
	timeout := m.cfg.StageTimeouts.of(st.name)
	stageCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logx.DebugFlow(ctx, "jobs", string(st.name), "start")
	start := time.Now()
	err := st.run(stageCtx, j)
	m.deps.Metrics.StageFinished(string(st.name), time.Since(start), err == nil || errors.Is(err, errSuspended))

	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		err = &stageTimeout{stage: st.name, limit: timeout, err: err}
	}
	logx.DebugFlow(ctx, "jobs", string(st.name), "done")
	return err
}

func (m *Manager) validate(_ context.Context, j *job) error {
	j.mu.Lock()
	task := j.task
	j.mu.Unlock()
	return task.Validate()
}

func (m *Manager) analyze(ctx context.Context, j *job) error {
	j.mu.Lock()
	task := j.task.Clone()
	j.mu.Unlock()

	a, err := m.deps.Analyzer.Analyze(ctx, task)
	if err != nil {
		return err
	}
	if !a.NeedsClarification {
		return nil
	}
	return &suspension{question: a.Question}
}

// suspend parks j in AWAITING_FEEDBACK without holding a sandbox.
func (m *Manager) suspend(ctx context.Context, j *job, question string) {
	m.releaseSandbox(ctx, j)
	if _, err := j.machine.Transition(ctx, agentstate.StateAwaitingFeedback, question); err != nil {
		m.logf(j, logx.LevelWarn, "Cannot wait for feedback: %v", err)
		return
	}
	id := j.id
	j.mu.Lock()
	if j.finalized {
		// Cancelled or expired while suspending.
		j.mu.Unlock()
		return
	}
	j.nextStage = StageAcquire
	stopTimer(j.feedbackTimer)
	j.feedbackTimer = time.AfterFunc(m.cfg.FeedbackTimeout, func() { m.feedbackExpired(id) })
	j.mu.Unlock()
	m.logf(j, logx.LevelInfo, "⏸️ Awaiting feedback")
}

func (m *Manager) feedbackExpired(jobID string) {
	j, err := m.lookup(jobID)
	if err != nil || j.machine.State() != agentstate.StateAwaitingFeedback {
		return
	}
	m.finalize(context.Background(), j, agentstate.StateFailed,
		fmt.Sprintf("Failed: no feedback received within %s.", m.cfg.FeedbackTimeout),
		&ErrorInfo{Category: errclass.Timeout, Message: "feedback idle timeout", Stage: StageAnalyze})
}

func (m *Manager) acquire(ctx context.Context, j *job) error {
	return m.ensureSandbox(ctx, j)
}

func (m *Manager) ensureSandbox(ctx context.Context, j *job) error {
	j.mu.Lock()
	have := j.sandbox != nil
	j.mu.Unlock()
	if have {
		return nil
	}

	h, err := m.deps.Sandboxes.Acquire(ctx, j.id)
	if err != nil {
		return err
	}

	j.mu.Lock()
	if j.finalized {
		j.mu.Unlock()
		_ = m.deps.Sandboxes.Release(context.WithoutCancel(ctx), h)
		return ErrAlreadyTerminal
	}
	j.sandbox = h
	j.mu.Unlock()
	m.logf(j, logx.LevelInfo, "📁 Sandbox %s on branch %s", h.Path, h.Branch)
	return nil
}

// releaseSandbox releases the job's sandbox at most once.
func (m *Manager) releaseSandbox(ctx context.Context, j *job) {
	j.mu.Lock()
	h := j.sandbox
	j.sandbox = nil
	j.mu.Unlock()
	if h != nil {
		_ = m.deps.Sandboxes.Release(context.WithoutCancel(ctx), h)
	}
}

func (m *Manager) execute(ctx context.Context, j *job) error {
	if err := m.ensureSandbox(ctx, j); err != nil {
		return err
	}

	j.mu.Lock()
	task := j.task.Clone()
	path := j.sandbox.Path
	deadline := j.deadline
	j.mu.Unlock()

	prompt, truncated := m.deps.Prompter.Build(task)
	if truncated {
		m.logf(j, logx.LevelWarn, "Prompt truncated to fit the token budget")
	}
	j.machine.UpdateProgress(ctx, agentstate.StateImplementing.Progress()+5, "Work unit started")

	res, err := m.deps.WorkUnit.Execute(ctx, workunit.Request{
		JobID:       j.id,
		Prompt:      prompt,
		SandboxPath: path,
		Deadline:    deadline,
	})
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.result = &res
	j.mu.Unlock()
	m.logf(j, logx.LevelInfo, "Work unit %s finished in %s", m.deps.WorkUnit.Name(), res.Duration.Round(time.Millisecond))
	return nil
}

func (m *Manager) process(ctx context.Context, j *job) error {
	j.mu.Lock()
	res := j.result
	var path string
	if j.sandbox != nil {
		path = j.sandbox.Path
	}
	j.mu.Unlock()

	if res == nil || !res.Success {
		return errclass.New(errclass.WorkUnitFailure, "work unit reported no successful result")
	}
	if strings.TrimSpace(res.Output) == "" {
		return errclass.New(errclass.Validation, "work unit produced no output")
	}
	if m.deps.Verifier != nil && path != "" {
		if err := m.deps.Verifier.Verify(ctx, path); err != nil {
			return err
		}
	}
	j.machine.UpdateProgress(ctx, agentstate.StateTesting.Progress()+5, "Result verified")
	return nil
}

func (m *Manager) release(ctx context.Context, j *job) error {
	m.releaseSandbox(ctx, j)
	return nil
}

func (m *Manager) completionSummary(j *job) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.result != nil && j.result.Summary != "" {
		return "Completed: " + j.result.Summary
	}
	return "Completed."
}

// recoveryTarget exposes a job to the recovery manager.
type recoveryTarget struct {
	m *Manager
	j *job
}

func (t *recoveryTarget) ID() string              { return t.j.id }
func (t *recoveryTarget) CreatedAt() time.Time    { return t.j.createdAt }
func (t *recoveryTarget) Deadline() time.Time     { return t.j.deadline }
func (t *recoveryTarget) State() agentstate.State { return t.j.machine.State() }

func (t *recoveryTarget) RetryCount() int {
	t.j.mu.Lock()
	defer t.j.mu.Unlock()
	return t.j.retryCount
}

func (t *recoveryTarget) IncrementRetry() int {
	t.j.mu.Lock()
	defer t.j.mu.Unlock()
	t.j.retryCount++
	return t.j.retryCount
}

func (t *recoveryTarget) Transition(ctx context.Context, to agentstate.State, reason string) error {
	_, err := t.j.machine.Transition(ctx, to, reason)
	return err
}

func (t *recoveryTarget) ReclaimSandbox(ctx context.Context) {
	t.m.releaseSandbox(ctx, t.j)
	if _, err := t.m.deps.Sandboxes.Sweep(ctx, t.m.Live); err != nil {
		t.m.logger.Warn("Sweep after sandbox failure on job %s: %v", t.j.id, err)
	}
}
