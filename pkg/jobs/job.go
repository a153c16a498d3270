package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/errclass"
	"issueagent/pkg/workunit"
	"issueagent/pkg/worktree"
)

var (
	ErrNotFound             = errors.New("job not found")
	ErrBacklogged           = errors.New("concurrency ceiling reached")
	ErrConflictingActiveJob = errors.New("entity already has an active job")
	ErrNotAwaitingFeedback  = errors.New("job is not awaiting feedback")
	ErrAlreadyRunning       = errors.New("job is already running")
	ErrAlreadyTerminal      = errors.New("job already reached a terminal state")
	ErrClosed               = errors.New("job manager is shutting down")
)

// Run cancellation causes.
var (
	errCancelRequested = errors.New("cancelled by request")
	errDeadline        = errors.New("job deadline exceeded")
	errShutdown        = errors.New("orchestrator shutting down")
	errEscalated       = errors.New("job escalated")
	errSuspended       = errors.New("job suspended awaiting feedback")
)

// Stage is one step of the orchestration pipeline.
type Stage string

const (
	StageValidate Stage = "validate"
	StageAnalyze  Stage = "analyze"
	StageAcquire  Stage = "acquire"
	StageExecute  Stage = "execute"
	StageProcess  Stage = "process"
	StageRelease  Stage = "release"
)

// CancelResult is the outcome of Cancel.
type CancelResult string

const (
	Cancelling      CancelResult = "cancelling"
	NotFound        CancelResult = "not_found"
	AlreadyTerminal CancelResult = "already_terminal"
)

// Request is a job submission.
type Request struct {
	Fingerprint string
	EntityKey   string
	Repository  string
	Issue       int
	Context     workunit.Task
}

// ErrorInfo is the terminal error of a job.
type ErrorInfo struct {
	Category         errclass.Category `json:"category"`
	Message          string            `json:"message"`
	Stage            Stage             `json:"stage,omitempty"`
	RetriesExhausted bool              `json:"retries_exhausted"`
}

// Snapshot is an immutable copy of a job.
type Snapshot struct {
	ID          string           `json:"id"`
	Fingerprint string           `json:"fingerprint"`
	EntityKey   string           `json:"entity_key"`
	Repository  string           `json:"repository"`
	Issue       int              `json:"issue"`
	Context     workunit.Task    `json:"context"`
	State       agentstate.State `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
	Deadline    time.Time        `json:"deadline"`
	Progress    int              `json:"progress"`
	Message     string           `json:"message"`
	RetryCount  int              `json:"retry_count"`
	Sandbox     *worktree.Handle `json:"sandbox,omitempty"`
	Result      *workunit.Result `json:"result,omitempty"`
	Error       *ErrorInfo       `json:"error,omitempty"`
	Summary     string           `json:"summary,omitempty"`
	FailedStage Stage            `json:"failed_stage,omitempty"`
	Logs        []string         `json:"logs,omitempty"`
}

// IsTerminal reports whether the snapshot is in a terminal state.
func (s Snapshot) IsTerminal() bool {
	return s.State.IsTerminal()
}

// Filter selects jobs for List.
type Filter struct {
	States     []agentstate.State
	Repository string
	Limit      int
	Offset     int
}

// Page is one page of List.
type Page struct {
	Jobs  []Snapshot `json:"jobs"`
	Total int        `json:"total"`
}

func (f Filter) matches(s Snapshot) bool {
	if f.Repository != "" && f.Repository != s.Repository {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if st == s.State {
			return true
		}
	}
	return false
}

// EntityKey is the one-active-job key for an issue.
func EntityKey(repository string, issue int) string {
	return fmt.Sprintf("%s#%d", repository, issue)
}

// job is the live, mutable job record. Fields are guarded by mu; the
// lifecycle state lives in machine.
type job struct {
	mu sync.Mutex
	// persistMu orders snapshot saves so a stale state never lands last.
	persistMu sync.Mutex

	id          string
	fingerprint string
	entityKey   string
	repository  string
	issue       int
	createdAt   time.Time
	deadline    time.Time
	machine     *agentstate.Machine

	task        workunit.Task
	startedAt   time.Time
	endedAt     time.Time
	message     string
	retryCount  int
	sandbox     *worktree.Handle
	result      *workunit.Result
	errInfo     *ErrorInfo
	summary     string
	failedStage Stage
	logs        []string
	maxLogs     int

	nextStage       Stage
	running         bool
	cancelRun       func(cause error)
	done            chan struct{}
	cancelRequested bool
	finalized       bool
	deadlineTimer   *time.Timer
	feedbackTimer   *time.Timer
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *job) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:          j.id,
		Fingerprint: j.fingerprint,
		EntityKey:   j.entityKey,
		Repository:  j.repository,
		Issue:       j.issue,
		Context:     j.task.Clone(),
		State:       j.machine.State(),
		CreatedAt:   j.createdAt,
		Deadline:    j.deadline,
		Progress:    j.machine.Progress(),
		Message:     j.message,
		RetryCount:  j.retryCount,
		Summary:     j.summary,
		FailedStage: j.failedStage,
		Logs:        append([]string(nil), j.logs...),
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.endedAt.IsZero() {
		t := j.endedAt
		s.EndedAt = &t
	}
	if j.sandbox != nil {
		h := *j.sandbox
		s.Sandbox = &h
	}
	if j.result != nil {
		r := *j.result
		s.Result = &r
	}
	if j.errInfo != nil {
		e := *j.errInfo
		s.Error = &e
	}
	return s
}

func (j *job) appendLog(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.logs = append(j.logs, line)
	if over := len(j.logs) - j.maxLogs; over > 0 {
		j.logs = append([]string(nil), j.logs[over:]...)
	}
}

func (j *job) isFinalized() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finalized
}
