package agentstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"issueagent/pkg/errclass"
	"issueagent/pkg/logx"
	"issueagent/pkg/resilience"
)

// Subject identifies the external entity a job mirrors its state onto.
type Subject struct {
	Repository string `json:"repository"`
	Issue      int    `json:"issue"`
}

func (s Subject) String() string {
	return fmt.Sprintf("%s#%d", s.Repository, s.Issue)
}

// UpdateKind distinguishes state syncs from progress-only syncs.
type UpdateKind string

const (
	UpdateState    UpdateKind = "state"
	UpdateProgress UpdateKind = "progress"
)

// Update is one external sync request.
type Update struct {
	JobID    string
	Subject  Subject
	Kind     UpdateKind
	From     State
	To       State
	Progress int
	Message  string
	At       time.Time
}

// Notifier mirrors job state onto the issue tracker. Implementations may fail;
// callers never block on them.
type Notifier interface {
	SyncState(ctx context.Context, u Update) error
	SyncProgress(ctx context.Context, u Update) error
}

// Dispatcher accepts updates without blocking.
type Dispatcher interface {
	Enqueue(u Update)
}

// NopNotifier discards updates.
type NopNotifier struct{}

func (NopNotifier) SyncState(context.Context, Update) error    { return nil }
func (NopNotifier) SyncProgress(context.Context, Update) error { return nil }

// SyncConfig tunes the SyncQueue.
type SyncConfig struct {
	MaxAttempts  int                      `yaml:"max_attempts" json:"max_attempts"`
	MaxPending   int                      `yaml:"max_pending" json:"max_pending"`
	CallTimeout  time.Duration            `yaml:"call_timeout" json:"call_timeout"`
	PollInterval time.Duration            `yaml:"poll_interval" json:"poll_interval"`
	Backoff      resilience.RetryConfig   `yaml:"backoff" json:"backoff"`
	Breaker      resilience.BreakerConfig `yaml:"breaker" json:"breaker"`
}

// DefaultSyncConfig returns production settings.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxAttempts:  8,
		MaxPending:   10000,
		CallTimeout:  15 * time.Second,
		PollInterval: time.Second,
		Backoff: resilience.RetryConfig{
			MaxAttempts:   8,
			InitialDelay:  time.Second,
			MaxDelay:      2 * time.Minute,
			BackoffFactor: 2.0,
			Jitter:        true,
		},
		Breaker: resilience.DefaultBreakerConfig,
	}
}

type jobQueue struct {
	items     []Update
	attempts  int
	notBefore time.Time
}

// SyncQueue delivers updates to a Notifier at least once, in order per job.
// Enqueue never blocks; failed deliveries stay at the head of the job's queue
// and are retried with backoff until delivered or dropped as permanent.
type SyncQueue struct {
	notifier Notifier
	config   SyncConfig
	breaker  *resilience.Breaker
	backoff  *resilience.RetryPolicy
	logger   *logx.Logger

	mu     sync.Mutex
	queues map[string]*jobQueue
	order  []string
	total  int

	wake      chan struct{}
	delivered atomic.Int64
	dropped   atomic.Int64
	failures  atomic.Int64

	// OnFailure is called after every failed delivery attempt.
	OnFailure func(u Update, err error)
}

// NewSyncQueue creates a queue. Call Run to start delivery.
func NewSyncQueue(n Notifier, config SyncConfig) *SyncQueue {
	def := DefaultSyncConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.MaxPending <= 0 {
		config.MaxPending = def.MaxPending
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = def.CallTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Backoff.InitialDelay <= 0 {
		config.Backoff = def.Backoff
	}
	return &SyncQueue{
		notifier: n,
		config:   config,
		breaker:  resilience.NewBreaker("notifier", config.Breaker),
		backoff:  resilience.NewRetryPolicy(config.Backoff, nil),
		logger:   logx.NewLogger("notifier"),
		queues:   make(map[string]*jobQueue),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds u to its job's queue. It never blocks on the notifier.
func (q *SyncQueue) Enqueue(u Update) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	q.mu.Lock()
	if q.total >= q.config.MaxPending && u.Kind == UpdateProgress {
		q.mu.Unlock()
		q.dropped.Add(1)
		q.logger.Warn("⚠️ Sync queue full (%d), dropping progress update for job %s", q.config.MaxPending, u.JobID)
		return
	}
	jq, ok := q.queues[u.JobID]
	if !ok {
		jq = &jobQueue{}
		q.queues[u.JobID] = jq
		q.order = append(q.order, u.JobID)
	}
	jq.items = append(jq.items, u)
	q.total++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run delivers queued updates until ctx is done.
func (q *SyncQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()
	for {
		q.drain(ctx, false)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// Flush attempts delivery of everything still queued, ignoring backoff, until
// the queue is empty or ctx is done. An open breaker is waited out.
func (q *SyncQueue) Flush(ctx context.Context) error {
	for q.Pending() > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("flush notifier queue: %d pending: %w", q.Pending(), err)
		}
		wait := q.drain(ctx, true)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("flush notifier queue: %d pending: %w", q.Pending(), ctx.Err())
		case <-timer.C:
		}
	}
	return nil
}

// Pending returns the number of undelivered updates.
func (q *SyncQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// Stats returns delivered, dropped and failed attempt counts.
func (q *SyncQueue) Stats() (delivered, dropped, failures int64) {
	return q.delivered.Load(), q.dropped.Load(), q.failures.Load()
}

func (q *SyncQueue) readyJobs(force bool) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	ready := make([]string, 0, len(q.order))
	for _, id := range q.order {
		jq := q.queues[id]
		if jq == nil || len(jq.items) == 0 {
			continue
		}
		if force || !now.Before(jq.notBefore) {
			ready = append(ready, id)
		}
	}
	return ready
}

// drain delivers the ready queues. It stops early when the breaker is open and
// returns the remaining cooldown.
func (q *SyncQueue) drain(ctx context.Context, force bool) time.Duration {
	for _, id := range q.readyJobs(force) {
		for {
			if ctx.Err() != nil {
				return 0
			}
			q.mu.Lock()
			jq := q.queues[id]
			if jq == nil || len(jq.items) == 0 {
				q.mu.Unlock()
				break
			}
			head := jq.items[0]
			q.mu.Unlock()

			err := q.deliver(ctx, head)
			if err != nil && ctx.Err() != nil {
				return 0
			}
			var open *resilience.OpenError
			if errors.As(err, &open) {
				q.postpone(id, open.RetryIn)
				return open.RetryIn
			}
			if !q.settle(id, head, err) {
				break
			}
		}
	}
	return 0
}

// postpone delays a job queue without charging an attempt to its head.
func (q *SyncQueue) postpone(id string, d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if jq := q.queues[id]; jq != nil {
		jq.notBefore = time.Now().Add(d)
	}
}

// settle records the outcome for the head of a job queue and reports whether
// the next item of the same job may be attempted now.
func (q *SyncQueue) settle(id string, head Update, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	jq := q.queues[id]
	if jq == nil {
		return false
	}

	if err == nil {
		q.delivered.Add(1)
		q.popLocked(id, jq)
		return true
	}

	q.failures.Add(1)
	if q.OnFailure != nil {
		q.OnFailure(head, err)
	}
	jq.attempts++
	if jq.attempts >= q.config.MaxAttempts || !resilience.RetryClassified(err) {
		q.dropped.Add(1)
		q.logger.Error("❌ Dropping %s sync for job %s after %d attempts: %v", head.Kind, head.JobID, jq.attempts, err)
		q.popLocked(id, jq)
		return true
	}
	jq.notBefore = time.Now().Add(q.backoff.CalculateDelay(jq.attempts + 1))
	q.logger.Warn("Sync for job %s failed (attempt %d), will retry: %v", head.JobID, jq.attempts, err)
	return false
}

func (q *SyncQueue) popLocked(id string, jq *jobQueue) {
	jq.items = jq.items[1:]
	jq.attempts = 0
	jq.notBefore = time.Time{}
	q.total--
	if len(jq.items) == 0 {
		delete(q.queues, id)
		for i, o := range q.order {
			if o == id {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
	}
}

func (q *SyncQueue) deliver(ctx context.Context, u Update) error {
	if err := q.breaker.Allow(); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, q.config.CallTimeout)
	defer cancel()

	var err error
	switch u.Kind {
	case UpdateProgress:
		err = q.notifier.SyncProgress(callCtx, u)
	default:
		err = q.notifier.SyncState(callCtx, u)
	}
	q.breaker.Record(err == nil || errclass.Classify(err, errclass.Context{}).Category != errclass.TransientNetwork)
	return err
}
