package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/errclass"
	"issueagent/pkg/jobs"
)

type fakeJobs struct {
	mu        sync.Mutex
	active    map[string]jobs.Snapshot
	submitted []jobs.Request
	started   []string
	resumed   map[string][]string
	cancelled []string
	escalated map[string]string
	submitErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		active:    map[string]jobs.Snapshot{},
		resumed:   map[string][]string{},
		escalated: map[string]string{},
	}
}

func (f *fakeJobs) Submit(_ context.Context, req jobs.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if _, ok := f.active[req.EntityKey]; ok {
		return "", &errclass.Error{Category: errclass.ConflictingActiveJob, Err: jobs.ErrConflictingActiveJob}
	}
	f.submitted = append(f.submitted, req)
	id := fmt.Sprintf("job-%d", len(f.submitted))
	f.active[req.EntityKey] = jobs.Snapshot{ID: id, EntityKey: req.EntityKey, State: agentstate.StateQueued}
	return id, nil
}

func (f *fakeJobs) Start(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, jobID)
	return nil
}

func (f *fakeJobs) ActiveFor(entityKey string) (jobs.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.active[entityKey]
	return s, ok
}

func (f *fakeJobs) Resume(_ context.Context, jobID, feedback string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed[jobID] = append(f.resumed[jobID], feedback)
	return nil
}

func (f *fakeJobs) Cancel(_ context.Context, jobID string) (jobs.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return jobs.Cancelling, nil
}

func (f *fakeJobs) Escalate(_ context.Context, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated[jobID] = reason
	return nil
}

func (f *fakeJobs) setActive(entityKey, id string, state agentstate.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[entityKey] = jobs.Snapshot{ID: id, EntityKey: entityKey, State: state}
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMetrics) EventRouted(kind, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[kind+"/"+result]++
}

func opened(issue int) Event {
	return Event{
		Kind:       KindOpened,
		Repository: "acme/app",
		Entity:     issue,
		Actor:      "octocat",
		Title:      "Add retries",
		Body:       "Retry transient HTTP failures in the sync client.",
		Labels:     []string{"agent:queued"},
	}
}

func comment(issue int, id int64, text string) Event {
	return Event{
		Kind:       KindCommentCreated,
		Repository: "acme/app",
		Entity:     issue,
		CommentID:  id,
		Actor:      "octocat",
		Title:      "Add retries",
		Body:       "Retry transient HTTP failures in the sync client.",
		Labels:     []string{"agent:failed"},
		Comment:    text,
	}
}

func TestOpenedAgentIssueCreatesAndStartsJob(t *testing.T) {
	j := newFakeJobs()
	r := New(j, nil, Config{})

	res, err := r.Submit(context.Background(), opened(1))
	require.NoError(t, err)
	assert.Equal(t, NewJob, res.Kind)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, []string{"job-1"}, j.started)

	require.Len(t, j.submitted, 1)
	req := j.submitted[0]
	assert.Equal(t, "acme/app#1:opened", req.Fingerprint)
	assert.Equal(t, "acme/app#1", req.EntityKey)
	assert.Equal(t, "Add retries", req.Context.Title)
	assert.Equal(t, "octocat", req.Context.Author)
}

func TestDuplicateWithinWindowIsDeduplicated(t *testing.T) {
	j := newFakeJobs()
	r := New(j, nil, Config{DedupWindow: 30 * time.Second})
	start := time.Now()
	r.now = func() time.Time { return start }

	res, err := r.Submit(context.Background(), opened(1))
	require.NoError(t, err)
	require.Equal(t, NewJob, res.Kind)

	r.now = func() time.Time { return start.Add(2 * time.Second) }
	res, err = r.Submit(context.Background(), opened(1))
	require.NoError(t, err)
	assert.Equal(t, Deduplicated, res.Kind)
	assert.Len(t, j.submitted, 1)
}

func TestConcurrentDeliveriesCreateOneJob(t *testing.T) {
	j := newFakeJobs()
	r := New(j, nil, Config{})

	results := make(chan ResultKind, 50)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Submit(context.Background(), opened(1))
			assert.NoError(t, err)
			results <- res.Kind
		}()
	}
	wg.Wait()
	close(results)

	counts := map[ResultKind]int{}
	for k := range results {
		counts[k]++
	}
	assert.Equal(t, 1, counts[NewJob])
	assert.Equal(t, 49, counts[Deduplicated])
	assert.Len(t, j.submitted, 1)
}

func TestNonAgentIssueIgnored(t *testing.T) {
	j := newFakeJobs()
	r := New(j, nil, Config{})

	ev := opened(1)
	ev.Labels = []string{"bug"}
	res, err := r.Submit(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Kind)
	assert.Empty(t, j.submitted)
}

func TestTemplatedIssueIsAgentTask(t *testing.T) {
	j := newFakeJobs()
	r := New(j, nil, Config{})

	ev := opened(1)
	ev.Labels = nil
	ev.Body = "### Task Type\nFeature\n\n### Detailed Prompt\nAdd retries."
	res, err := r.Submit(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, NewJob, res.Kind)
}

func TestBotEventsIgnored(t *testing.T) {
	j := newFakeJobs()
	r := New(j, nil, Config{})

	ev := comment(1, 10, "/retry")
	ev.IsBot = true
	res, err := r.Submit(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Kind)
	assert.Zero(t, r.Dedup().Len())
}

func TestInvalidEventRejected(t *testing.T) {
	r := New(newFakeJobs(), nil, Config{})
	_, err := r.Submit(context.Background(), Event{Kind: KindOpened})
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.CategoryOf(err))
}

func TestFeedbackResumesAwaitingJob(t *testing.T) {
	j := newFakeJobs()
	j.setActive("acme/app#1", "job-a", agentstate.StateAwaitingFeedback)
	r := New(j, nil, Config{})

	res, err := r.Submit(context.Background(), comment(1, 10, "Use exponential backoff, max 3 tries."))
	require.NoError(t, err)
	assert.Equal(t, ResumedJob, res.Kind)
	assert.Equal(t, "job-a", res.JobID)
	assert.Equal(t, []string{"Use exponential backoff, max 3 tries."}, j.resumed["job-a"])
}

func TestDistinctCommentsAreNotCollapsed(t *testing.T) {
	j := newFakeJobs()
	j.setActive("acme/app#1", "job-a", agentstate.StateAwaitingFeedback)
	r := New(j, nil, Config{})

	_, err := r.Submit(context.Background(), comment(1, 10, "first"))
	require.NoError(t, err)
	res, err := r.Submit(context.Background(), comment(1, 11, "second"))
	require.NoError(t, err)
	assert.Equal(t, ResumedJob, res.Kind)

	res, err = r.Submit(context.Background(), comment(1, 11, "second"))
	require.NoError(t, err)
	assert.Equal(t, Deduplicated, res.Kind)
}

func TestCommentOnBusyJobIsRejected(t *testing.T) {
	j := newFakeJobs()
	j.setActive("acme/app#1", "job-a", agentstate.StateImplementing)
	r := New(j, nil, Config{})

	res, err := r.Submit(context.Background(), comment(1, 10, "also fix the logger"))
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Kind)
	assert.Contains(t, res.Reason, string(errclass.ConflictingActiveJob))
	assert.Empty(t, j.resumed)

	res, err = r.Submit(context.Background(), opened(1))
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Kind)
	assert.Empty(t, j.submitted)
}

func TestCancelCommandAndClose(t *testing.T) {
	j := newFakeJobs()
	j.setActive("acme/app#1", "job-a", agentstate.StateImplementing)
	j.setActive("acme/app#2", "job-b", agentstate.StateQueued)
	r := New(j, nil, Config{})

	res, err := r.Submit(context.Background(), comment(1, 10, "/cancel"))
	require.NoError(t, err)
	assert.Equal(t, CancelledJob, res.Kind)

	res, err = r.Submit(context.Background(), Event{Kind: KindClosed, Repository: "acme/app", Entity: 2})
	require.NoError(t, err)
	assert.Equal(t, CancelledJob, res.Kind)
	assert.Equal(t, []string{"job-a", "job-b"}, j.cancelled)
}

func TestEscalateOnlyWhileAwaitingFeedback(t *testing.T) {
	j := newFakeJobs()
	j.setActive("acme/app#1", "job-a", agentstate.StateTesting)
	j.setActive("acme/app#2", "job-b", agentstate.StateAwaitingFeedback)
	r := New(j, nil, Config{})

	res, err := r.Submit(context.Background(), comment(1, 10, "/escalate"))
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Kind)

	res, err = r.Submit(context.Background(), comment(2, 11, "/escalate this needs a human"))
	require.NoError(t, err)
	assert.Equal(t, EscalatedJob, res.Kind)
	assert.Equal(t, "this needs a human", j.escalated["job-b"])
}

func TestRetryCommandStartsNewJob(t *testing.T) {
	j := newFakeJobs()
	r := New(j, nil, Config{})

	res, err := r.Submit(context.Background(), comment(3, 10, "/retry with a smaller diff"))
	require.NoError(t, err)
	assert.Equal(t, NewJob, res.Kind)
	require.Len(t, j.submitted, 1)
	assert.Equal(t, []string{"with a smaller diff"}, j.submitted[0].Context.Feedback)
	assert.Equal(t, "acme/app#3:comment_created:10", j.submitted[0].Fingerprint)
}

func TestPlainCommentWithoutJobIgnored(t *testing.T) {
	j := newFakeJobs()
	r := New(j, nil, Config{})

	res, err := r.Submit(context.Background(), comment(3, 10, "thanks!"))
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Kind)
}

func TestTriggerLabelStartsJob(t *testing.T) {
	j := newFakeJobs()
	r := New(j, nil, Config{})

	ev := Event{Kind: KindLabeled, Repository: "acme/app", Entity: 4, Title: "t", Label: "bug"}
	res, err := r.Submit(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Kind)

	ev.Label = "agent:queued"
	res, err = r.Submit(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, NewJob, res.Kind)
}

func TestBackloggedReleasesFingerprint(t *testing.T) {
	j := newFakeJobs()
	j.submitErr = &errclass.Error{Category: errclass.ResourceExhaustion, Err: jobs.ErrBacklogged, Message: "3/3 jobs active"}
	m := &countingMetrics{counts: map[string]int{}}
	r := New(j, nil, Config{})
	r.SetMetrics(m)

	res, err := r.Submit(context.Background(), opened(1))
	require.NoError(t, err)
	assert.Equal(t, Backlogged, res.Kind)

	j.mu.Lock()
	j.submitErr = nil
	j.mu.Unlock()
	res, err = r.Submit(context.Background(), opened(1))
	require.NoError(t, err)
	assert.Equal(t, NewJob, res.Kind)

	assert.Equal(t, 1, m.counts["opened/backlogged"])
	assert.Equal(t, 1, m.counts["opened/new_job"])
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		cmd  Command
		rest string
	}{
		{"/cancel", CommandCancel, ""},
		{"  /RETRY please\nnow", CommandRetry, "please\nnow"},
		{"/escalate\nstuck", CommandEscalate, "stuck"},
		{"/retrying", CommandNone, "/retrying"},
		{"looks good", CommandNone, "looks good"},
	}
	for _, tc := range cases {
		cmd, rest := ParseCommand(tc.in)
		assert.Equal(t, tc.cmd, cmd, tc.in)
		assert.Equal(t, tc.rest, rest, tc.in)
	}
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "acme/app#1:opened", Fingerprint(opened(1)))
	assert.Equal(t, "acme/app#1:comment_created:42", Fingerprint(comment(1, 42, "x")))
	assert.Equal(t, "acme/app#1:labeled:agent:queued",
		Fingerprint(Event{Kind: KindLabeled, Repository: "acme/app", Entity: 1, Label: "agent:queued"}))

	a, b := opened(1), opened(1)
	b.Body = "edited body"
	assert.Equal(t, Fingerprint(a), Fingerprint(b), "payload content does not change the fingerprint")
}
