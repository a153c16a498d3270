package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issueagent/pkg/errclass"
	"issueagent/pkg/recovery"
	"issueagent/pkg/workunit"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.JobSubmitted("accepted")
	r.JobSubmitted("accepted")
	r.JobSubmitted("backlogged")
	r.Transition("QUEUED", "VALIDATING")
	r.JobFinished("COMPLETED", "", 3*time.Second)
	r.ActiveJobs(2)
	r.EventRouted("opened", "new_job")
	r.SandboxesInUse(4)
	r.RecoveryDecision(recovery.Decision{Action: recovery.ActionRetry, Classification: errclass.Classification{Category: errclass.RateLimit}})
	r.NotifierStats(10, 1, 3)
	r.StageFinished("execute", time.Second, true)

	assert.InDelta(t, 2, testutil.ToFloat64(r.jobsSubmitted.WithLabelValues("accepted")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.jobsSubmitted.WithLabelValues("backlogged")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.transitions.WithLabelValues("QUEUED", "VALIDATING")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.jobsFinished.WithLabelValues("COMPLETED", "")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(r.activeJobs), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.eventsRouted.WithLabelValues("opened", "new_job")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(r.sandboxesInUse), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.recoveries.WithLabelValues("retry", "rate_limit")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(r.syncFailures), 0)

	count, err := testutil.GatherAndCount(reg, "issueagent_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecorderRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRecorder(reg)
	assert.Panics(t, func() { NewRecorder(reg) })
}

type countWords struct{}

func (countWords) CountTokens(text string) int { return len(strings.Fields(text)) }

func TestInstrumentRecordsUsage(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	ok := Instrument(workunit.Func(func(_ context.Context, _ workunit.Request) (workunit.Result, error) {
		return workunit.Result{Success: true, Output: "three word plan"}, nil
	}), r, countWords{})
	_, err := ok.Execute(context.Background(), workunit.Request{JobID: "j1", Prompt: "fix the bug"})
	require.NoError(t, err)
	assert.Equal(t, "func", ok.Name())

	assert.InDelta(t, 1, testutil.ToFloat64(r.requests.WithLabelValues("func", "success", "")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(r.tokens.WithLabelValues("func", "prompt")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(r.tokens.WithLabelValues("func", "completion")), 0)

	reported := Instrument(workunit.Func(func(_ context.Context, _ workunit.Request) (workunit.Result, error) {
		return workunit.Result{Success: true, Output: "x", PromptTokens: 100, CompletionTokens: 7}, nil
	}), r, countWords{})
	_, err = reported.Execute(context.Background(), workunit.Request{Prompt: "ignored"})
	require.NoError(t, err)
	assert.InDelta(t, 103, testutil.ToFloat64(r.tokens.WithLabelValues("func", "prompt")), 0)

	boom := errclass.New(errclass.RateLimit, "slow down")
	failing := Instrument(workunit.Func(func(_ context.Context, _ workunit.Request) (workunit.Result, error) {
		return workunit.Result{}, boom
	}), r, nil)
	_, err = failing.Execute(context.Background(), workunit.Request{})
	assert.True(t, errors.Is(err, boom), "errors pass through unchanged")
	assert.InDelta(t, 1, testutil.ToFloat64(r.requests.WithLabelValues("func", "error", "rate_limit")), 0)
}

func TestQueryServiceGetStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		query := r.Form.Get("query")
		w.Header().Set("Content-Type", "application/json")
		var body string
		switch {
		case strings.Contains(query, "jobs_finished_total"):
			body = `[{"metric":{"state":"COMPLETED"},"value":[1700000000,"5"]},{"metric":{"state":"FAILED"},"value":[1700000000,"2"]}]`
		case strings.Contains(query, "events_routed_total"):
			body = `[{"metric":{"result":"deduplicated"},"value":[1700000000,"9"]}]`
		case strings.Contains(query, "active_jobs"):
			body = `[{"metric":{},"value":[1700000000,"3"]}]`
		default:
			body = `[]`
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":` + body + `}}`))
	}))
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)
	stats, err := q.GetStats(context.Background(), time.Hour)
	require.NoError(t, err)

	assert.InDelta(t, 5, stats.FinishedByState["COMPLETED"], 0)
	assert.InDelta(t, 2, stats.FinishedByState["FAILED"], 0)
	assert.InDelta(t, 9, stats.EventsByResult["deduplicated"], 0)
	assert.Empty(t, stats.TokensByProvider)
	assert.InDelta(t, 3, stats.ActiveJobs, 0)
}
