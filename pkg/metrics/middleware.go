package metrics

import (
	"context"
	"time"

	"issueagent/pkg/errclass"
	"issueagent/pkg/logx"
	"issueagent/pkg/workunit"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// TokenCounter estimates token counts for providers that do not report usage.
type TokenCounter interface {
	CountTokens(text string) int
}

// WorkUnitObserver receives one observation per work unit execution.
type WorkUnitObserver interface {
	ObserveWorkUnit(provider string, promptTokens, completionTokens int64, success bool, errorType string, d time.Duration)
}

// Instrument wraps next so that every execution is recorded. counter may be nil.
func Instrument(next workunit.WorkUnit, obs WorkUnitObserver, counter TokenCounter) workunit.WorkUnit {
	return &instrumented{next: next, obs: obs, counter: counter, logger: logx.NewLogger("workunit")}
}

type instrumented struct {
	next    workunit.WorkUnit
	obs     WorkUnitObserver
	counter TokenCounter
	logger  *logx.Logger
}

func (w *instrumented) Name() string { return w.next.Name() }

func (w *instrumented) Execute(ctx context.Context, req workunit.Request) (workunit.Result, error) {
	start := time.Now()
	res, err := w.next.Execute(ctx, req)
	duration := time.Since(start)

	prompt, completion := res.PromptTokens, res.CompletionTokens
	if err == nil && prompt == 0 && completion == 0 && w.counter != nil {
		prompt = int64(w.counter.CountTokens(req.Prompt))
		completion = int64(w.counter.CountTokens(res.Output))
	}

	errorType := ""
	if err != nil {
		errorType = string(errclass.Classify(err, errclass.Context{}).Category)
	}
	success := err == nil && res.Success
	w.obs.ObserveWorkUnit(w.next.Name(), prompt, completion, success, errorType, duration)

	w.logger.ForJob(req.JobID, logx.LevelDebug, "🎯 Work unit: provider=%s tokens=%d+%d=%d status=%s duration=%dms",
		w.next.Name(), prompt, completion, prompt+completion, status(success), duration.Milliseconds())

	return res, err //nolint:wrapcheck // Middleware should pass through errors unchanged
}
