package errclass

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panicky struct{}

func (*panicky) Error() string { panic("boom") }

func TestClassifyMessagePatterns(t *testing.T) {
	tests := []struct {
		msg  string
		want Category
	}{
		{"API rate limit exceeded for installation", RateLimit},
		{"429 Too Many Requests", RateLimit},
		{"monthly quota exceeded", RateLimit},
		{"Permission denied (publickey)", Permission},
		{"403 Forbidden", Permission},
		{"request timed out after 30s", Timeout},
		{"dial tcp: connection refused", TransientNetwork},
		{"dns error resolving api.github.com", TransientNetwork},
		{"validation failed: title", Validation},
		{"required field missing: body", Validation},
		{"fatal: out of memory", ResourceExhaustion},
		{"not enough disk space", ResourceExhaustion},
		{"something odd happened", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			c := Classify(errors.New(tt.msg), Context{})
			assert.Equal(t, tt.want, c.Category)
		})
	}
}

func TestClassifyUnknownIsSafe(t *testing.T) {
	c := Classify(errors.New("mystery"), Context{})
	assert.Equal(t, Unknown, c.Category)
	assert.Equal(t, SeverityMedium, c.Severity)
	assert.False(t, c.Retryable)
	assert.Zero(t, c.SuggestedDelay)
}

func TestClassifyIsTotal(t *testing.T) {
	assert.NotPanics(t, func() {
		c := Classify(nil, Context{})
		assert.Equal(t, Unknown, c.Category)
	})
	assert.NotPanics(t, func() {
		var p *panicky
		c := Classify(p, Context{})
		assert.Equal(t, Unknown, c.Category)
	})
}

func TestClassifyContextErrors(t *testing.T) {
	assert.Equal(t, Cancelled, Classify(fmt.Errorf("stage: %w", context.Canceled), Context{}).Category)
	assert.Equal(t, Timeout, Classify(fmt.Errorf("stage: %w", context.DeadlineExceeded), Context{}).Category)
}

func TestClassifyTypedErrorWins(t *testing.T) {
	err := fmt.Errorf("acquire: %w", New(SandboxFailure, "worktree add failed: permission denied"))
	c := Classify(err, Context{Stage: "acquire"})
	assert.Equal(t, SandboxFailure, c.Category)
	assert.Equal(t, "acquire", c.Stage)
	assert.True(t, Is(err, SandboxFailure))
	assert.Equal(t, SandboxFailure, CategoryOf(err))
}

func TestClassifyStatusCodes(t *testing.T) {
	tests := map[int]Category{
		401: Permission,
		403: Permission,
		429: RateLimit,
		422: Validation,
		502: TransientNetwork,
	}
	for status, want := range tests {
		err := WithStatus(Unknown, status, "github api")
		assert.Equal(t, want, Classify(err, Context{}).Category, "status %d", status)
	}
}

func TestPermissionFailsWithoutEscalation(t *testing.T) {
	c := Classify(errors.New("403 forbidden"), Context{})
	require.Equal(t, Permission, c.Category)
	assert.Equal(t, SeverityCritical, c.Severity)
	assert.False(t, c.Retryable)
	assert.False(t, c.EscalationRequired)
}

func TestQuotaExhaustionEscalates(t *testing.T) {
	c := ForCategory(RateLimit, "secondary rate limit", Context{})
	assert.True(t, c.Retryable)
	assert.True(t, c.EscalationRequired)
}

func TestEscalationThresholds(t *testing.T) {
	c := ForCategory(TransientNetwork, "reset", Context{Attempt: 1})
	assert.False(t, c.EscalationRequired)

	c = ForCategory(TransientNetwork, "reset", Context{Attempt: EscalationThreshold})
	assert.True(t, c.EscalationRequired)

	c = ForCategory(Validation, "bad", Context{SimilarErrors: EscalationThreshold})
	assert.True(t, c.EscalationRequired)
}

func TestForCategoryRejectsUnknownValues(t *testing.T) {
	c := ForCategory(Category("bogus"), "x", Context{})
	assert.Equal(t, Unknown, c.Category)
}

func TestEveryCategoryHasPolicy(t *testing.T) {
	for _, c := range Categories {
		assert.True(t, c.Valid(), "category %s", c)
		assert.NotEmpty(t, PolicyFor(c).UserMessage, "category %s", c)
	}
}

func TestRetryDelay(t *testing.T) {
	noJitter := DelayPolicy{Scale: 1}

	exp := ForCategory(RateLimit, "", Context{})
	assert.Equal(t, 2*time.Second, noJitter.Delay(exp, 1))
	assert.Equal(t, 8*time.Second, noJitter.Delay(exp, 3))
	assert.Equal(t, MaxExponentialDelay, noJitter.Delay(exp, 20))

	lin := ForCategory(Timeout, "", Context{})
	assert.Equal(t, 30*time.Second, noJitter.Delay(lin, 1))
	assert.Equal(t, MaxLinearDelay, noJitter.Delay(lin, 10))

	fixed := ForCategory(ResourceExhaustion, "", Context{})
	assert.Equal(t, FixedDelay, noJitter.Delay(fixed, 4))

	none := ForCategory(Permission, "", Context{})
	assert.Zero(t, noJitter.Delay(none, 1))
}

func TestRetryDelayJitterBounds(t *testing.T) {
	c := ForCategory(TransientNetwork, "", Context{})
	for i := 0; i < 50; i++ {
		d := RetryDelay(c, 2)
		assert.GreaterOrEqual(t, d, 3600*time.Millisecond)
		assert.LessOrEqual(t, d, 4400*time.Millisecond)
	}
}

func TestDelayScale(t *testing.T) {
	c := ForCategory(ResourceExhaustion, "", Context{})
	p := DelayPolicy{Scale: 0.5}
	assert.Equal(t, 30*time.Second, p.Delay(c, 1))
}
