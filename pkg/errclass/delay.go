package errclass

import (
	"math"
	"math/rand/v2"
	"time"
)

// DelayPolicy computes backoff delays. Scale shrinks or stretches every delay.
type DelayPolicy struct {
	Scale  float64 `yaml:"scale" json:"scale"`
	Jitter bool    `yaml:"jitter" json:"jitter"`
}

// DefaultDelayPolicy uses real-time delays with ±10% jitter.
//
//nolint:gochecknoglobals
var DefaultDelayPolicy = DelayPolicy{Scale: 1, Jitter: true}

// RetryDelay returns the delay before retry number attempt (1-based) using the default policy.
func RetryDelay(c Classification, attempt int) time.Duration {
	return DefaultDelayPolicy.Delay(c, attempt)
}

// Delay returns the delay before retry number attempt (1-based).
func (p DelayPolicy) Delay(c Classification, attempt int) time.Duration {
	if !c.Retryable || attempt < 1 {
		return 0
	}

	var delay time.Duration
	switch c.Strategy {
	case StrategyExponential:
		secs := math.Min(MaxExponentialDelay.Seconds(), math.Pow(2, float64(attempt)))
		delay = time.Duration(secs * float64(time.Second))
		if p.Jitter {
			delay += time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1)) //nolint:gosec // jitter only
		}
	case StrategyLinear:
		delay = time.Duration(attempt) * LinearStep
		if delay > MaxLinearDelay {
			delay = MaxLinearDelay
		}
	case StrategyFixed:
		delay = FixedDelay
	default:
		return 0
	}

	scale := p.Scale
	if scale <= 0 {
		scale = 1
	}
	return time.Duration(float64(delay) * scale)
}
