// Package resilience guards calls to external systems (the issue tracker) with a
// circuit breaker and a classified retry policy.
package resilience

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	Closed   BreakerState = iota // calls flow
	Open                         // calls rejected until cooldown elapses
	HalfOpen                     // probing
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"` // consecutive failures before opening
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"` // half-open successes before closing
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`                   // open duration before probing
}

// DefaultBreakerConfig is used for the issue tracker client.
//
//nolint:gochecknoglobals
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Cooldown:         30 * time.Second,
}

// OpenError is returned when a call is rejected by an open breaker.
type OpenError struct {
	Name  string
	State BreakerState
	// RetryIn is the remaining cooldown before the breaker lets a call through.
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s", e.Name, e.State)
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	name            string
	config          BreakerConfig
	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	now             func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig.SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig.Cooldown
	}
	return &Breaker{name: name, config: config, now: time.Now}
}

// Allow reports whether a call may proceed, moving Open to HalfOpen after the cooldown.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed >= b.config.Cooldown {
			b.state = HalfOpen
			b.successCount = 0
			return nil
		}
		return &OpenError{Name: b.name, State: b.state, RetryIn: b.config.Cooldown - elapsed}
	default:
		return nil
	}
}

// Record records a call outcome.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case Closed:
			b.failureCount = 0
		case HalfOpen:
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.state = Closed
				b.failureCount = 0
				b.successCount = 0
			}
		}
		return
	}

	b.failureCount++
	b.lastFailureTime = b.now()
	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.successCount = 0
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}
