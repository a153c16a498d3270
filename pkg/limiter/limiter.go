// Package limiter provides holder-keyed slot admission for concurrency ceilings.
package limiter

import (
	"fmt"
	"sync"
)

var (
	// ErrLimitReached is returned when every slot is held.
	ErrLimitReached = fmt.Errorf("limit reached")
	// ErrAlreadyHeld is returned when a holder tries to take a second slot.
	ErrAlreadyHeld = fmt.Errorf("slot already held")
)

// Limiter admits at most Capacity holders at once. Check-and-increment is a
// single critical section so concurrent callers can never oversubscribe.
type Limiter struct {
	mu       sync.Mutex
	name     string
	capacity int
	holders  map[string]struct{}
}

// New creates a limiter. A capacity below 1 is treated as 1.
func New(name string, capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		name:     name,
		capacity: capacity,
		holders:  make(map[string]struct{}),
	}
}

// TryAcquire reserves a slot for holder without waiting.
func (l *Limiter) TryAcquire(holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.holders[holder]; ok {
		return fmt.Errorf("%s: %s: %w", l.name, holder, ErrAlreadyHeld)
	}
	if len(l.holders) >= l.capacity {
		return fmt.Errorf("%s: %d/%d in use: %w", l.name, len(l.holders), l.capacity, ErrLimitReached)
	}
	l.holders[holder] = struct{}{}
	return nil
}

// Release frees holder's slot. It reports whether a slot was actually held,
// so repeated releases are harmless.
func (l *Limiter) Release(holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.holders[holder]; !ok {
		return false
	}
	delete(l.holders, holder)
	return true
}

// Holds reports whether holder currently has a slot.
func (l *Limiter) Holds(holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.holders[holder]
	return ok
}

// InUse returns the number of held slots.
func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

// Capacity returns the configured ceiling.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// Name returns the limiter name used in errors.
func (l *Limiter) Name() string {
	return l.name
}
