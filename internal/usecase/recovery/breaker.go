package recovery

import (
	"fmt"
	"sync"
	"time"

	"sessiond/internal/domain"
)

// breakerState tracks failures for one (category, session-or-global) key.
type breakerState struct {
	failures    int
	lastFailure time.Time
	open        bool
}

// BreakerSet holds every circuit breaker, keyed by error category and
// session scope. A breaker opens when failures reach the threshold and
// closes with a full counter reset once the cooldown elapses with no
// further failures; there is no half-open probing state.
type BreakerSet struct {
	threshold int
	cooldown  time.Duration

	mu      sync.Mutex
	entries map[string]*breakerState
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	if threshold < 1 {
		threshold = 1
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &BreakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		entries:   make(map[string]*breakerState),
	}
}

func breakerKey(category domain.ErrorCategory, sessionID string) string {
	scope := sessionID
	if scope == "" {
		scope = "global"
	}
	return fmt.Sprintf("%s|%s", category, scope)
}

// IsOpen reports whether the breaker for the key is open. A lapsed
// cooldown closes the breaker and resets its counter before answering.
func (b *BreakerSet) IsOpen(category domain.ErrorCategory, sessionID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[breakerKey(category, sessionID)]
	if !ok {
		return false
	}
	b.maybeReset(entry, now)
	return entry.open
}

// RecordFailure counts one failure against the key and reports whether
// this failure opened the breaker, plus the cumulative count. The cooldown
// reset is applied before the new failure is evaluated.
func (b *BreakerSet) RecordFailure(category domain.ErrorCategory, sessionID string, now time.Time) (opened bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := breakerKey(category, sessionID)
	entry, ok := b.entries[key]
	if !ok {
		entry = &breakerState{}
		b.entries[key] = entry
	}
	b.maybeReset(entry, now)

	entry.failures++
	entry.lastFailure = now
	if !entry.open && entry.failures >= b.threshold {
		entry.open = true
		return true, entry.failures
	}
	return false, entry.failures
}

// maybeReset closes and zeroes an entry whose cooldown has fully elapsed.
// Caller must hold b.mu.
func (b *BreakerSet) maybeReset(entry *breakerState, now time.Time) {
	if !entry.lastFailure.IsZero() && now.Sub(entry.lastFailure) > b.cooldown {
		entry.open = false
		entry.failures = 0
	}
}

// Maintain removes closed entries that have been idle longer than maxIdle.
// Open entries past their cooldown are closed first so they become
// eligible for removal on a later pass.
func (b *BreakerSet) Maintain(now time.Time, maxIdle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, entry := range b.entries {
		b.maybeReset(entry, now)
		if !entry.open && now.Sub(entry.lastFailure) > maxIdle {
			delete(b.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked breaker entries.
func (b *BreakerSet) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
