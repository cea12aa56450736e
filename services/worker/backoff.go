package worker

import (
	"math"
	"sync"
	"time"

	"github.com/mailriver/mailriver/config"
)

type retryState struct {
	retryCount  int
	nextRetryAt time.Time
	touchedAt   time.Time
}

// BackoffController keeps per-entry retry accounting in memory. The
// durable "needs retry" fact lives in the log's pending list; this map
// only shapes the delay curve, so losing it on restart is safe.
type BackoffController struct {
	mu      sync.Mutex
	cfg     *config.BackoffConfig
	entries map[string]*retryState
}

func NewBackoffController(cfg *config.BackoffConfig) *BackoffController {
	return &BackoffController{
		cfg:     cfg,
		entries: make(map[string]*retryState),
	}
}

// Delay returns the wait after failure number attempt+1, counting
// attempts from zero: initial, initial*multiplier, ... capped at
// MaxDelay.
func (b *BackoffController) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if ceiling := float64(b.cfg.MaxDelay); delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay)
}

// RecordFailure bumps the entry's retry count and schedules the next
// attempt. Returns the new count.
func (b *BackoffController) RecordFailure(entryID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.entries[entryID]
	if !ok {
		state = &retryState{}
		b.entries[entryID] = state
	}
	state.retryCount++
	now := time.Now()
	state.nextRetryAt = now.Add(b.Delay(state.retryCount - 1))
	state.touchedAt = now
	return state.retryCount
}

// RecordSuccess drops all tracking for the entry.
func (b *BackoffController) RecordSuccess(entryID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, entryID)
}

// ShouldRetry reports whether the entry still has retry budget. An
// entry is exhausted once it has failed more than MaxRetries times.
func (b *BackoffController) ShouldRetry(entryID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.entries[entryID]
	if !ok {
		return true
	}
	return state.retryCount <= b.cfg.MaxRetries
}

// Due reports whether the entry's scheduled delay has elapsed. Unknown
// entries are due immediately.
func (b *BackoffController) Due(entryID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.entries[entryID]
	if !ok {
		return true
	}
	return !time.Now().Before(state.nextRetryAt)
}

// RetryCount returns the recorded failures for the entry, zero when
// untracked.
func (b *BackoffController) RetryCount(entryID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.entries[entryID]
	if !ok {
		return 0
	}
	return state.retryCount
}

// ReapStale removes entries that have been idle longer than the window.
func (b *BackoffController) ReapStale(olderThan time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, state := range b.entries {
		if state.touchedAt.Before(cutoff) {
			delete(b.entries, id)
			removed++
		}
	}
	return removed
}

// Tracked returns how many entries currently carry retry state.
func (b *BackoffController) Tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
