package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Entries idle longer than this are forgotten.
const healthEntryTtl = 2 * time.Hour

type healthEntry struct {
	failureStreak int
	successStreak int
	updatedAt     int64
}

// HealthTracker keeps per-session, per-model failure and success streaks.
// The failure streak feeds both rule conditions and the auto-upgrade
// policy.
type HealthTracker struct {
	entries   map[string]*healthEntry
	entriesMu sync.Mutex
	clock     clock.Clock
}

func NewHealthTracker() (*HealthTracker, func()) {
	return newHealthTrackerWithClock(clock.New())
}

func newHealthTrackerWithClock(clk clock.Clock) (*HealthTracker, func()) {
	t := &HealthTracker{
		entries: make(map[string]*healthEntry),
		clock:   clk,
	}
	stop := t.startCleanup(15 * time.Minute)
	return t, stop
}

func healthKey(sessionHash string, model string) string {
	if sessionHash == "" {
		sessionHash = "anon"
	}
	return fmt.Sprintf("%s::%s", sessionHash, model)
}

// RecordFailure bumps the failure streak and resets the success streak.
func (t *HealthTracker) RecordFailure(sessionHash string, model string) {
	t.update(sessionHash, model, func(entry *healthEntry) {
		entry.failureStreak++
		entry.successStreak = 0
	})
}

// RecordSuccess bumps the success streak and resets the failure streak.
func (t *HealthTracker) RecordSuccess(sessionHash string, model string) {
	t.update(sessionHash, model, func(entry *healthEntry) {
		entry.successStreak++
		entry.failureStreak = 0
	})
}

// Streaks returns the current (failure, success) streaks for the session
// and model. Expired entries read as zero.
func (t *HealthTracker) Streaks(sessionHash string, model string) (int, int) {
	key := healthKey(sessionHash, model)
	now := t.clock.Now().UnixNano()

	t.entriesMu.Lock()
	defer t.entriesMu.Unlock()

	entry, exists := t.entries[key]
	if !exists {
		return 0, 0
	}
	if now-entry.updatedAt > healthEntryTtl.Nanoseconds() {
		delete(t.entries, key)
		return 0, 0
	}
	return entry.failureStreak, entry.successStreak
}

func (t *HealthTracker) update(sessionHash string, model string, apply func(*healthEntry)) {
	key := healthKey(sessionHash, model)
	now := t.clock.Now().UnixNano()

	t.entriesMu.Lock()
	defer t.entriesMu.Unlock()

	entry, exists := t.entries[key]
	if !exists || now-entry.updatedAt > healthEntryTtl.Nanoseconds() {
		entry = &healthEntry{}
		t.entries[key] = entry
	}
	apply(entry)
	entry.updatedAt = now
}

func (t *HealthTracker) cleanup() {
	now := t.clock.Now().UnixNano()

	t.entriesMu.Lock()
	for key, entry := range t.entries {
		if now-entry.updatedAt > healthEntryTtl.Nanoseconds() {
			delete(t.entries, key)
		}
	}
	t.entriesMu.Unlock()
}

func (t *HealthTracker) startCleanup(interval time.Duration) func() {
	ticker := t.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				t.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
