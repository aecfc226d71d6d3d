package state

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MemoryManager keeps cooldown windows in process memory. Suitable for
// single-process deployments; multi-process setups should share state
// through a ValkeyManager instead.
type MemoryManager struct {
	// Target key -> cooling_until (unix nanoseconds)
	cooldowns   map[string]int64
	cooldownsMu sync.RWMutex

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewMemoryManager() (*MemoryManager, func()) {
	return newMemoryManagerWithClock(clock.New())
}

func newMemoryManagerWithClock(clk clock.Clock) (*MemoryManager, func()) {
	m := &MemoryManager{
		cooldowns: make(map[string]int64),
		clock:     clk,
	}

	stop := m.startCleanup(5 * time.Minute)
	return m, stop
}

func (m *MemoryManager) Record(
	ctx context.Context, key string, duration time.Duration,
) error {
	coolingUntil := m.clock.Now().Add(duration).UnixNano()

	m.cooldownsMu.Lock()
	defer m.cooldownsMu.Unlock()

	// Last write wins even when the new window ends earlier than the
	// current one.
	m.cooldowns[key] = coolingUntil
	return nil
}

func (m *MemoryManager) Clear(ctx context.Context, key string) error {
	m.cooldownsMu.Lock()
	defer m.cooldownsMu.Unlock()

	delete(m.cooldowns, key)
	return nil
}

func (m *MemoryManager) Status(
	ctx context.Context, key string,
) (bool, time.Duration, error) {
	now := m.clock.Now().UnixNano()

	m.cooldownsMu.RLock()
	coolingUntil, exists := m.cooldowns[key]
	m.cooldownsMu.RUnlock()

	if !exists {
		return false, 0, nil
	}

	if coolingUntil <= now {
		// Expired entries are reaped lazily here and periodically by the
		// cleanup loop.
		m.cooldownsMu.Lock()
		if current, still := m.cooldowns[key]; still && current <= now {
			delete(m.cooldowns, key)
		}
		m.cooldownsMu.Unlock()
		return false, 0, nil
	}

	return true, time.Duration(coolingUntil - now), nil
}

func (m *MemoryManager) cleanup() {
	now := m.clock.Now().UnixNano()

	m.cooldownsMu.Lock()
	for key, coolingUntil := range m.cooldowns {
		if coolingUntil <= now {
			delete(m.cooldowns, key)
		}
	}
	m.cooldownsMu.Unlock()
}

func (m *MemoryManager) startCleanup(interval time.Duration) func() {
	ticker := m.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.cleanup()
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
