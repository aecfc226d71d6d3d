package server

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Headers checked, in order, when the body carries no user id.
var sessionHeaders = []string{
	"x-session-id",
	"x-conversation-id",
	"anthropic-conversation-id",
}

const sessionHashLen = 12

// sessionHash derives a stable, non-reversible session identifier from the
// request. Empty when the request carries no session signal at all.
func sessionHash(userId string, header http.Header) string {
	seed := userId
	if seed == "" {
		for _, name := range sessionHeaders {
			if value := header.Get(name); value != "" {
				seed = value
				break
			}
		}
	}
	if seed == "" {
		return ""
	}

	sum := sha1.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])[:sessionHashLen]
}

type stickyEntry struct {
	targetKey string
	updatedAt int64
}

// StickySessions pins a session+model pair to the target that last served
// it, so multi-turn conversations keep hitting the same upstream.
type StickySessions struct {
	entries     map[string]*stickyEntry
	entriesMu   sync.Mutex
	ttl         time.Duration
	maxSessions int
	clock       clock.Clock
}

func NewStickySessions(ttl time.Duration, maxSessions int) *StickySessions {
	return newStickySessionsWithClock(ttl, maxSessions, clock.New())
}

func newStickySessionsWithClock(ttl time.Duration, maxSessions int, clk clock.Clock) *StickySessions {
	return &StickySessions{
		entries:     make(map[string]*stickyEntry),
		ttl:         ttl,
		maxSessions: maxSessions,
		clock:       clk,
	}
}

func stickyKey(sessionHash string, model string) string {
	return fmt.Sprintf("%s::%s", sessionHash, model)
}

// Lookup returns the pinned target key for the session and model, if the
// pin is still fresh.
func (s *StickySessions) Lookup(sessionHash string, model string) (string, bool) {
	if sessionHash == "" {
		return "", false
	}
	key := stickyKey(sessionHash, model)
	now := s.clock.Now().UnixNano()

	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return "", false
	}
	if now-entry.updatedAt > s.ttl.Nanoseconds() {
		delete(s.entries, key)
		return "", false
	}
	return entry.targetKey, true
}

// Pin records the target that served the session. The oldest pin is evicted
// when the tracker is full.
func (s *StickySessions) Pin(sessionHash string, model string, targetKey string) {
	if sessionHash == "" {
		return
	}
	key := stickyKey(sessionHash, model)
	now := s.clock.Now().UnixNano()

	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxSessions {
		s.evictOldest()
	}
	s.entries[key] = &stickyEntry{targetKey: targetKey, updatedAt: now}
}

// Forget drops the pin for the session and model, typically after the
// pinned target failed.
func (s *StickySessions) Forget(sessionHash string, model string) {
	if sessionHash == "" {
		return
	}
	s.entriesMu.Lock()
	delete(s.entries, stickyKey(sessionHash, model))
	s.entriesMu.Unlock()
}

func (s *StickySessions) evictOldest() {
	var oldestKey string
	var oldestAt int64
	for key, entry := range s.entries {
		if oldestKey == "" || entry.updatedAt < oldestAt {
			oldestKey = key
			oldestAt = entry.updatedAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}
