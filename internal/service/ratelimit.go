package service

import (
	"sync"
	"time"
)

const (
	// verifyAttemptLimit is the number of failed 2FA verifications tolerated
	// per user before further attempts are rejected.
	verifyAttemptLimit = 5

	// verifyAttemptWindow is measured from the first failure of the current
	// streak. The counter resets when the window elapses or a verification
	// succeeds.
	verifyAttemptWindow = 15 * time.Minute
)

// verifyLimiter tracks failed 2FA attempts per user. Process-local and
// in-memory; entries are reset lazily on access rather than swept.
type verifyLimiter struct {
	mu      sync.Mutex
	entries map[string]*verifyAttempts
	now     func() time.Time
}

type verifyAttempts struct {
	count       int
	windowStart time.Time
}

func newVerifyLimiter(now func() time.Time) *verifyLimiter {
	if now == nil {
		now = time.Now
	}
	return &verifyLimiter{
		entries: make(map[string]*verifyAttempts),
		now:     now,
	}
}

// Allowed reports whether the user may attempt another verification.
func (l *verifyLimiter) Allowed(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[userID]
	if !ok {
		return true
	}
	if l.now().Sub(e.windowStart) >= verifyAttemptWindow {
		delete(l.entries, userID)
		return true
	}
	return e.count < verifyAttemptLimit
}

// RecordFailure counts one failed attempt, starting a new window if the
// previous one has elapsed.
func (l *verifyLimiter) RecordFailure(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[userID]
	if !ok || now.Sub(e.windowStart) >= verifyAttemptWindow {
		l.entries[userID] = &verifyAttempts{count: 1, windowStart: now}
		return
	}
	e.count++
}

// Reset clears the user's counter after a successful verification.
func (l *verifyLimiter) Reset(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, userID)
}
