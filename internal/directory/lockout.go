package directory

import (
	"sync"
	"time"
)

type lockoutEntry struct {
	failures    int
	lockedUntil time.Time
}

type lockout struct {
	mu          sync.Mutex
	maxAttempts int
	duration    time.Duration
	entries     map[string]*lockoutEntry
	now         func() time.Time
}

func newLockout(maxAttempts int, duration time.Duration) *lockout {
	return &lockout{
		maxAttempts: maxAttempts,
		duration:    duration,
		entries:     make(map[string]*lockoutEntry),
		now:         time.Now,
	}
}

func (l *lockout) locked(user string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[user]
	if !ok {
		return false
	}
	if e.lockedUntil.IsZero() {
		return false
	}
	if l.now().Before(e.lockedUntil) {
		return true
	}
	delete(l.entries, user)
	return false
}

// fail records a failed attempt and reports whether the account is now
// locked.
func (l *lockout) fail(user string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[user]
	if !ok {
		e = &lockoutEntry{}
		l.entries[user] = e
	}
	e.failures++
	if e.failures >= l.maxAttempts {
		e.lockedUntil = l.now().Add(l.duration)
		return true
	}
	return false
}

func (l *lockout) reset(user string) {
	l.mu.Lock()
	delete(l.entries, user)
	l.mu.Unlock()
}
