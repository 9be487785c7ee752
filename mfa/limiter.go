package mfa

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// attemptLimiter applies a token bucket per subject and periodically evicts
// idle entries.
type attemptLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*limiterEntry
	hits    uint64
	idleTTL time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newAttemptLimiter returns nil, meaning unlimited, when perMinute or burst
// is not positive.
func newAttemptLimiter(perMinute float64, burst int) *attemptLimiter {
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	return &attemptLimiter{
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
		byKey:   make(map[string]*limiterEntry),
		idleTTL: 30 * time.Minute,
	}
}

// Allow reports whether the subject may make one more attempt at now.
func (l *attemptLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}

	return allowed
}
