package security

import (
	"errors"
	"sync"
	"time"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
	ErrLockedOut   = errors.New("security: too many failures")
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// newRateLimiter creates a limiter allowing rate operations per second with
// bursts of up to burst operations.
func newRateLimiter(rate float64, burst int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: now(),
		now:        now,
	}
}

// Allow reports whether an operation may proceed now, consuming a token if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

func (r *RateLimiter) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefill
}

// KeyedRateLimiter keeps one token bucket per key (e.g. per identity).
// Buckets idle for longer than the retention window are dropped lazily.
type KeyedRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*RateLimiter
	rate      float64
	burst     int
	retention time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewKeyedRateLimiter creates a per-key limiter.
func NewKeyedRateLimiter(rate float64, burst int, retention time.Duration) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		limiters:  make(map[string]*RateLimiter),
		rate:      rate,
		burst:     burst,
		retention: retention,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow reports whether an operation for key may proceed.
func (k *KeyedRateLimiter) Allow(key string) bool {
	k.mu.Lock()
	now := k.now()
	if k.retention > 0 && now.Sub(k.lastSweep) > k.retention {
		for name, l := range k.limiters {
			if now.Sub(l.idleSince()) > k.retention {
				delete(k.limiters, name)
			}
		}
		k.lastSweep = now
	}
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = newRateLimiter(k.rate, k.burst, k.now)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()

	return limiter.Allow()
}

// FailureLimiter locks a key out after repeated failures.
type FailureLimiter struct {
	mu           sync.Mutex
	failures     map[string]*failureRecord
	maxFailures  int
	resetAfter   time.Duration
	lockDuration time.Duration
	now          func() time.Time
}

type failureRecord struct {
	count       int
	lastFailed  time.Time
	lockedUntil time.Time
}

// NewFailureLimiter locks a key for lockDuration once it accumulates
// maxFailures failures without resetAfter elapsing between them.
func NewFailureLimiter(maxFailures int, resetAfter, lockDuration time.Duration) *FailureLimiter {
	return &FailureLimiter{
		failures:     make(map[string]*failureRecord),
		maxFailures:  maxFailures,
		resetAfter:   resetAfter,
		lockDuration: lockDuration,
		now:          time.Now,
	}
}

// RecordFailure records a failure for key.
func (fl *FailureLimiter) RecordFailure(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	record, ok := fl.failures[key]
	if !ok {
		record = &failureRecord{}
		fl.failures[key] = record
	}
	if now.Sub(record.lastFailed) > fl.resetAfter {
		record.count = 0
	}
	record.count++
	record.lastFailed = now

	if fl.maxFailures > 0 && record.count >= fl.maxFailures {
		record.lockedUntil = now.Add(fl.lockDuration)
	}
}

// IsLocked reports whether key is currently locked out.
func (fl *FailureLimiter) IsLocked(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[key]
	if !ok {
		return false
	}
	return fl.now().Before(record.lockedUntil)
}

// RecordSuccess clears the failure history of key.
func (fl *FailureLimiter) RecordSuccess(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	delete(fl.failures, key)
}
