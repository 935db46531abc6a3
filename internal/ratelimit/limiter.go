// Package ratelimit implements the per-host domain rate limiter: a
// sliding window of call timestamps per (bucket, key), atomic against
// concurrent callers, degrading to a safe local default on store
// errors.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"
	"golang.org/x/time/rate"

	"github.com/crawlcore/crawlcore/internal/models"
)

// Result is the outcome of a CheckRateLimit call.
type Result struct {
	Allowed        bool
	ResetInSeconds int
}

// Limiter implements the sliding-window check over a shared badgerhold
// store. A single process-wide mutex makes the read-modify-write atomic,
// the in-process equivalent of a server-side scripted check-and-insert.
type Limiter struct {
	mu    sync.Mutex
	db    *badgerhold.Store
	clock func() time.Time

	// fallback is consulted only when the store itself errors: a
	// conservative in-process token bucket per key, so a Badger hiccup
	// degrades to a locally-enforced limit instead of unconditionally
	// waving every request through. A fallback deny always carries a
	// non-zero reset so callers back off instead of spinning.
	fallbackMu sync.Mutex
	fallback   map[string]*rate.Limiter
}

func NewLimiter(db *badgerhold.Store) *Limiter {
	return &Limiter{db: db, clock: time.Now, fallback: make(map[string]*rate.Limiter)}
}

func (l *Limiter) fallbackAllow(bucket, key string, maxRequests int, window time.Duration) Result {
	l.fallbackMu.Lock()
	defer l.fallbackMu.Unlock()

	id := bucket + "\x00" + key
	lim, ok := l.fallback[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(window/time.Duration(maxRequests)), maxRequests)
		l.fallback[id] = lim
	}
	if lim.Allow() {
		return Result{Allowed: true}
	}

	// The bucket keeps no timestamp history to compute an exact reset
	// from; one refill interval bounds the wait, floored at 1s so the
	// caller's retry-after delay is never zero.
	reset := int(math.Ceil((window / time.Duration(maxRequests)).Seconds()))
	if reset < 1 {
		reset = 1
	}
	return Result{Allowed: false, ResetInSeconds: reset}
}

// CheckRateLimit drops timestamps older than now-window, counts the
// remainder, and either inserts now (under the limit) or computes
// reset-in-seconds from the oldest surviving entry.
func (l *Limiter) CheckRateLimit(ctx context.Context, bucket, key string, maxRequests int, window time.Duration) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := bucket + "\x00" + key
	var counter models.RateLimitCounter
	err := l.db.Get(id, &counter)
	if err != nil && err != badgerhold.ErrNotFound {
		// Store error: fall open via the local token-bucket backstop
		// rather than either blocking everything or waving everything
		// through unconditionally.
		return l.fallbackAllow(bucket, key, maxRequests, window)
	}
	if err == badgerhold.ErrNotFound {
		counter = models.RateLimitCounter{ID: id, Bucket: bucket, Key: key}
	}

	now := l.clock()
	cutoff := now.Add(-window)
	kept := counter.Timestamps[:0]
	for _, ts := range counter.Timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	counter.Timestamps = kept

	if len(counter.Timestamps) < maxRequests {
		counter.Timestamps = append(counter.Timestamps, now)
		if uerr := l.db.Upsert(id, &counter); uerr != nil {
			return l.fallbackAllow(bucket, key, maxRequests, window)
		}
		return Result{Allowed: true}
	}

	oldest := counter.Timestamps[0]
	resetAt := oldest.Add(window)
	resetSeconds := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if resetSeconds < 0 {
		resetSeconds = 0
	}
	return Result{Allowed: false, ResetInSeconds: resetSeconds}
}
