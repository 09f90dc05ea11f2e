package dispatch

import (
	"sync"
	"time"

	"github.com/cohortnet/quorum/errors"
)

// Limiter enforces max dispatches per time window using a sliding window.
// A throttled sub-query stays QUEUED and is retried by the stale sweeper.
type Limiter struct {
	maxPerMinute int
	window       time.Duration
	mu           sync.Mutex
	sendTimes    []time.Time
	timeNow      func() time.Time // Injectable for testing
}

// NewLimiter creates a dispatch limiter with real time. maxPerMinute <= 0
// disables throttling.
func NewLimiter(maxPerMinute int) *Limiter {
	return NewLimiterWithClock(maxPerMinute, time.Now)
}

// NewLimiterWithClock creates a limiter with an injectable clock (for testing)
func NewLimiterWithClock(maxPerMinute int, timeNow func() time.Time) *Limiter {
	return &Limiter{
		maxPerMinute: maxPerMinute,
		window:       60 * time.Second,
		timeNow:      timeNow,
	}
}

// Allow checks if a dispatch is allowed under the rate limit and records it.
func (l *Limiter) Allow() error {
	if l.maxPerMinute <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	l.removeExpired(now)

	if len(l.sendTimes) >= l.maxPerMinute {
		err := errors.Newf("dispatch rate limit exceeded: %d sends per minute (limit: %d)",
			len(l.sendTimes), l.maxPerMinute)
		return errors.WithDetailf(err, "Sends in window: %d", len(l.sendTimes))
	}

	l.sendTimes = append(l.sendTimes, now)
	return nil
}

func (l *Limiter) removeExpired(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.sendTimes[:0]
	for _, t := range l.sendTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.sendTimes = kept
}
