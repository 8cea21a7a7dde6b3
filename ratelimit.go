package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimitConfig describes one enforcement profile for the sliding window.
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

// Built-in profiles. Reads get a generous allowance, writes a strict one.
var (
	ReadLimitProfile  = RateLimitConfig{Window: time.Minute, MaxRequests: 60}
	WriteLimitProfile = RateLimitConfig{Window: time.Minute, MaxRequests: 10}
)

// RateLimitDecision is the outcome of a single Check call.
type RateLimitDecision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RequestLimiter decides whether a request identified by a caller-chosen key
// may proceed under the given profile.
type RequestLimiter interface {
	Check(identifier string, cfg RateLimitConfig) RateLimitDecision
}

// LimiterStats summarizes limiter occupancy for the ops endpoint.
type LimiterStats struct {
	ActiveIdentifiers int `json:"active_identifiers"`
	TrackedRequests   int `json:"tracked_requests"`
}

// SlidingWindowLimiter keeps a per-identifier log of request timestamps and
// enforces a strict sliding window over it: a request made at time t counts
// against every check in (t, t+window]. Rejected requests are never recorded,
// so a client hammering a full window cannot push its own reset further out.
type SlidingWindowLimiter struct {
	mu   sync.Mutex
	logs map[string][]time.Time

	clock      func() time.Time
	log        *logrus.Entry
	lastSweep  time.Time
	sweepEvery time.Duration
	idleAfter  time.Duration
}

// NewSlidingWindowLimiter creates an empty limiter. Identifiers idle for
// longer than any profile window are evicted by periodic sweeps.
func NewSlidingWindowLimiter(logger *logrus.Logger) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		logs:       make(map[string][]time.Time),
		clock:      time.Now,
		log:        logger.WithField("component", "ratelimit"),
		sweepEvery: time.Minute,
		idleAfter:  10 * time.Minute,
	}
}

// Check prunes the identifier's log to the window ending now and admits the
// request if capacity remains. Timestamps exactly one window old no longer
// count. Remaining reflects the state after this decision, and ResetAt is
// when the oldest surviving entry leaves the window.
func (l *SlidingWindowLimiter) Check(identifier string, cfg RateLimitConfig) RateLimitDecision {
	now := l.clock()
	if cfg.Window <= 0 || cfg.MaxRequests <= 0 {
		return RateLimitDecision{Allowed: false, ResetAt: now}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.sweepEvery {
		l.lastSweep = now
		l.sweepLocked(now)
	}

	cutoff := now.Add(-cfg.Window)
	entries := l.logs[identifier]
	kept := entries[:0]
	for _, t := range entries {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= cfg.MaxRequests {
		l.logs[identifier] = kept
		return RateLimitDecision{
			Allowed: false,
			ResetAt: kept[0].Add(cfg.Window),
		}
	}

	kept = append(kept, now)
	l.logs[identifier] = kept

	return RateLimitDecision{
		Allowed:   true,
		Remaining: cfg.MaxRequests - len(kept),
		ResetAt:   kept[0].Add(cfg.Window),
	}
}

// Stats reports current limiter occupancy.
func (l *SlidingWindowLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsLocked()
}

func (l *SlidingWindowLimiter) statsLocked() LimiterStats {
	s := LimiterStats{ActiveIdentifiers: len(l.logs)}
	for _, entries := range l.logs {
		s.TrackedRequests += len(entries)
	}
	return s
}

func (l *SlidingWindowLimiter) sweepLocked(now time.Time) {
	for id, entries := range l.logs {
		if len(entries) == 0 || now.Sub(entries[len(entries)-1]) > l.idleAfter {
			delete(l.logs, id)
		}
	}
}

// StartCleanup evicts idle identifiers every five minutes until ctx is
// cancelled. Check sweeps opportunistically too, so this mainly bounds
// memory for identifiers that stop sending entirely.
func (l *SlidingWindowLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.mu.Lock()
				now := l.clock()
				l.lastSweep = now
				l.sweepLocked(now)
				stats := l.statsLocked()
				l.mu.Unlock()

				rateLimitActiveIdentifiers.Set(float64(stats.ActiveIdentifiers))
				l.log.WithFields(logrus.Fields{
					"identifiers": stats.ActiveIdentifiers,
					"requests":    stats.TrackedRequests,
				}).Debug("Rate limiter sweep complete")
			}
		}
	}()
}
