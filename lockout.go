package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Lockout policy applied to login attempts.
const (
	MaxFailedAttempts = 5
	LockoutDuration   = 15 * time.Minute
)

// LockoutStore persists failed-attempt records. Implementations return
// (nil, nil) when no record exists for the identifier.
type LockoutStore interface {
	GetLockout(ctx context.Context, identifier string) (*LockoutRecord, error)
	PutLockout(ctx context.Context, record *LockoutRecord) error
	DeleteLockout(ctx context.Context, identifier string) error
}

// LockoutStatus is the answer to "may this identifier attempt a login".
type LockoutStatus struct {
	Locked           bool
	RemainingMinutes int
	Attempts         int
}

// LockoutGuard tracks failed logins per identifier and locks the identifier
// out once the attempt budget is exhausted. Expired locks are removed lazily
// on the next read, which also resets the attempt counter. Store failures
// never deny a login: reads fail open and writes are best effort.
type LockoutGuard struct {
	store LockoutStore
	clock func() time.Time
	log   *logrus.Entry

	maxAttempts     int
	lockoutDuration time.Duration
}

// NewLockoutGuard creates a guard with the default policy.
func NewLockoutGuard(logger *logrus.Logger, store LockoutStore) *LockoutGuard {
	return &LockoutGuard{
		store:           store,
		clock:           time.Now,
		log:             logger.WithField("component", "lockout"),
		maxAttempts:     MaxFailedAttempts,
		lockoutDuration: LockoutDuration,
	}
}

// CheckStatus reports whether the identifier is currently locked out.
// RemainingMinutes rounds up so callers never advertise a zero-minute lock.
func (g *LockoutGuard) CheckStatus(ctx context.Context, identifier string) LockoutStatus {
	identifier = normalizeIdentifier(identifier)
	now := g.clock()

	record, err := g.store.GetLockout(ctx, identifier)
	if err != nil {
		g.log.WithField("identifier", identifier).WithError(err).Warn("Lockout lookup failed, allowing attempt")
		return LockoutStatus{}
	}
	if record == nil {
		return LockoutStatus{}
	}

	if record.LockedUntil != nil {
		if now.Before(*record.LockedUntil) {
			return LockoutStatus{
				Locked:           true,
				RemainingMinutes: remainingMinutes(now, *record.LockedUntil),
				Attempts:         record.Attempts,
			}
		}
		// Lock expired: forget the record so the attempt budget starts fresh.
		if err := g.store.DeleteLockout(ctx, identifier); err != nil {
			g.log.WithError(err).Warn("Failed to clear expired lockout")
		}
		return LockoutStatus{}
	}

	return LockoutStatus{Attempts: record.Attempts}
}

// RecordFailure counts one failed login and locks the identifier once the
// budget is exhausted. The updated record is returned even when persisting
// it fails, so callers can still shape their response.
func (g *LockoutGuard) RecordFailure(ctx context.Context, identifier string) (*LockoutRecord, error) {
	identifier = normalizeIdentifier(identifier)
	now := g.clock()

	record, err := g.store.GetLockout(ctx, identifier)
	if err != nil {
		g.log.WithError(err).Warn("Lockout lookup failed, starting fresh count")
		record = nil
	}
	if record != nil && record.LockedUntil != nil && !now.Before(*record.LockedUntil) {
		record = nil
	}
	if record == nil {
		record = &LockoutRecord{Identifier: identifier}
	}

	record.Attempts++
	record.LastAttemptAt = now
	if record.Attempts >= g.maxAttempts && record.LockedUntil == nil {
		until := now.Add(g.lockoutDuration)
		record.LockedUntil = &until
		lockoutsTotal.Inc()
		g.log.WithFields(logrus.Fields{
			"identifier": identifier,
			"attempts":   record.Attempts,
			"until":      until.Format(time.RFC3339),
		}).Warn("Identifier locked out after repeated failures")
	}

	if err := g.store.PutLockout(ctx, record); err != nil {
		return record, fmt.Errorf("failed to persist lockout record: %w", err)
	}
	return record, nil
}

// Clear removes any lockout state for the identifier, typically after a
// successful login.
func (g *LockoutGuard) Clear(ctx context.Context, identifier string) error {
	identifier = normalizeIdentifier(identifier)
	if err := g.store.DeleteLockout(ctx, identifier); err != nil {
		return fmt.Errorf("failed to clear lockout record: %w", err)
	}
	return nil
}

// RemainingAttempts reports how many more failures the identifier may make
// before being locked out.
func (g *LockoutGuard) RemainingAttempts(attempts int) int {
	if remaining := g.maxAttempts - attempts; remaining > 0 {
		return remaining
	}
	return 0
}

func remainingMinutes(now, until time.Time) int {
	d := until.Sub(now)
	mins := int(d / time.Minute)
	if d%time.Minute > 0 {
		mins++
	}
	return mins
}

// normalizeIdentifier folds case and trims whitespace so " User@Example.com "
// and "user@example.com" share one attempt budget.
func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
