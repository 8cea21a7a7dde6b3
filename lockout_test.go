package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// memLockoutStore is an in-memory LockoutStore with injectable failures.
type memLockoutStore struct {
	mu      sync.Mutex
	records map[string]*LockoutRecord
	getErr  error
	putErr  error
	delErr  error
	deletes int
}

func newMemLockoutStore() *memLockoutStore {
	return &memLockoutStore{records: make(map[string]*LockoutRecord)}
}

func copyLockoutRecord(record *LockoutRecord) *LockoutRecord {
	cp := *record
	if record.LockedUntil != nil {
		t := *record.LockedUntil
		cp.LockedUntil = &t
	}
	return &cp
}

func (s *memLockoutStore) GetLockout(ctx context.Context, identifier string) (*LockoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	record, ok := s.records[identifier]
	if !ok {
		return nil, nil
	}
	return copyLockoutRecord(record), nil
}

func (s *memLockoutStore) PutLockout(ctx context.Context, record *LockoutRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.records[record.Identifier] = copyLockoutRecord(record)
	return nil
}

func (s *memLockoutStore) DeleteLockout(ctx context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delErr != nil {
		return s.delErr
	}
	s.deletes++
	delete(s.records, identifier)
	return nil
}

func newTestGuard(clock *fakeClock) (*LockoutGuard, *memLockoutStore) {
	store := newMemLockoutStore()
	guard := NewLockoutGuard(testLogger(), store)
	guard.clock = clock.Now
	return guard, store
}

func TestLockoutGuardLocksAfterMaxFailures(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	guard, _ := newTestGuard(clock)

	for i := 1; i < MaxFailedAttempts; i++ {
		record, err := guard.RecordFailure(ctx, "u@x.com")
		require.NoError(t, err)
		require.Equal(t, i, record.Attempts)
		require.Nil(t, record.LockedUntil)
	}

	status := guard.CheckStatus(ctx, "u@x.com")
	require.False(t, status.Locked)
	require.Equal(t, MaxFailedAttempts-1, status.Attempts)

	record, err := guard.RecordFailure(ctx, "u@x.com")
	require.NoError(t, err)
	require.Equal(t, MaxFailedAttempts, record.Attempts)
	require.NotNil(t, record.LockedUntil)
	require.True(t, record.LockedUntil.Equal(clock.Now().Add(LockoutDuration)))

	status = guard.CheckStatus(ctx, "u@x.com")
	require.True(t, status.Locked)
	require.Equal(t, 15, status.RemainingMinutes)
}

func TestLockoutGuardFurtherFailuresKeepOriginalDeadline(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	guard, _ := newTestGuard(clock)

	for i := 0; i < MaxFailedAttempts; i++ {
		_, err := guard.RecordFailure(ctx, "u@x.com")
		require.NoError(t, err)
	}
	lockedAt := clock.Now()

	clock.Advance(5 * time.Minute)
	record, err := guard.RecordFailure(ctx, "u@x.com")
	require.NoError(t, err)
	require.Equal(t, MaxFailedAttempts+1, record.Attempts)
	require.True(t, record.LockedUntil.Equal(lockedAt.Add(LockoutDuration)))
}

func TestLockoutGuardRemainingMinutesRoundsUp(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	guard, _ := newTestGuard(clock)

	for i := 0; i < MaxFailedAttempts; i++ {
		_, err := guard.RecordFailure(ctx, "u@x.com")
		require.NoError(t, err)
	}

	clock.Advance(14*time.Minute + 30*time.Second)
	status := guard.CheckStatus(ctx, "u@x.com")
	require.True(t, status.Locked)
	require.Equal(t, 1, status.RemainingMinutes)
}

func TestLockoutGuardExpiredLockResetsLazily(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	guard, store := newTestGuard(clock)

	for i := 0; i < MaxFailedAttempts; i++ {
		_, err := guard.RecordFailure(ctx, "u@x.com")
		require.NoError(t, err)
	}
	require.True(t, guard.CheckStatus(ctx, "u@x.com").Locked)

	clock.Advance(LockoutDuration + time.Second)

	status := guard.CheckStatus(ctx, "u@x.com")
	require.False(t, status.Locked)
	require.Equal(t, 0, status.Attempts)

	// The read dropped the stale record so the attempt budget starts fresh.
	require.Empty(t, store.records)
	require.Equal(t, 1, store.deletes)
}

func TestLockoutGuardFailureAfterExpiryStartsFreshCount(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	guard, _ := newTestGuard(clock)

	for i := 0; i < MaxFailedAttempts; i++ {
		_, err := guard.RecordFailure(ctx, "u@x.com")
		require.NoError(t, err)
	}

	clock.Advance(LockoutDuration + time.Second)

	record, err := guard.RecordFailure(ctx, "u@x.com")
	require.NoError(t, err)
	require.Equal(t, 1, record.Attempts)
	require.Nil(t, record.LockedUntil)
}

func TestLockoutGuardClear(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	guard, store := newTestGuard(clock)

	for i := 0; i < 3; i++ {
		_, err := guard.RecordFailure(ctx, "u@x.com")
		require.NoError(t, err)
	}

	require.NoError(t, guard.Clear(ctx, "u@x.com"))
	require.Empty(t, store.records)

	status := guard.CheckStatus(ctx, "u@x.com")
	require.False(t, status.Locked)
	require.Equal(t, 0, status.Attempts)
}

func TestLockoutGuardFailsOpenOnReadError(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	guard, store := newTestGuard(clock)

	for i := 0; i < MaxFailedAttempts; i++ {
		_, err := guard.RecordFailure(ctx, "u@x.com")
		require.NoError(t, err)
	}

	store.getErr = errors.New("store unavailable")
	status := guard.CheckStatus(ctx, "u@x.com")
	require.False(t, status.Locked)
	require.Equal(t, 0, status.Attempts)
}

func TestLockoutGuardRecordFailureSurvivesPersistError(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	guard, store := newTestGuard(clock)
	store.putErr = errors.New("store unavailable")

	record, err := guard.RecordFailure(ctx, "u@x.com")
	require.Error(t, err)
	require.NotNil(t, record)
	require.Equal(t, 1, record.Attempts)
}

func TestLockoutGuardNormalizesIdentifier(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	guard, _ := newTestGuard(clock)

	for i := 0; i < MaxFailedAttempts; i++ {
		_, err := guard.RecordFailure(ctx, "  User@X.com ")
		require.NoError(t, err)
	}

	require.True(t, guard.CheckStatus(ctx, "user@x.com").Locked)
}

func TestLockoutGuardRemainingAttempts(t *testing.T) {
	guard := NewLockoutGuard(testLogger(), newMemLockoutStore())

	require.Equal(t, 5, guard.RemainingAttempts(0))
	require.Equal(t, 2, guard.RemainingAttempts(3))
	require.Equal(t, 0, guard.RemainingAttempts(5))
	require.Equal(t, 0, guard.RemainingAttempts(7))
}

func TestLockoutGuardWarnsOnConfiguredLogger(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	guard := NewLockoutGuard(logger, newMemLockoutStore())
	guard.clock = newFakeClock().Now

	for i := 0; i < MaxFailedAttempts; i++ {
		_, err := guard.RecordFailure(ctx, "u@x.com")
		require.NoError(t, err)
	}

	// The audit warning must land on the logger handed to the guard, not on
	// the process-wide default.
	out := buf.String()
	require.Contains(t, out, "Identifier locked out after repeated failures")
	require.Contains(t, out, "u@x.com")
	require.Contains(t, out, "component=lockout")
}
