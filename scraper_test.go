package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeChecker serves canned sections. Sections missing from states read as
// gone (nil, nil) unless an error is scripted for them.
type fakeChecker struct {
	mu      sync.Mutex
	states  map[string]*ClassState
	errs    map[string]error
	fetched []string
}

func (f *fakeChecker) Fetch(ctx context.Context, sectionID string) (*ClassState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, sectionID)
	if err := f.errs[sectionID]; err != nil {
		return nil, err
	}
	state, ok := f.states[sectionID]
	if !ok {
		return nil, nil
	}
	cp := *state
	return &cp, nil
}

func (f *fakeChecker) setError(sectionID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	f.errs[sectionID] = err
}

func newTestWorker(t *testing.T, checker SectionChecker, sections ...string) (*ScrapeWorker, *StateStore, *OpsEventStore) {
	t.Helper()
	db := newTestDB(t)
	states, err := NewStateStore(db)
	require.NoError(t, err)
	watches, err := NewWatchStore(db)
	require.NoError(t, err)
	events, err := NewOpsEventStore(db)
	require.NoError(t, err)
	require.NoError(t, watches.SeedSections(context.Background(), sections))

	worker := NewScrapeWorker(testLogger(), checker, states, watches, events, time.Hour, 1000)
	return worker, states, events
}

func countOpsEvents(t *testing.T, events *OpsEventStore, kind string) int {
	t.Helper()
	recent, err := events.Recent(context.Background(), 100)
	require.NoError(t, err)
	n := 0
	for _, e := range recent {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestScrapeWorkerRunWritesStates(t *testing.T) {
	ctx := context.Background()
	checker := &fakeChecker{states: map[string]*ClassState{
		"A": sectionState("A", 3),
		"B": sectionState("B", 0),
	}}
	worker, states, _ := newTestWorker(t, checker, "A", "B")

	worker.runOnce(ctx)

	a, err := states.GetState(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, 3, a.SeatsAvailable)

	b, err := states.GetState(ctx, "B")
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, 0, b.SeatsAvailable)

	status := worker.Status()
	require.Equal(t, int64(1), status.Runs)
	require.Equal(t, 0, status.ConsecutiveFailures)
	require.NotNil(t, status.LastRun)
}

func TestScrapeWorkerDropsGoneSections(t *testing.T) {
	ctx := context.Background()
	checker := &fakeChecker{}
	worker, states, _ := newTestWorker(t, checker, "A")

	require.NoError(t, states.UpsertState(ctx, sectionState("A", 3)))

	worker.runOnce(ctx)

	state, err := states.GetState(ctx, "A")
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestScrapeWorkerFlagsDegradedSourceOnce(t *testing.T) {
	ctx := context.Background()
	checker := &fakeChecker{}
	checker.setError("A", context.DeadlineExceeded)
	worker, _, events := newTestWorker(t, checker, "A")

	worker.runOnce(ctx)
	worker.runOnce(ctx)
	require.Equal(t, 0, countOpsEvents(t, events, OpsEventScrapeDegraded))

	worker.runOnce(ctx)
	require.Equal(t, 1, countOpsEvents(t, events, OpsEventScrapeDegraded))
	require.Equal(t, 3, worker.Status().ConsecutiveFailures)

	recent, err := events.Recent(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "all 1 section checks failed in 3 consecutive runs", recent[0].Detail)

	// The streak keeps counting but the trail is not spammed.
	worker.runOnce(ctx)
	require.Equal(t, 1, countOpsEvents(t, events, OpsEventScrapeDegraded))
	require.Equal(t, 4, worker.Status().ConsecutiveFailures)
}

func TestScrapeWorkerSuccessResetsFailureStreak(t *testing.T) {
	ctx := context.Background()
	checker := &fakeChecker{}
	checker.setError("A", context.DeadlineExceeded)
	worker, _, _ := newTestWorker(t, checker, "A")

	worker.runOnce(ctx)
	worker.runOnce(ctx)
	require.Equal(t, 2, worker.Status().ConsecutiveFailures)

	checker.setError("A", nil)
	checker.mu.Lock()
	checker.states = map[string]*ClassState{"A": sectionState("A", 3)}
	checker.mu.Unlock()

	worker.runOnce(ctx)
	require.Equal(t, 0, worker.Status().ConsecutiveFailures)
}

func TestScrapeWorkerStartStopIdempotent(t *testing.T) {
	worker, _, _ := newTestWorker(t, &fakeChecker{})

	require.NotPanics(t, func() {
		worker.Start()
		worker.Start()
		worker.Stop()
		worker.Stop()
	})
	require.False(t, worker.Status().Running)
}

func TestScrapeWorkerRestartRecordsEvent(t *testing.T) {
	worker, _, events := newTestWorker(t, &fakeChecker{})
	worker.consecFails = 2

	worker.Restart("resident memory growing 20.0 MB/min (threshold 10.0)")
	defer worker.Stop()

	status := worker.Status()
	require.True(t, status.Running)
	require.Equal(t, 0, status.ConsecutiveFailures)

	require.Equal(t, 1, countOpsEvents(t, events, OpsEventWorkerRestart))
	recent, err := events.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Contains(t, recent[0].Detail, "20.0 MB/min")
}

func TestScrapeWorkerAbortedRunDoesNotCount(t *testing.T) {
	checker := &fakeChecker{states: map[string]*ClassState{"A": sectionState("A", 3)}}
	worker, _, _ := newTestWorker(t, checker, "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	worker.runOnce(ctx)

	status := worker.Status()
	require.Equal(t, int64(0), status.Runs)
	require.Equal(t, 0, status.ConsecutiveFailures)
}
