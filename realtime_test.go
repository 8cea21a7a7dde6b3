package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeFeed is a scriptable StateFeed. emit pushes a change to every attached
// listener synchronously, the way the store publishes.
type fakeFeed struct {
	mu           sync.Mutex
	states       []ClassState
	snapErr      error
	snapshotHook func()
	handlers     []func(StateChange)
	cancelCount  int
}

func (f *fakeFeed) SnapshotStates(ctx context.Context, sectionIDs []string) ([]ClassState, error) {
	f.mu.Lock()
	hook := f.snapshotHook
	snapErr := f.snapErr
	states := append([]ClassState(nil), f.states...)
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if snapErr != nil {
		return nil, snapErr
	}
	return states, nil
}

func (f *fakeFeed) SubscribeChanges(sectionIDs []string, fn func(StateChange)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.handlers)
	f.handlers = append(f.handlers, fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.handlers[idx] != nil {
			f.handlers[idx] = nil
			f.cancelCount++
		}
	}
}

func (f *fakeFeed) emit(change StateChange) {
	f.mu.Lock()
	handlers := append(make([]func(StateChange), 0, len(f.handlers)), f.handlers...)
	f.mu.Unlock()
	for _, fn := range handlers {
		if fn != nil {
			fn(change)
		}
	}
}

func sectionState(id string, seats int) *ClassState {
	return &ClassState{
		SectionID:      id,
		Course:         "CS 2110",
		Title:          "Object-Oriented Programming",
		SeatsAvailable: seats,
		SeatsTotal:     30,
		Status:         "open",
	}
}

func collectDeltas(t *testing.T, ch <-chan StateDelta, n int) []StateDelta {
	t.Helper()
	deltas := make([]StateDelta, 0, n)
	timeout := time.After(2 * time.Second)
	for len(deltas) < n {
		select {
		case d, ok := <-ch:
			require.True(t, ok, "delta channel closed early")
			deltas = append(deltas, d)
		case <-timeout:
			t.Fatalf("timed out waiting for %d deltas, got %d", n, len(deltas))
		}
	}
	return deltas
}

func TestStateBridgeSeedsSnapshotAsInserts(t *testing.T) {
	feed := &fakeFeed{states: []ClassState{*sectionState("A", 3), *sectionState("B", 10)}}
	bridge := NewStateBridge(feed)

	sub, err := bridge.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	deltas := collectDeltas(t, sub.Deltas(), 2)
	require.Equal(t, DeltaInsert, deltas[0].Kind)
	require.Equal(t, "A", deltas[0].SectionID)
	require.Equal(t, 3, deltas[0].State.SeatsAvailable)
	require.Equal(t, DeltaInsert, deltas[1].Kind)
	require.Equal(t, "B", deltas[1].SectionID)

	require.Equal(t, 1, bridge.ActiveSubscriptions())
}

func TestStateBridgeClassifiesChanges(t *testing.T) {
	feed := &fakeFeed{states: []ClassState{*sectionState("A", 3)}}
	bridge := NewStateBridge(feed)

	sub, err := bridge.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	collectDeltas(t, sub.Deltas(), 1)

	feed.emit(StateChange{SectionID: "A", State: sectionState("A", 2)})
	feed.emit(StateChange{SectionID: "C", State: sectionState("C", 1)})
	feed.emit(StateChange{SectionID: "C"})
	feed.emit(StateChange{SectionID: "Z"}) // never seen, produces nothing
	feed.emit(StateChange{Err: errors.New("feed hiccup")})

	deltas := collectDeltas(t, sub.Deltas(), 4)
	require.Equal(t, DeltaUpdate, deltas[0].Kind)
	require.Equal(t, "A", deltas[0].SectionID)
	require.Equal(t, 2, deltas[0].State.SeatsAvailable)
	require.Equal(t, DeltaInsert, deltas[1].Kind)
	require.Equal(t, "C", deltas[1].SectionID)
	require.Equal(t, DeltaDelete, deltas[2].Kind)
	require.Equal(t, "C", deltas[2].SectionID)
	require.Nil(t, deltas[2].State)
	require.Equal(t, DeltaError, deltas[3].Kind)
	require.Equal(t, "feed hiccup", deltas[3].Reason)
}

func TestStateBridgeBuffersChangesArrivingMidSeed(t *testing.T) {
	feed := &fakeFeed{states: []ClassState{*sectionState("A", 5)}}
	// A write lands after the listener attaches but before the snapshot is
	// seeded; it must be replayed after the snapshot, not lost or reordered.
	feed.snapshotHook = func() {
		feed.emit(StateChange{SectionID: "A", State: sectionState("A", 4)})
	}
	bridge := NewStateBridge(feed)

	sub, err := bridge.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	deltas := collectDeltas(t, sub.Deltas(), 2)
	require.Equal(t, DeltaInsert, deltas[0].Kind)
	require.Equal(t, 5, deltas[0].State.SeatsAvailable)
	require.Equal(t, DeltaUpdate, deltas[1].Kind)
	require.Equal(t, 4, deltas[1].State.SeatsAvailable)
}

func TestStateBridgeUnsubscribeIsIdempotent(t *testing.T) {
	feed := &fakeFeed{states: []ClassState{*sectionState("A", 3)}}
	bridge := NewStateBridge(feed)

	sub, err := bridge.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	collectDeltas(t, sub.Deltas(), 1)

	sub.Unsubscribe()
	sub.Unsubscribe()

	require.Equal(t, 1, feed.cancelCount)
	require.Equal(t, 0, bridge.ActiveSubscriptions())

	_, ok := <-sub.Deltas()
	require.False(t, ok)

	// Changes after detach go nowhere.
	feed.emit(StateChange{SectionID: "A", State: sectionState("A", 1)})
}

func TestStateBridgeSnapshotFailureDetachesListener(t *testing.T) {
	feed := &fakeFeed{snapErr: errors.New("db closed")}
	bridge := NewStateBridge(feed)

	sub, err := bridge.Subscribe(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to snapshot states")
	require.Nil(t, sub)
	require.Equal(t, 1, feed.cancelCount)
	require.Equal(t, 0, bridge.ActiveSubscriptions())
}

func TestStateBridgeOverflowDropsOldestAndFlagsOnce(t *testing.T) {
	feed := &fakeFeed{}
	bridge := NewStateBridge(feed)
	bridge.bufferSize = 2

	sub, err := bridge.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	feed.emit(StateChange{SectionID: "A", State: sectionState("A", 1)})
	feed.emit(StateChange{SectionID: "B", State: sectionState("B", 2)})
	// Buffer is full: this evicts A's delta and queues one overflow notice.
	feed.emit(StateChange{SectionID: "C", State: sectionState("C", 3)})
	// Still lagged: dropped silently, no second notice.
	feed.emit(StateChange{SectionID: "D", State: sectionState("D", 4)})

	deltas := collectDeltas(t, sub.Deltas(), 2)
	require.Equal(t, DeltaInsert, deltas[0].Kind)
	require.Equal(t, "B", deltas[0].SectionID)
	require.Equal(t, DeltaError, deltas[1].Kind)
	require.Equal(t, "delta buffer overflow, resync required", deltas[1].Reason)

	// Drained: delivery resumes and the lag flag rearms.
	feed.emit(StateChange{SectionID: "E", State: sectionState("E", 5)})
	deltas = collectDeltas(t, sub.Deltas(), 1)
	require.Equal(t, DeltaInsert, deltas[0].Kind)
	require.Equal(t, "E", deltas[0].SectionID)
}

func TestStateBridgeFansOutToAllSubscribers(t *testing.T) {
	feed := &fakeFeed{states: []ClassState{*sectionState("A", 3)}}
	bridge := NewStateBridge(feed)

	first, err := bridge.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer first.Unsubscribe()
	second, err := bridge.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer second.Unsubscribe()

	collectDeltas(t, first.Deltas(), 1)
	collectDeltas(t, second.Deltas(), 1)
	require.Equal(t, 2, bridge.ActiveSubscriptions())

	feed.emit(StateChange{SectionID: "A", State: sectionState("A", 2)})

	for _, sub := range []*BridgeSubscription{first, second} {
		deltas := collectDeltas(t, sub.Deltas(), 1)
		require.Equal(t, DeltaUpdate, deltas[0].Kind)
		require.Equal(t, 2, deltas[0].State.SeatsAvailable)
	}
}
