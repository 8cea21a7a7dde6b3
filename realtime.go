package main

import (
	"context"
	"fmt"
	"sync"
)

// ChangeKind classifies a delta for the subscriber.
type ChangeKind string

const (
	DeltaInsert ChangeKind = "insert"
	DeltaUpdate ChangeKind = "update"
	DeltaDelete ChangeKind = "delete"
	DeltaError  ChangeKind = "error"
)

// StateChange is one event published by the state store: a new or updated
// state, a deletion (State nil), or a feed disruption (Err set).
type StateChange struct {
	SectionID string
	State     *ClassState
	Err       error
}

// StateFeed is the store-side contract the bridge consumes. SubscribeChanges
// must invoke fn serially per listener and cancel must not return while a
// callback for that listener is still running.
type StateFeed interface {
	SnapshotStates(ctx context.Context, sectionIDs []string) ([]ClassState, error)
	SubscribeChanges(sectionIDs []string, fn func(StateChange)) (cancel func())
}

// StateDelta is one realtime event delivered to a subscriber.
type StateDelta struct {
	Kind      ChangeKind  `json:"kind"`
	SectionID string      `json:"section_id,omitempty"`
	State     *ClassState `json:"state,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// StateBridge fans section state changes out to realtime subscribers. Each
// subscription receives a consistent snapshot as insert deltas first, then a
// strictly ordered stream of changes.
type StateBridge struct {
	feed       StateFeed
	bufferSize int

	mu   sync.Mutex
	open int
}

// NewStateBridge wraps a feed with the default per-subscriber buffer.
func NewStateBridge(feed StateFeed) *StateBridge {
	return &StateBridge{feed: feed, bufferSize: 64}
}

// ActiveSubscriptions reports how many subscriptions are currently open.
func (b *StateBridge) ActiveSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Subscribe opens a realtime view over the given sections. An empty set
// follows every section. The listener attaches before the snapshot is read
// and changes arriving mid-seed are buffered and replayed afterwards, so no
// write between snapshot and stream is lost.
func (b *StateBridge) Subscribe(ctx context.Context, sectionIDs []string) (*BridgeSubscription, error) {
	sub := &BridgeSubscription{
		bufferSize: b.bufferSize,
		known:      make(map[string]struct{}),
	}

	cancel := b.feed.SubscribeChanges(sectionIDs, sub.handleChange)

	states, err := b.feed.SnapshotStates(ctx, sectionIDs)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to snapshot states: %w", err)
	}

	sub.cancelFeed = cancel
	sub.onClose = func() {
		b.mu.Lock()
		b.open--
		b.mu.Unlock()
		bridgeSubscriptions.Dec()
	}
	sub.seed(states)

	b.mu.Lock()
	b.open++
	b.mu.Unlock()
	bridgeSubscriptions.Inc()
	return sub, nil
}

// BridgeSubscription is one consumer's view of the feed. Deltas arrive on C
// in the order the store applied them. A consumer that stops reading loses
// the oldest queued delta and receives a single error delta telling it to
// resync; normal streaming resumes once it drains the channel.
type BridgeSubscription struct {
	mu         sync.Mutex
	ch         chan StateDelta
	bufferSize int
	known      map[string]struct{}
	pending    []StateChange
	seeded     bool
	lagged     bool
	closed     bool

	cancelFeed func()
	onClose    func()
	closeOnce  sync.Once
}

// Deltas returns the delivery channel. It is closed by Unsubscribe.
func (s *BridgeSubscription) Deltas() <-chan StateDelta {
	return s.ch
}

// Unsubscribe detaches from the feed and closes the delta channel. Safe to
// call multiple times and concurrently with delivery.
func (s *BridgeSubscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		if s.cancelFeed != nil {
			s.cancelFeed()
		}

		s.mu.Lock()
		s.closed = true
		ch := s.ch
		s.mu.Unlock()

		if ch != nil {
			close(ch)
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// handleChange is the feed callback. Before seeding completes, changes are
// parked so the snapshot stays the prefix of the stream.
func (s *BridgeSubscription) handleChange(change StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if !s.seeded {
		s.pending = append(s.pending, change)
		return
	}
	s.applyLocked(change)
}

func (s *BridgeSubscription) seed(states []ClassState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Sized so the full snapshot always fits with steady-state headroom.
	s.ch = make(chan StateDelta, len(states)+s.bufferSize)

	for i := range states {
		st := states[i]
		s.known[st.SectionID] = struct{}{}
		s.deliverLocked(StateDelta{Kind: DeltaInsert, SectionID: st.SectionID, State: &st})
	}
	for _, change := range s.pending {
		s.applyLocked(change)
	}
	s.pending = nil
	s.seeded = true
}

func (s *BridgeSubscription) applyLocked(change StateChange) {
	if change.Err != nil {
		s.deliverLocked(StateDelta{Kind: DeltaError, SectionID: change.SectionID, Reason: change.Err.Error()})
		return
	}

	if change.State == nil {
		if _, ok := s.known[change.SectionID]; !ok {
			return
		}
		delete(s.known, change.SectionID)
		s.deliverLocked(StateDelta{Kind: DeltaDelete, SectionID: change.SectionID})
		return
	}

	kind := DeltaUpdate
	if _, ok := s.known[change.SectionID]; !ok {
		kind = DeltaInsert
		s.known[change.SectionID] = struct{}{}
	}
	s.deliverLocked(StateDelta{Kind: kind, SectionID: change.SectionID, State: change.State})
}

func (s *BridgeSubscription) deliverLocked(delta StateDelta) {
	select {
	case s.ch <- delta:
		s.lagged = false
		bridgeDeltasTotal.WithLabelValues(string(delta.Kind)).Inc()
		return
	default:
	}

	bridgeDroppedDeltas.Inc()
	if s.lagged {
		return
	}
	s.lagged = true

	// Evict the oldest queued delta to make room for a single overflow
	// notice. The consumer rebuilds its view once it sees the error.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- StateDelta{Kind: DeltaError, Reason: "delta buffer overflow, resync required"}:
		bridgeDeltasTotal.WithLabelValues(string(DeltaError)).Inc()
	default:
	}
}
