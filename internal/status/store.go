// Package status tracks backend reachability independently of the socket
// implementation. It is a small observable finite-state machine; the offline
// overlay and reconnect-triggered refetches are driven from its snapshots.
package status

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State enumerates reachability states.
type State string

const (
	StateConnected    State = "connected"
	StateChecking     State = "checking"
	StateDisconnected State = "disconnected"
)

// Grace periods before a sustained disconnection surfaces the blocking
// offline overlay. A client that already holds cached data can afford to
// wait longer before alarming the user.
const (
	OfflineGraceWithCache    = 12 * time.Second
	OfflineGraceWithoutCache = 4 * time.Second
)

// Failure records why the backend was deemed unreachable.
type Failure struct {
	Reason          string    `json:"reason"`
	Message         string    `json:"message,omitempty"`
	StatusCode      int       `json:"status,omitempty"`
	URL             string    `json:"url,omitempty"`
	ResponsePreview string    `json:"response_preview,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Snapshot is the externally visible store state. ChangedAt marks when the
// current State was entered.
type Snapshot struct {
	State     State     `json:"status"`
	LastError *Failure  `json:"last_error,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// Store is the observable reachability state machine. disconnectedSince
// anchors the current outage: it is set on the first departure from connected
// and cleared only by a successful connect, so the checking/disconnected
// oscillation of the retry loop cannot reset the overlay grace clock.
type Store struct {
	mu                sync.Mutex
	current           Snapshot
	disconnectedSince time.Time
	clock             func() time.Time
	subscribers       map[int64]func(Snapshot)
	nextID            int64
}

// NewStore starts in the checking state. The store has never been connected
// at that point, so the outage clock starts immediately.
func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	return &Store{
		current:           Snapshot{State: StateChecking, ChangedAt: now},
		disconnectedSince: now,
		clock:             clock,
		subscribers:       make(map[int64]func(Snapshot)),
	}
}

// MarkConnected transitions to connected and clears any carried failure.
func (s *Store) MarkConnected() {
	s.transition(Snapshot{State: StateConnected})
}

// MarkChecking transitions to checking. The failure carried over from a
// prior disconnected state is preserved until the new attempt resolves.
func (s *Store) MarkChecking(reason string) {
	s.mu.Lock()
	carried := s.current.LastError
	s.mu.Unlock()
	if carried == nil && reason != "" {
		carried = &Failure{Reason: reason, ReceivedAt: s.clock()}
	}
	s.transition(Snapshot{State: StateChecking, LastError: carried})
}

// MarkDisconnected transitions to disconnected with the given failure.
func (s *Store) MarkDisconnected(failure Failure) {
	if failure.ReceivedAt.IsZero() {
		failure.ReceivedAt = s.clock()
	}
	s.transition(Snapshot{State: StateDisconnected, LastError: &failure})
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe registers an observer invoked on every effective state change.
// The returned function cancels the subscription.
func (s *Store) Subscribe(observer func(Snapshot)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subscribers[id] = observer
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// OfflineOverlayDue reports whether the current outage has lasted beyond the
// grace period applicable to the client's cache situation. The outage is
// measured from the first departure from connected, not from the latest
// transition, so a retry loop cycling through checking cannot defer the
// overlay indefinitely.
func (s *Store) OfflineOverlayDue(hasCachedData bool) bool {
	s.mu.Lock()
	state := s.current.State
	since := s.disconnectedSince
	s.mu.Unlock()
	if state == StateConnected || since.IsZero() {
		return false
	}
	grace := OfflineGraceWithoutCache
	if hasCachedData {
		grace = OfflineGraceWithCache
	}
	return s.clock().Sub(since) >= grace
}

func (s *Store) transition(next Snapshot) {
	s.mu.Lock()
	if snapshotsEqual(s.current, next) {
		s.mu.Unlock()
		return
	}
	next.ChangedAt = s.clock()
	if next.State == StateConnected {
		s.disconnectedSince = time.Time{}
	} else if s.disconnectedSince.IsZero() {
		s.disconnectedSince = next.ChangedAt
	}
	s.current = next
	observers := make([]func(Snapshot), 0, len(s.subscribers))
	for _, observer := range s.subscribers {
		observers = append(observers, observer)
	}
	s.mu.Unlock()

	for _, observer := range observers {
		observer(next)
	}
}

// snapshotsEqual ignores ChangedAt: re-entering the same observable state is
// a no-op and must not re-notify subscribers.
func snapshotsEqual(a, b Snapshot) bool {
	if a.State != b.State {
		return false
	}
	if (a.LastError == nil) != (b.LastError == nil) {
		return false
	}
	if a.LastError == nil {
		return true
	}
	return *a.LastError == *b.LastError
}

// NotifyOnReconnect invokes refetch exactly once per transition into the
// connected state from any other state. Refetch errors are logged and
// swallowed; the owning query layer surfaces its own failures. The returned
// function stops observing.
func NotifyOnReconnect(store *Store, refetch func() error, logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	previous := store.Snapshot().State
	var mu sync.Mutex
	return store.Subscribe(func(snapshot Snapshot) {
		mu.Lock()
		wasConnected := previous == StateConnected
		previous = snapshot.State
		mu.Unlock()
		if snapshot.State != StateConnected || wasConnected {
			return
		}
		if err := refetch(); err != nil {
			logger.Warn("reconnect refetch failed", zap.Error(err))
		}
	})
}
