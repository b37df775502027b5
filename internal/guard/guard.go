// Package guard holds the advisory checks that sit in front of the mutation
// queue on the calendar drag path. The guards only render a suppression
// verdict; they are not queue-aware.
package guard

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultDuplicateWindow = 1500 * time.Millisecond

// ChangeInfo describes one calendar drag/change about to be submitted.
type ChangeInfo struct {
	EventID  string
	StartStr string
	Start    time.Time
	// Revert undoes the visual move in the calendar widget. Optional.
	Revert func()
}

// Config configures a Guard.
type Config struct {
	DuplicateWindow time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Guard suppresses duplicate and semantically invalid calendar changes.
type Guard struct {
	mu     sync.Mutex
	window time.Duration
	clock  func() time.Time
	logger *zap.Logger
	seen   map[string]time.Time
}

// New constructs a guard with sane defaults.
func New(cfg Config) *Guard {
	window := cfg.DuplicateWindow
	if window <= 0 {
		window = defaultDuplicateWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		window: window,
		clock:  clock,
		logger: logger,
		seen:   make(map[string]time.Time),
	}
}

// SuppressDuplicateChange reports true when the identical (event, start)
// change was already seen within the duplicate window. Otherwise it records
// the change and reports false.
func (g *Guard) SuppressDuplicateChange(info ChangeInfo) bool {
	key := fmt.Sprintf("%s:%s", info.EventID, info.StartStr)
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if seenAt, ok := g.seen[key]; ok && now.Sub(seenAt) < g.window {
		return true
	}
	for existing, seenAt := range g.seen {
		if now.Sub(seenAt) >= g.window {
			delete(g.seen, existing)
		}
	}
	g.seen[key] = now
	return false
}

// BlockPastTimeWithinToday reports true when the new start time lies in the
// past but still on the current calendar day, reverting the visual move when
// a revert callback is present. A panicking revert does not change the
// verdict.
func (g *Guard) BlockPastTimeWithinToday(info ChangeInfo) bool {
	now := g.clock()
	if !info.Start.Before(now) || !sameDay(info.Start, now) {
		return false
	}
	if info.Revert != nil {
		g.revert(info)
	}
	return true
}

func (g *Guard) revert(info ChangeInfo) {
	defer func() {
		if recovered := recover(); recovered != nil {
			g.logger.Warn("calendar revert callback failed",
				zap.String("event_id", info.EventID),
				zap.Any("panic", recovered))
		}
	}()
	info.Revert()
}

func sameDay(a, b time.Time) bool {
	yearA, monthA, dayA := a.Date()
	yearB, monthB, dayB := b.Date()
	return yearA == yearB && monthA == monthB && dayA == dayB
}
