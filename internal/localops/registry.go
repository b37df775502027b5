// Package localops tracks fingerprints of recently issued local mutations so
// the server's broadcast echo of those mutations can be recognized and not
// re-surfaced to the user. An echo is indistinguishable on the wire from a
// genuine third-party change, so matching is redundant on purpose: by client
// correlation token when the server echoes one, otherwise by a composite
// type:id:date:time fingerprint in several encodings (raw and normalized
// time, primary id and customer key).
package localops

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultTTL        = 5 * time.Second
	defaultMoveWindow = 2 * time.Second
)

// Operation describes a mutation for fingerprinting, either as it was issued
// locally or as it arrived in a broadcast.
type Operation struct {
	Type        string
	ID          string
	WaID        string
	Date        string
	TimeSlot    string
	ClientToken string
}

// RegistryConfig configures the registry.
type RegistryConfig struct {
	TTL        time.Duration
	MoveWindow time.Duration
	Clock      func() time.Time
}

// Registry is the process-wide marker set. Entries are strictly
// additive-then-self-expiring: a fingerprint is either consumed by the first
// matching echo or swept once its TTL elapses, never kept indefinitely.
type Registry struct {
	mu           sync.Mutex
	ttl          time.Duration
	moveWindow   time.Duration
	clock        func() time.Time
	fingerprints map[string]time.Time
	tokens       map[string]time.Time
	recentMoves  map[string]time.Time
}

// NewRegistry constructs a registry with sane defaults.
func NewRegistry(cfg RegistryConfig) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	moveWindow := cfg.MoveWindow
	if moveWindow <= 0 {
		moveWindow = defaultMoveWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		ttl:          ttl,
		moveWindow:   moveWindow,
		clock:        clock,
		fingerprints: make(map[string]time.Time),
		tokens:       make(map[string]time.Time),
		recentMoves:  make(map[string]time.Time),
	}
}

// MarkLocal records every candidate fingerprint for a mutation that is about
// to be sent, plus its correlation token when present.
func (r *Registry) MarkLocal(op Operation) {
	now := r.clock()
	expiry := now.Add(r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)

	for _, fingerprint := range candidateFingerprints(op) {
		r.fingerprints[fingerprint] = expiry
	}
	if op.ClientToken != "" {
		r.tokens[op.ClientToken] = expiry
	}
}

// IsLocalOperation reports whether an incoming event matches a recently
// marked local mutation. A match consumes every candidate fingerprint (and
// the token) so one marker suppresses exactly one echo.
func (r *Registry) IsLocalOperation(op Operation) bool {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)

	if op.ClientToken != "" {
		if _, ok := r.tokens[op.ClientToken]; ok {
			delete(r.tokens, op.ClientToken)
			r.consumeLocked(op)
			return true
		}
	}
	for _, fingerprint := range candidateFingerprints(op) {
		if _, ok := r.fingerprints[fingerprint]; ok {
			r.consumeLocked(op)
			return true
		}
	}
	return false
}

// MarkMoved records a drag-and-drop move as a fallback signal for echo
// recognition when fingerprint matching misses on field shape differences.
func (r *Registry) MarkMoved(reservationID string) {
	if reservationID == "" {
		return
	}
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	r.recentMoves[reservationID] = now
}

// RecentlyMoved reports whether the reservation was moved locally within the
// move window.
func (r *Registry) RecentlyMoved(reservationID string) bool {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	movedAt, ok := r.recentMoves[reservationID]
	if !ok {
		return false
	}
	if now.Sub(movedAt) > r.moveWindow {
		delete(r.recentMoves, reservationID)
		return false
	}
	return true
}

// Reset clears every marker. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fingerprints = make(map[string]time.Time)
	r.tokens = make(map[string]time.Time)
	r.recentMoves = make(map[string]time.Time)
}

func (r *Registry) consumeLocked(op Operation) {
	for _, fingerprint := range candidateFingerprints(op) {
		delete(r.fingerprints, fingerprint)
	}
	if op.ClientToken != "" {
		delete(r.tokens, op.ClientToken)
	}
}

func (r *Registry) sweepLocked(now time.Time) {
	for fingerprint, expiry := range r.fingerprints {
		if now.After(expiry) {
			delete(r.fingerprints, fingerprint)
		}
	}
	for token, expiry := range r.tokens {
		if now.After(expiry) {
			delete(r.tokens, token)
		}
	}
	for id, movedAt := range r.recentMoves {
		if now.Sub(movedAt) > r.moveWindow {
			delete(r.recentMoves, id)
		}
	}
}

func candidateFingerprints(op Operation) []string {
	identifiers := make([]string, 0, 2)
	if op.ID != "" {
		identifiers = append(identifiers, op.ID)
	}
	if op.WaID != "" && op.WaID != op.ID {
		identifiers = append(identifiers, op.WaID)
	}

	times := []string{op.TimeSlot}
	if normalized := NormalizeTimeSlot(op.TimeSlot); normalized != op.TimeSlot {
		times = append(times, normalized)
	}

	fingerprints := make([]string, 0, len(identifiers)*len(times))
	for _, identifier := range identifiers {
		for _, slot := range times {
			fingerprints = append(fingerprints, fmt.Sprintf("%s:%s:%s:%s", op.Type, identifier, op.Date, slot))
		}
	}
	return fingerprints
}

// NormalizeTimeSlot converts a 12-hour clock slot such as "10:00 AM" into its
// 24-hour form "10:00". Already-normalized or unparseable slots are returned
// trimmed but otherwise unchanged.
func NormalizeTimeSlot(slot string) string {
	trimmed := strings.TrimSpace(slot)
	if trimmed == "" {
		return trimmed
	}
	upper := strings.ToUpper(trimmed)
	for _, layout := range []string{"3:04 PM", "03:04 PM", "15:04"} {
		if parsed, err := time.Parse(layout, upper); err == nil {
			return parsed.Format("15:04")
		}
	}
	return trimmed
}
