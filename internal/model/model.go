package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCustomerKey indicates that a customer identifier is empty or exceeds storage bounds.
	ErrInvalidCustomerKey = errors.New("model: invalid customer key")
	// ErrInvalidReservationID indicates that a reservation identifier is empty or exceeds storage bounds.
	ErrInvalidReservationID = errors.New("model: invalid reservation id")
)

// CustomerKey is a validated, phone-derived customer identifier.
type CustomerKey string

// NewCustomerKey validates raw input and returns a CustomerKey.
func NewCustomerKey(rawInput string) (CustomerKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCustomerKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCustomerKey, maxIdentifierLength)
	}
	return CustomerKey(trimmed), nil
}

// String returns the underlying string identifier.
func (k CustomerKey) String() string {
	return string(k)
}

// ReservationStatus enumerates the lifecycle states a reservation can occupy.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusCancelled ReservationStatus = "cancelled"
)

// Reservation is one calendar booking for a customer.
type Reservation struct {
	ID           string            `json:"id"`
	WaID         string            `json:"wa_id"`
	CustomerName string            `json:"customer_name,omitempty"`
	Date         string            `json:"date"`
	TimeSlot     string            `json:"time_slot"`
	Type         string            `json:"type,omitempty"`
	Status       ReservationStatus `json:"status"`
	UpdatedAtMs  int64             `json:"updated_at_ms,omitempty"`
}

// ChatMessage is one conversation entry for a customer.
type ChatMessage struct {
	ID          string `json:"id"`
	WaID        string `json:"wa_id"`
	Body        string `json:"body,omitempty"`
	FromMe      bool   `json:"from_me,omitempty"`
	Unread      bool   `json:"unread,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// VacationPeriod is a closed date range during which the clinic is unavailable.
type VacationPeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Title string `json:"title,omitempty"`
}

// DataState is the materialized view the connection manager owns. Readers
// receive clones; only the manager's reducers mutate an instance.
type DataState struct {
	Reservations  map[CustomerKey][]Reservation `json:"reservations"`
	Conversations map[CustomerKey][]ChatMessage `json:"conversations"`
	Vacations     []VacationPeriod              `json:"vacations"`
	IsConnected   bool                          `json:"is_connected"`
	LastUpdate    *time.Time                    `json:"last_update,omitempty"`
}

// NewDataState returns an empty, fully initialized state.
func NewDataState() DataState {
	return DataState{
		Reservations:  make(map[CustomerKey][]Reservation),
		Conversations: make(map[CustomerKey][]ChatMessage),
		Vacations:     []VacationPeriod{},
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s DataState) Clone() DataState {
	clone := DataState{
		Reservations:  make(map[CustomerKey][]Reservation, len(s.Reservations)),
		Conversations: make(map[CustomerKey][]ChatMessage, len(s.Conversations)),
		Vacations:     make([]VacationPeriod, len(s.Vacations)),
		IsConnected:   s.IsConnected,
	}
	for key, reservations := range s.Reservations {
		clone.Reservations[key] = append([]Reservation(nil), reservations...)
	}
	for key, messages := range s.Conversations {
		clone.Conversations[key] = append([]ChatMessage(nil), messages...)
	}
	copy(clone.Vacations, s.Vacations)
	if s.LastUpdate != nil {
		lastUpdate := *s.LastUpdate
		clone.LastUpdate = &lastUpdate
	}
	return clone
}

// Normalize repairs a state decoded from untrusted persistence: nil maps are
// replaced and entries without identifiers are dropped.
func (s *DataState) Normalize() {
	if s.Reservations == nil {
		s.Reservations = make(map[CustomerKey][]Reservation)
	}
	if s.Conversations == nil {
		s.Conversations = make(map[CustomerKey][]ChatMessage)
	}
	if s.Vacations == nil {
		s.Vacations = []VacationPeriod{}
	}
	for key, reservations := range s.Reservations {
		kept := reservations[:0]
		for _, reservation := range reservations {
			if reservation.ID == "" {
				continue
			}
			if reservation.Status == "" {
				reservation.Status = ReservationStatusActive
			}
			kept = append(kept, reservation)
		}
		s.Reservations[key] = kept
	}
	for key, messages := range s.Conversations {
		kept := messages[:0]
		for _, message := range messages {
			if message.ID == "" {
				continue
			}
			kept = append(kept, message)
		}
		s.Conversations[key] = kept
	}
}

// HasData reports whether any entity collection holds at least one entry.
func (s DataState) HasData() bool {
	return len(s.Reservations) > 0 || len(s.Conversations) > 0 || len(s.Vacations) > 0
}
