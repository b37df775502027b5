// Package wire defines the JSON protocol spoken over the backend WebSocket:
// a discriminated-union envelope with one validated payload struct per
// message type. Decoding is strict so malformed frames are dropped at the
// boundary instead of corrupting the materialized state.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// EventType discriminates inbound and outbound messages.
type EventType string

const (
	EventReservationCreated    EventType = "reservation_created"
	EventReservationUpdated    EventType = "reservation_updated"
	EventReservationCancelled  EventType = "reservation_cancelled"
	EventReservationReinstated EventType = "reservation_reinstated"
	EventConversationMessage   EventType = "conversation_new_message"
	EventVacationUpdated       EventType = "vacation_period_updated"
	EventCustomerUpdated       EventType = "customer_updated"
	EventMetricsUpdated        EventType = "metrics_updated"
	EventSnapshot              EventType = "snapshot"
	EventModifyReservationAck  EventType = "modify_reservation_ack"
	EventModifyReservationNack EventType = "modify_reservation_nack"
	EventCustomerSearchResults EventType = "customer_search_results"
	EventNotificationsHistory  EventType = "notifications_history"
	EventConversationTyping    EventType = "conversation_typing"

	outboundGetSnapshot       EventType = "get_snapshot"
	outboundVacationUpdate    EventType = "vacation_update"
	outboundGetCustomer       EventType = "get_customer"
	outboundModifyReservation EventType = "modify_reservation"
)

var (
	// ErrUnknownEventType indicates an envelope whose type is not part of the protocol.
	ErrUnknownEventType = errors.New("wire: unknown event type")
	// ErrInvalidPayload indicates a payload that failed schema validation.
	ErrInvalidPayload = errors.New("wire: invalid payload")

	validate = validator.New()
)

// Envelope is the raw discriminated-union frame.
type Envelope struct {
	Type             EventType       `json:"type" validate:"required"`
	Data             json.RawMessage `json:"data,omitempty"`
	TimestampMs      int64           `json:"timestamp,omitempty"`
	AffectedEntities []string        `json:"affected_entities,omitempty"`
}

// ReservationPayload carries a single reservation change.
type ReservationPayload struct {
	ID           string `json:"id" validate:"required"`
	WaID         string `json:"wa_id" validate:"required"`
	CustomerName string `json:"customer_name,omitempty"`
	Date         string `json:"date" validate:"required"`
	TimeSlot     string `json:"time_slot" validate:"required"`
	Type         string `json:"type,omitempty"`
	Status       string `json:"status,omitempty"`
	ClientToken  string `json:"client_token,omitempty"`
}

// MessagePayload carries one conversation message.
type MessagePayload struct {
	ID          string `json:"id" validate:"required"`
	WaID        string `json:"wa_id" validate:"required"`
	Body        string `json:"body,omitempty"`
	FromMe      bool   `json:"from_me,omitempty"`
	Unread      bool   `json:"unread,omitempty"`
	TimestampMs int64  `json:"timestamp,omitempty"`
}

// VacationPeriodPayload is one clinic closure range.
type VacationPeriodPayload struct {
	Start string `json:"start" validate:"required,datetime=2006-01-02"`
	End   string `json:"end" validate:"required,datetime=2006-01-02"`
	Title string `json:"title,omitempty"`
}

// VacationPayload replaces the full vacation period list.
type VacationPayload struct {
	Periods []VacationPeriodPayload `json:"periods" validate:"dive"`
}

// CustomerPayload carries customer profile changes.
type CustomerPayload struct {
	WaID string `json:"wa_id" validate:"required"`
	Name string `json:"name,omitempty"`
}

// SnapshotPayload is the full-state resynchronization frame.
type SnapshotPayload struct {
	Reservations  map[string][]ReservationPayload `json:"reservations"`
	Conversations map[string][]MessagePayload     `json:"conversations"`
	Vacations     []VacationPeriodPayload         `json:"vacations"`
}

// ModifyOutcomePayload acknowledges or rejects a reservation mutation.
type ModifyOutcomePayload struct {
	ID          string `json:"id" validate:"required"`
	ClientToken string `json:"client_token,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// SearchResultsPayload answers an outbound get_customer request.
type SearchResultsPayload struct {
	Query     string            `json:"query,omitempty"`
	Customers []CustomerPayload `json:"customers" validate:"dive"`
}

// HistoryItemPayload is one element of a notifications_history backfill.
type HistoryItemPayload struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type" validate:"required"`
	WaID        string `json:"wa_id,omitempty"`
	Date        string `json:"date,omitempty"`
	Text        string `json:"text,omitempty"`
	TimestampMs int64  `json:"timestamp" validate:"required"`
	Unread      bool   `json:"unread,omitempty"`
}

// HistoryPayload backfills the notification store after connect.
type HistoryPayload struct {
	Items []HistoryItemPayload `json:"items" validate:"dive"`
}

// TypingPayload signals a counterpart typing state change.
type TypingPayload struct {
	WaID   string `json:"wa_id" validate:"required"`
	Typing bool   `json:"typing"`
}

// Event is the decoded, validated form of an inbound envelope. Exactly one
// payload pointer is set, matching Type.
type Event struct {
	Type             EventType
	TimestampMs      int64
	AffectedEntities []string

	Reservation   *ReservationPayload
	Message       *MessagePayload
	Vacations     *VacationPayload
	Customer      *CustomerPayload
	Snapshot      *SnapshotPayload
	ModifyOutcome *ModifyOutcomePayload
	SearchResults *SearchResultsPayload
	History       *HistoryPayload
	Typing        *TypingPayload
	Metrics       json.RawMessage
}

// Decode parses and validates one inbound frame. Any failure returns an
// error; callers drop the frame and keep the connection alive.
func Decode(raw []byte) (Event, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if envelope.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}

	event := Event{
		Type:             envelope.Type,
		TimestampMs:      envelope.TimestampMs,
		AffectedEntities: envelope.AffectedEntities,
	}

	switch envelope.Type {
	case EventReservationCreated, EventReservationUpdated, EventReservationCancelled, EventReservationReinstated:
		event.Reservation = &ReservationPayload{}
		return event, decodePayload(envelope.Data, event.Reservation)
	case EventConversationMessage:
		event.Message = &MessagePayload{}
		return event, decodePayload(envelope.Data, event.Message)
	case EventVacationUpdated:
		event.Vacations = &VacationPayload{}
		return event, decodePayload(envelope.Data, event.Vacations)
	case EventCustomerUpdated:
		event.Customer = &CustomerPayload{}
		return event, decodePayload(envelope.Data, event.Customer)
	case EventSnapshot:
		event.Snapshot = &SnapshotPayload{}
		return event, decodePayload(envelope.Data, event.Snapshot)
	case EventModifyReservationAck, EventModifyReservationNack:
		event.ModifyOutcome = &ModifyOutcomePayload{}
		return event, decodePayload(envelope.Data, event.ModifyOutcome)
	case EventCustomerSearchResults:
		event.SearchResults = &SearchResultsPayload{}
		return event, decodePayload(envelope.Data, event.SearchResults)
	case EventNotificationsHistory:
		event.History = &HistoryPayload{}
		return event, decodePayload(envelope.Data, event.History)
	case EventConversationTyping:
		event.Typing = &TypingPayload{}
		return event, decodePayload(envelope.Data, event.Typing)
	case EventMetricsUpdated:
		event.Metrics = envelope.Data
		return event, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, envelope.Type)
	}
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
