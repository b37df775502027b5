package model

import (
	"strings"
	"testing"
)

func TestNewCustomerKeyValidation(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		expectErr bool
		expected  CustomerKey
	}{
		{name: "plain", input: "15551234567", expected: CustomerKey("15551234567")},
		{name: "trimmed", input: "  15551234567  ", expected: CustomerKey("15551234567")},
		{name: "empty", input: "", expectErr: true},
		{name: "whitespace only", input: "   ", expectErr: true},
		{name: "too long", input: strings.Repeat("9", maxIdentifierLength+1), expectErr: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			key, err := NewCustomerKey(testCase.input)
			if testCase.expectErr {
				if err == nil {
					t.Fatalf("expected validation error for %q", testCase.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if key != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, key)
			}
		})
	}
}

func TestUpsertReservationReplacesByID(t *testing.T) {
	state := NewDataState()

	state.UpsertReservation(Reservation{ID: "r-1", WaID: "555", Date: "2025-01-01", TimeSlot: "10:00"})
	state.UpsertReservation(Reservation{ID: "r-2", WaID: "555", Date: "2025-01-01", TimeSlot: "11:00"})
	state.UpsertReservation(Reservation{ID: "r-1", WaID: "555", Date: "2025-01-02", TimeSlot: "09:00"})

	list := state.Reservations[CustomerKey("555")]
	if len(list) != 2 {
		t.Fatalf("expected 2 reservations, got %d", len(list))
	}
	if list[0].Date != "2025-01-02" || list[0].TimeSlot != "09:00" {
		t.Fatalf("expected r-1 replaced in place, got %+v", list[0])
	}
	if list[0].Status != ReservationStatusActive {
		t.Fatalf("expected defaulted active status, got %q", list[0].Status)
	}
}

func TestUpsertReservationIgnoresUnidentified(t *testing.T) {
	state := NewDataState()

	state.UpsertReservation(Reservation{WaID: "555", Date: "2025-01-01"})
	state.UpsertReservation(Reservation{ID: "r-1", Date: "2025-01-01"})

	if len(state.Reservations) != 0 {
		t.Fatalf("expected no reservations stored, got %+v", state.Reservations)
	}
}

func TestSetReservationStatusInsertsTombstoneForUnknown(t *testing.T) {
	state := NewDataState()

	state.SetReservationStatus(
		Reservation{ID: "r-9", WaID: "555", Date: "2025-01-01", TimeSlot: "10:00"},
		ReservationStatusCancelled,
	)

	list := state.Reservations[CustomerKey("555")]
	if len(list) != 1 || list[0].Status != ReservationStatusCancelled {
		t.Fatalf("expected cancelled stub inserted, got %+v", list)
	}
}

func TestAppendMessageDeduplicatesByID(t *testing.T) {
	state := NewDataState()

	state.AppendMessage(ChatMessage{ID: "m-1", WaID: "555", Body: "hello"})
	state.AppendMessage(ChatMessage{ID: "m-1", WaID: "555", Body: "hello again"})
	state.AppendMessage(ChatMessage{ID: "m-2", WaID: "555", Body: "second"})

	list := state.Conversations[CustomerKey("555")]
	if len(list) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(list))
	}
	if list[0].Body != "hello" {
		t.Fatalf("expected the first write to win, got %+v", list[0])
	}
}

func TestCloneIsIndependent(t *testing.T) {
	state := NewDataState()
	state.UpsertReservation(Reservation{ID: "r-1", WaID: "555", Date: "2025-01-01", TimeSlot: "10:00"})
	state.AppendMessage(ChatMessage{ID: "m-1", WaID: "555"})
	state.ReplaceVacations([]VacationPeriod{{Start: "2025-07-01", End: "2025-07-14"}})

	clone := state.Clone()
	clone.UpsertReservation(Reservation{ID: "r-1", WaID: "555", Date: "2025-02-02", TimeSlot: "12:00"})
	clone.Vacations[0].Title = "summer"

	if state.Reservations[CustomerKey("555")][0].Date != "2025-01-01" {
		t.Fatal("mutating the clone leaked into the original reservations")
	}
	if state.Vacations[0].Title != "" {
		t.Fatal("mutating the clone leaked into the original vacations")
	}
}

func TestNormalizeRepairsDecodedState(t *testing.T) {
	state := DataState{
		Reservations: map[CustomerKey][]Reservation{
			"555": {
				{ID: "r-1", WaID: "555", Date: "2025-01-01", TimeSlot: "10:00"},
				{WaID: "555", Date: "2025-01-02"},
			},
		},
	}

	state.Normalize()

	if state.Conversations == nil || state.Vacations == nil {
		t.Fatal("expected nil collections replaced")
	}
	list := state.Reservations[CustomerKey("555")]
	if len(list) != 1 {
		t.Fatalf("expected the unidentified entry dropped, got %+v", list)
	}
	if list[0].Status != ReservationStatusActive {
		t.Fatalf("expected defaulted status, got %q", list[0].Status)
	}
}

func TestCustomerNameFallsBackToKey(t *testing.T) {
	state := NewDataState()
	if name := state.CustomerName("555"); name != "555" {
		t.Fatalf("expected raw key fallback, got %q", name)
	}

	state.UpsertReservation(Reservation{ID: "r-1", WaID: "555", Date: "2025-01-01", TimeSlot: "10:00"})
	state.RenameCustomer("555", "Dana")
	if name := state.CustomerName("555"); name != "Dana" {
		t.Fatalf("expected renamed customer, got %q", name)
	}
}

func TestHasData(t *testing.T) {
	state := NewDataState()
	if state.HasData() {
		t.Fatal("empty state must report no data")
	}
	state.ReplaceVacations([]VacationPeriod{{Start: "2025-07-01", End: "2025-07-14"}})
	if !state.HasData() {
		t.Fatal("state with vacations must report data")
	}
}
