package model

// The reducers below tolerate out-of-order business events: an update for a
// reservation the client has never seen inserts it, a cancellation for an
// unknown reservation records the tombstone instead of failing.

// UpsertReservation inserts or replaces a reservation inside its customer's
// insertion-ordered list.
func (s *DataState) UpsertReservation(reservation Reservation) {
	if reservation.ID == "" || reservation.WaID == "" {
		return
	}
	if reservation.Status == "" {
		reservation.Status = ReservationStatusActive
	}
	key := CustomerKey(reservation.WaID)
	list := s.Reservations[key]
	for index, existing := range list {
		if existing.ID == reservation.ID {
			list[index] = reservation
			s.Reservations[key] = list
			return
		}
	}
	s.Reservations[key] = append(list, reservation)
}

// SetReservationStatus flips the status of a reservation, upserting a stub
// when the reservation is not yet known client-side.
func (s *DataState) SetReservationStatus(reservation Reservation, newStatus ReservationStatus) {
	reservation.Status = newStatus
	s.UpsertReservation(reservation)
}

// AppendMessage appends a conversation message, ignoring duplicates by ID.
func (s *DataState) AppendMessage(message ChatMessage) {
	if message.ID == "" || message.WaID == "" {
		return
	}
	key := CustomerKey(message.WaID)
	for _, existing := range s.Conversations[key] {
		if existing.ID == message.ID {
			return
		}
	}
	s.Conversations[key] = append(s.Conversations[key], message)
}

// ReplaceVacations swaps the full vacation period list.
func (s *DataState) ReplaceVacations(periods []VacationPeriod) {
	if periods == nil {
		periods = []VacationPeriod{}
	}
	s.Vacations = periods
}

// RenameCustomer updates the cached display name on every reservation held
// for the customer.
func (s *DataState) RenameCustomer(waID, name string) {
	if waID == "" || name == "" {
		return
	}
	key := CustomerKey(waID)
	list := s.Reservations[key]
	for index := range list {
		list[index].CustomerName = name
	}
}

// CustomerName resolves a display name from the newest reservation held for
// the customer, falling back to the raw key.
func (s DataState) CustomerName(waID string) string {
	for _, reservation := range s.Reservations[CustomerKey(waID)] {
		if reservation.CustomerName != "" {
			return reservation.CustomerName
		}
	}
	return waID
}
