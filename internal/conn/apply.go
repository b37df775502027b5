package conn

import (
	"time"

	"go.uber.org/zap"

	"github.com/clinicdesk/clinicsync/internal/localops"
	"github.com/clinicdesk/clinicsync/internal/model"
	"github.com/clinicdesk/clinicsync/internal/notify"
	"github.com/clinicdesk/clinicsync/internal/wire"
)

// handleFrame validates one inbound frame and merges it into the
// materialized state. Validation failure drops the frame; the connection
// stays up. Events recognized as echoes of this client's own mutations still
// update state but are flagged so subscribers skip toasts/notifications.
func (m *Manager) handleFrame(frame []byte) {
	event, err := wire.Decode(frame)
	if err != nil {
		m.logger.Warn("dropping invalid frame", zap.Error(err))
		return
	}

	localEcho := m.isEcho(event)
	now := m.clock()

	m.mu.Lock()
	switch event.Type {
	case wire.EventReservationCreated, wire.EventReservationUpdated:
		m.state.UpsertReservation(toReservation(*event.Reservation))
	case wire.EventReservationCancelled:
		m.state.SetReservationStatus(toReservation(*event.Reservation), model.ReservationStatusCancelled)
	case wire.EventReservationReinstated:
		m.state.SetReservationStatus(toReservation(*event.Reservation), model.ReservationStatusActive)
	case wire.EventConversationMessage:
		m.state.AppendMessage(toMessage(*event.Message))
	case wire.EventVacationUpdated:
		m.state.ReplaceVacations(toVacations(event.Vacations.Periods))
	case wire.EventCustomerUpdated:
		m.state.RenameCustomer(event.Customer.WaID, event.Customer.Name)
	case wire.EventSnapshot:
		m.applySnapshotLocked(*event.Snapshot)
	case wire.EventModifyReservationAck, wire.EventModifyReservationNack:
		m.lastOutcome = &MutationOutcome{
			Accepted:    event.Type == wire.EventModifyReservationAck,
			ID:          event.ModifyOutcome.ID,
			ClientToken: event.ModifyOutcome.ClientToken,
			Reason:      event.ModifyOutcome.Reason,
			ReceivedAt:  now,
		}
	case wire.EventCustomerSearchResults, wire.EventNotificationsHistory,
		wire.EventConversationTyping, wire.EventMetricsUpdated:
		// No materialized-state change; fan-out only.
	}
	m.state.LastUpdate = &now
	m.mu.Unlock()

	m.ingestNotification(event, localEcho)
	m.schedulePersist()
	m.publish(Update{Event: event, LocalEcho: localEcho})
}

// isEcho consults the local-operation registry before the state is touched.
// The underlying update is applied either way; only the user-facing reaction
// is suppressed.
func (m *Manager) isEcho(event wire.Event) bool {
	switch event.Type {
	case wire.EventReservationCreated, wire.EventReservationUpdated,
		wire.EventReservationCancelled, wire.EventReservationReinstated:
		payload := event.Reservation
		if m.localOps.IsLocalOperation(localops.Operation{
			Type:        string(event.Type),
			ID:          payload.ID,
			WaID:        payload.WaID,
			Date:        payload.Date,
			TimeSlot:    payload.TimeSlot,
			ClientToken: payload.ClientToken,
		}) {
			return true
		}
		// Fallback for drag moves whose echo arrives with a different
		// field shape than the fingerprint was built from.
		return m.localOps.RecentlyMoved(payload.ID)
	case wire.EventVacationUpdated:
		return m.localOps.IsLocalOperation(localops.Operation{
			Type: string(event.Type),
			ID:   vacationFingerprintID,
		})
	default:
		return false
	}
}

func (m *Manager) applySnapshotLocked(snapshot wire.SnapshotPayload) {
	rebuilt := model.NewDataState()
	for waID, reservations := range snapshot.Reservations {
		for _, payload := range reservations {
			if payload.WaID == "" {
				payload.WaID = waID
			}
			rebuilt.UpsertReservation(toReservation(payload))
		}
	}
	for waID, messages := range snapshot.Conversations {
		for _, payload := range messages {
			if payload.WaID == "" {
				payload.WaID = waID
			}
			rebuilt.AppendMessage(toMessage(payload))
		}
	}
	rebuilt.ReplaceVacations(toVacations(snapshot.Vacations))

	m.state.Reservations = rebuilt.Reservations
	m.state.Conversations = rebuilt.Conversations
	m.state.Vacations = rebuilt.Vacations
}

func (m *Manager) ingestNotification(event wire.Event, localEcho bool) {
	switch event.Type {
	case wire.EventNotificationsHistory:
		for _, item := range event.History.Items {
			m.notifications.Ingest(notify.Item{
				ID:          item.ID,
				Type:        item.Type,
				WaID:        item.WaID,
				Date:        item.Date,
				Text:        item.Text,
				TimestampMs: item.TimestampMs,
				Unread:      item.Unread,
			})
		}
	case wire.EventConversationMessage:
		if localEcho || event.Message.FromMe {
			return
		}
		m.notifications.Ingest(notify.Item{
			Type:        notify.ItemTypeChatMessage,
			EntityID:    event.Message.ID,
			WaID:        event.Message.WaID,
			Date:        dateOfMs(event.Message.TimestampMs, m.clock),
			Text:        event.Message.Body,
			TimestampMs: event.Message.TimestampMs,
			Unread:      event.Message.Unread,
		})
	case wire.EventReservationCreated, wire.EventReservationUpdated,
		wire.EventReservationCancelled, wire.EventReservationReinstated:
		if localEcho {
			return
		}
		timestampMs := event.TimestampMs
		if timestampMs == 0 {
			timestampMs = m.clock().UnixMilli()
		}
		m.notifications.Ingest(notify.Item{
			Type:        string(event.Type),
			EntityID:    event.Reservation.ID,
			WaID:        event.Reservation.WaID,
			Date:        event.Reservation.Date,
			TimeSlot:    event.Reservation.TimeSlot,
			Text:        event.Reservation.CustomerName,
			TimestampMs: timestampMs,
			Unread:      true,
		})
	}
}

func toReservation(payload wire.ReservationPayload) model.Reservation {
	reservation := model.Reservation{
		ID:           payload.ID,
		WaID:         payload.WaID,
		CustomerName: payload.CustomerName,
		Date:         payload.Date,
		TimeSlot:     payload.TimeSlot,
		Type:         payload.Type,
		Status:       model.ReservationStatus(payload.Status),
	}
	if reservation.Status == "" {
		reservation.Status = model.ReservationStatusActive
	}
	return reservation
}

func toMessage(payload wire.MessagePayload) model.ChatMessage {
	return model.ChatMessage{
		ID:          payload.ID,
		WaID:        payload.WaID,
		Body:        payload.Body,
		FromMe:      payload.FromMe,
		Unread:      payload.Unread,
		TimestampMs: payload.TimestampMs,
	}
}

func toVacations(payloads []wire.VacationPeriodPayload) []model.VacationPeriod {
	periods := make([]model.VacationPeriod, 0, len(payloads))
	for _, payload := range payloads {
		periods = append(periods, model.VacationPeriod{
			Start: payload.Start,
			End:   payload.End,
			Title: payload.Title,
		})
	}
	return periods
}

func dateOfMs(timestampMs int64, clock func() time.Time) string {
	if timestampMs <= 0 {
		return clock().Format("2006-01-02")
	}
	return time.UnixMilli(timestampMs).Format("2006-01-02")
}
