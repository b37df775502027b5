package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRequest indicates an outbound frame that failed validation before send.
var ErrInvalidRequest = errors.New("wire: invalid outbound request")

// ModifyReservationRequest is a locally initiated reservation mutation. The
// ClientToken lets the server echo back a correlation ID on its broadcast.
type ModifyReservationRequest struct {
	ID          string `json:"id" validate:"required"`
	WaID        string `json:"wa_id,omitempty"`
	Date        string `json:"date" validate:"required"`
	TimeSlot    string `json:"time_slot" validate:"required"`
	ClientToken string `json:"client_token,omitempty"`
}

// EncodeGetSnapshot builds the full-state resynchronization request.
func EncodeGetSnapshot() []byte {
	frame, _ := json.Marshal(Envelope{Type: outboundGetSnapshot})
	return frame
}

// EncodeVacationUpdate builds the vacation period replacement frame.
func EncodeVacationUpdate(periods []VacationPeriodPayload, clientToken string) ([]byte, error) {
	payload := struct {
		Periods     []VacationPeriodPayload `json:"periods"`
		ClientToken string                  `json:"client_token,omitempty"`
	}{Periods: periods, ClientToken: clientToken}
	for _, period := range periods {
		if err := validate.Struct(period); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return encodeEnvelope(outboundVacationUpdate, payload)
}

// EncodeGetCustomer builds a customer lookup request.
func EncodeGetCustomer(waID string) ([]byte, error) {
	if waID == "" {
		return nil, fmt.Errorf("%w: wa_id is required", ErrInvalidRequest)
	}
	return encodeEnvelope(outboundGetCustomer, struct {
		WaID string `json:"wa_id"`
	}{WaID: waID})
}

// EncodeModifyReservation builds a reservation mutation frame.
func EncodeModifyReservation(request ModifyReservationRequest) ([]byte, error) {
	if err := validate.Struct(request); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return encodeEnvelope(outboundModifyReservation, request)
}

func encodeEnvelope(eventType EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	frame, err := json.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return frame, nil
}
