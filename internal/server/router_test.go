package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clinicdesk/clinicsync/internal/auth"
	"github.com/clinicdesk/clinicsync/internal/conn"
	"github.com/clinicdesk/clinicsync/internal/guard"
	"github.com/clinicdesk/clinicsync/internal/localops"
	"github.com/clinicdesk/clinicsync/internal/model"
	"github.com/clinicdesk/clinicsync/internal/notify"
	"github.com/clinicdesk/clinicsync/internal/queue"
	"github.com/clinicdesk/clinicsync/internal/status"
)

const (
	testPairingSecret = "pairing-secret"
	testSigningSecret = "signing-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSocket struct {
	mu     sync.Mutex
	writes [][]byte
	block  chan struct{}
}

func (s *stubSocket) ReadMessage() (int, []byte, error) {
	<-s.block
	return 0, nil, errors.New("socket closed")
}

func (s *stubSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, data)
	return nil
}

func (s *stubSocket) Close() error { return nil }

type harness struct {
	handler       http.Handler
	manager       *conn.Manager
	notifications *notify.Store
	sessions      *auth.SessionIssuer
	token         string
}

func newHarness(t *testing.T, connected bool, initialState *model.DataState) *harness {
	t.Helper()

	statusStore := status.NewStore(nil)
	notifications := notify.NewStore()

	managerConfig := conn.ManagerConfig{
		BackendURL:    "ws://backend.test/socket",
		Status:        statusStore,
		LocalOps:      localops.NewRegistry(localops.RegistryConfig{}),
		Notifications: notifications,
		InitialState:  initialState,
	}
	if connected {
		socket := &stubSocket{block: make(chan struct{})}
		t.Cleanup(func() { close(socket.block) })
		managerConfig.Dialer = func(ctx context.Context, url string) (conn.Socket, error) {
			return socket, nil
		}
	} else {
		managerConfig.Dialer = func(ctx context.Context, url string) (conn.Socket, error) {
			return nil, errors.New("backend unreachable")
		}
	}

	manager, err := conn.NewManager(managerConfig)
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	t.Cleanup(manager.Close)

	if connected {
		_, detach := manager.Attach()
		t.Cleanup(detach)
		deadline := time.Now().Add(2 * time.Second)
		for statusStore.Snapshot().State != status.StateConnected {
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for the harness socket")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	sessions := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "clinicsync-agent",
		Audience:      "clinicsync-ui",
	})
	token, _, err := sessions.IssueSessionToken("test-ui")
	if err != nil {
		t.Fatalf("unexpected token error: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Manager:       manager,
		Status:        statusStore,
		Queue:         queue.New(),
		Guard:         guard.New(guard.Config{}),
		Notifications: notifications,
		Sessions:      sessions,
		PairingSecret: testPairingSecret,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	return &harness{
		handler:       handler,
		manager:       manager,
		notifications: notifications,
		sessions:      sessions,
		token:         token,
	}
}

func (h *harness) do(t *testing.T, method, path string, body any, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("unexpected marshal error: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if authorized {
		request.Header.Set("Authorization", "Bearer "+h.token)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("unexpected body %q: %v", recorder.Body.String(), err)
	}
}

func TestSessionPairingIssuesValidToken(t *testing.T) {
	h := newHarness(t, false, nil)

	recorder := h.do(t, http.MethodPost, "/session", map[string]string{
		"pairing_secret": testPairingSecret,
		"client_name":    "front-desk",
	}, false)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response sessionResponsePayload
	decodeBody(t, recorder, &response)
	if response.TokenType != "Bearer" || response.AccessToken == "" || response.ExpiresIn <= 0 {
		t.Fatalf("unexpected session response: %+v", response)
	}

	subject, err := h.sessions.ValidateToken(response.AccessToken)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if subject != "front-desk" {
		t.Fatalf("expected subject front-desk, got %q", subject)
	}
}

func TestSessionPairingRejectsWrongSecret(t *testing.T) {
	h := newHarness(t, false, nil)

	recorder := h.do(t, http.MethodPost, "/session", map[string]string{
		"pairing_secret": "wrong",
	}, false)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestProtectedEndpointsRequireBearerToken(t *testing.T) {
	h := newHarness(t, false, nil)

	recorder := h.do(t, http.MethodGet, "/state", nil, false)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	request := httptest.NewRequest(http.MethodGet, "/state", nil)
	request.Header.Set("Authorization", "Bearer not-a-jwt")
	recorder = httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad token, got %d", recorder.Code)
	}
}

func TestStateEndpointServesMaterializedView(t *testing.T) {
	seeded := model.NewDataState()
	seeded.UpsertReservation(model.Reservation{
		ID:       "r-1",
		WaID:     "555",
		Date:     "2025-03-03",
		TimeSlot: "10:00",
	})
	h := newHarness(t, false, &seeded)

	recorder := h.do(t, http.MethodGet, "/state", nil, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var state model.DataState
	decodeBody(t, recorder, &state)
	reservations := state.Reservations[model.CustomerKey("555")]
	if len(reservations) != 1 || reservations[0].ID != "r-1" {
		t.Fatalf("expected seeded reservation, got %+v", state.Reservations)
	}
}

func TestStatusEndpointReportsConnectionAndQueue(t *testing.T) {
	h := newHarness(t, true, nil)

	recorder := h.do(t, http.MethodGet, "/status", nil, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var response statusResponsePayload
	decodeBody(t, recorder, &response)
	if response.Status.State != status.StateConnected {
		t.Fatalf("expected connected state, got %+v", response.Status)
	}
	if response.OfflineOverlay {
		t.Fatal("no overlay expected while connected")
	}
	if response.Queue.ProcessedTotal != 0 || response.Queue.SkippedTotal != 0 {
		t.Fatalf("expected pristine queue counters, got %+v", response.Queue)
	}
}

func TestReservationMoveIsForwardedOnce(t *testing.T) {
	h := newHarness(t, true, nil)

	tomorrow := time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	body := map[string]string{"wa_id": "555", "date": tomorrow, "time_slot": "10:00"}

	recorder := h.do(t, http.MethodPost, "/reservations/r-1/move", body, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var first moveResponsePayload
	decodeBody(t, recorder, &first)
	if !first.Accepted {
		t.Fatalf("expected the first move accepted, got %+v", first)
	}

	// The identical change resubmitted inside the duplicate window is dropped.
	recorder = h.do(t, http.MethodPost, "/reservations/r-1/move", body, true)
	var second moveResponsePayload
	decodeBody(t, recorder, &second)
	if second.Accepted || second.Reason != "duplicate_change" {
		t.Fatalf("expected duplicate suppression, got %+v", second)
	}
}

func TestReservationMoveToPastTimeTodayIsBlocked(t *testing.T) {
	h := newHarness(t, true, nil)

	now := time.Now()
	if now.Hour() == 0 {
		t.Skip("no earlier same-day slot exists just after midnight")
	}
	earlier := now.Add(-time.Hour)
	body := map[string]string{
		"wa_id":     "555",
		"date":      earlier.Format("2006-01-02"),
		"time_slot": earlier.Format("15:04"),
	}

	recorder := h.do(t, http.MethodPost, "/reservations/r-2/move", body, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response moveResponsePayload
	decodeBody(t, recorder, &response)
	if response.Accepted || response.Reason != "past_time_today" {
		t.Fatalf("expected past-time block, got %+v", response)
	}
}

func TestReservationMoveWithoutBackendFails(t *testing.T) {
	h := newHarness(t, false, nil)

	tomorrow := time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	recorder := h.do(t, http.MethodPost, "/reservations/r-3/move", map[string]string{
		"wa_id": "555", "date": tomorrow, "time_slot": "10:00",
	}, true)
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestReservationMoveRejectsMalformedBody(t *testing.T) {
	h := newHarness(t, true, nil)

	recorder := h.do(t, http.MethodPost, "/reservations/r-4/move", map[string]string{"wa_id": "555"}, true)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestNotificationsEndpointDerivesGroups(t *testing.T) {
	h := newHarness(t, false, nil)

	h.notifications.Ingest(notify.Item{
		Type: notify.ItemTypeChatMessage, WaID: "555", Date: "2025-03-03",
		Text: "hello", TimestampMs: 100, Unread: true,
	})
	h.notifications.Ingest(notify.Item{
		Type: notify.ItemTypeChatMessage, WaID: "555", Date: "2025-03-03",
		Text: "again", TimestampMs: 200, Unread: true,
	})

	recorder := h.do(t, http.MethodGet, "/notifications", nil, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var derived notify.Derived
	decodeBody(t, recorder, &derived)
	if derived.UnreadCount != 1 || len(derived.Entries) != 1 {
		t.Fatalf("expected one unread group entry, got %+v", derived)
	}
	if derived.Entries[0].Group == nil || derived.Entries[0].Group.TotalCount != 2 {
		t.Fatalf("expected a two-message group, got %+v", derived.Entries[0])
	}

	if code := h.do(t, http.MethodPost, "/notifications/read", nil, true).Code; code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	recorder = h.do(t, http.MethodGet, "/notifications", nil, true)
	decodeBody(t, recorder, &derived)
	if derived.UnreadCount != 0 {
		t.Fatalf("expected unread cleared, got %+v", derived)
	}
}

func TestCustomerSearchIsAsynchronous(t *testing.T) {
	h := newHarness(t, true, nil)

	recorder := h.do(t, http.MethodPost, "/customers/search", map[string]string{"wa_id": "555"}, true)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = h.do(t, http.MethodPost, "/customers/search", map[string]string{}, true)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing wa_id, got %d", recorder.Code)
	}
}

func TestConnectionRetryReportsAdmission(t *testing.T) {
	h := newHarness(t, true, nil)

	recorder := h.do(t, http.MethodPost, "/connection/retry", nil, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response struct {
		Admitted bool `json:"admitted"`
	}
	decodeBody(t, recorder, &response)
	if !response.Admitted {
		t.Fatalf("expected the first manual retry admitted, got %+v", response)
	}

	recorder = h.do(t, http.MethodPost, "/connection/retry", nil, true)
	decodeBody(t, recorder, &response)
	if response.Admitted {
		t.Fatal("expected an immediate second retry throttled")
	}
}
