// Package conn owns the single shared backend socket: its lifecycle,
// reference-counted subscribers, reconnection, snapshot requests, and the
// application of validated wire events to the materialized state.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clinicdesk/clinicsync/internal/cache"
	"github.com/clinicdesk/clinicsync/internal/localops"
	"github.com/clinicdesk/clinicsync/internal/model"
	"github.com/clinicdesk/clinicsync/internal/notify"
	"github.com/clinicdesk/clinicsync/internal/status"
	"github.com/clinicdesk/clinicsync/internal/wire"
)

const (
	defaultRetryInterval  = 2 * time.Second
	defaultGraceDelay     = 1500 * time.Millisecond
	defaultPersistDelay   = time.Second
	manualRetryThrottle   = time.Second
	dialTimeout           = 10 * time.Second
	subscriberBuffer      = 16
	persistKey            = "snapshot"
	vacationFingerprintID = "vacations"
)

// A slow initial handshake can swallow a single early snapshot request, so
// the request is re-issued at staggered delays after connect.
var defaultSnapshotDelays = []time.Duration{
	50 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
}

var (
	errMissingBackendURL = errors.New("conn: backend url is required")
	errMissingStatus     = errors.New("conn: status store is required")
	errMissingLocalOps   = errors.New("conn: local operation registry is required")
	errMissingNotify     = errors.New("conn: notification store is required")
	// ErrNotConnected indicates an outbound send attempted without a live socket.
	ErrNotConnected = errors.New("conn: not connected")
)

// Socket is the subset of *websocket.Conn the manager needs, split out so
// tests can drive the read loop without a network.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a socket to the backend.
type Dialer func(ctx context.Context, url string) (Socket, error)

func gorillaDialer(ctx context.Context, url string) (Socket, error) {
	socket, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return socket, nil
}

// Update is one fan-out notification to attached subscribers. LocalEcho
// marks events recognized as the server's echo of this client's own recent
// mutation; consumers apply the state but suppress user-facing reactions.
type Update struct {
	Event     wire.Event
	LocalEcho bool
}

// MutationOutcome is the latest modify_reservation acknowledgement or
// rejection observed on the stream, correlated by the client token the
// mutation was sent with.
type MutationOutcome struct {
	Accepted    bool      `json:"accepted"`
	ID          string    `json:"id"`
	ClientToken string    `json:"client_token,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// ManagerConfig wires the manager's collaborators.
type ManagerConfig struct {
	BackendURL    string
	Status        *status.Store
	LocalOps      *localops.Registry
	Notifications *notify.Store
	Cache         *cache.Store
	InitialState  *model.DataState

	Logger         *zap.Logger
	Clock          func() time.Time
	Dialer         Dialer
	RetryInterval  time.Duration
	GraceDelay     time.Duration
	PersistDelay   time.Duration
	SnapshotDelays []time.Duration
}

// Manager is the connection lifecycle manager. All mutation of the
// materialized state flows through its methods.
type Manager struct {
	backendURL     string
	statusStore    *status.Store
	localOps       *localops.Registry
	notifications  *notify.Store
	cacheStore     *cache.Store
	logger         *zap.Logger
	clock          func() time.Time
	dialer         Dialer
	retryInterval  time.Duration
	graceDelay     time.Duration
	snapshotDelays []time.Duration
	persist        *Debouncer

	mu              sync.Mutex
	writeMu         sync.Mutex
	state           model.DataState
	socket          Socket
	generation      int64
	connecting      bool
	closed          bool
	refcount        int
	closeTimer      *time.Timer
	retryTimer      *time.Timer
	snapshotTimers  []*time.Timer
	subscribers     map[int64]chan Update
	nextSubID       int64
	lastManualRetry time.Time
	lastOutcome     *MutationOutcome
}

// NewManager constructs a manager. The socket is not opened until the first
// subscriber attaches.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.BackendURL == "" {
		return nil, errMissingBackendURL
	}
	if cfg.Status == nil {
		return nil, errMissingStatus
	}
	if cfg.LocalOps == nil {
		return nil, errMissingLocalOps
	}
	if cfg.Notifications == nil {
		return nil, errMissingNotify
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = gorillaDialer
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	graceDelay := cfg.GraceDelay
	if graceDelay <= 0 {
		graceDelay = defaultGraceDelay
	}
	persistDelay := cfg.PersistDelay
	if persistDelay <= 0 {
		persistDelay = defaultPersistDelay
	}
	snapshotDelays := cfg.SnapshotDelays
	if len(snapshotDelays) == 0 {
		snapshotDelays = defaultSnapshotDelays
	}

	state := model.NewDataState()
	if cfg.InitialState != nil {
		state = cfg.InitialState.Clone()
		state.IsConnected = false
	}

	return &Manager{
		backendURL:     cfg.BackendURL,
		statusStore:    cfg.Status,
		localOps:       cfg.LocalOps,
		notifications:  cfg.Notifications,
		cacheStore:     cfg.Cache,
		logger:         logger,
		clock:          clock,
		dialer:         dialer,
		retryInterval:  retryInterval,
		graceDelay:     graceDelay,
		snapshotDelays: snapshotDelays,
		persist:        NewDebouncer(persistDelay),
		state:          state,
		subscribers:    make(map[int64]chan Update),
	}, nil
}

// Attach registers a subscriber and opens the socket when it is the first
// one. A remount inside the teardown grace window cancels the pending close
// instead of opening a second socket. The returned cancel is idempotent and
// closes the update stream.
func (m *Manager) Attach() (<-chan Update, func()) {
	m.mu.Lock()
	m.refcount++
	if m.closeTimer != nil {
		m.closeTimer.Stop()
		m.closeTimer = nil
	}
	m.nextSubID++
	id := m.nextSubID
	stream := make(chan Update, subscriberBuffer)
	m.subscribers[id] = stream
	needConnect := m.refcount == 1
	m.mu.Unlock()

	if needConnect {
		m.Connect()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			if _, registered := m.subscribers[id]; registered {
				delete(m.subscribers, id)
				close(stream)
				m.refcount--
				if m.refcount == 0 {
					m.scheduleCloseLocked()
				}
			}
			m.mu.Unlock()
		})
	}
	return stream, cancel
}

// Connect starts a connection attempt unless one is already live or in
// flight, or no subscriber remains.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.connecting || m.socket != nil || m.refcount == 0 {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.generation++
	generation := m.generation
	m.mu.Unlock()

	m.statusStore.MarkChecking("connecting")
	go m.dialAndRun(generation)
}

// Online signals an OS-level network recovery and reconnects when needed.
func (m *Manager) Online() {
	m.wake("online")
}

// Visible signals the page returning to the foreground and reconnects when
// needed. Sleep/network-change scenarios never fire a socket close, so these
// wake triggers are the only recovery path for them.
func (m *Manager) Visible() {
	m.wake("visibility")
}

// RetryNow is the manual retry behind the offline overlay button. It is
// throttled so repeated clicks cannot stack concurrent attempts. It reports
// whether the attempt was admitted.
func (m *Manager) RetryNow() bool {
	now := m.clock()
	m.mu.Lock()
	if now.Sub(m.lastManualRetry) < manualRetryThrottle {
		m.mu.Unlock()
		return false
	}
	m.lastManualRetry = now
	connected := m.socket != nil
	m.mu.Unlock()

	if !connected {
		m.Connect()
	}
	return true
}

// State returns a clone of the materialized view.
func (m *Manager) State() model.DataState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// HasData reports whether any cached or live data is held.
func (m *Manager) HasData() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.HasData()
}

// LastMutationOutcome returns the most recent acknowledged or rejected
// mutation, or nil when none has been observed.
func (m *Manager) LastMutationOutcome() *MutationOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastOutcome == nil {
		return nil
	}
	outcome := *m.lastOutcome
	return &outcome
}

// RequestSnapshot asks the backend for a full-state resynchronization.
func (m *Manager) RequestSnapshot() error {
	return m.send(wire.EncodeGetSnapshot())
}

// RequestCustomer looks up a customer profile; results arrive asynchronously
// as a customer_search_results event.
func (m *Manager) RequestCustomer(waID string) error {
	frame, err := wire.EncodeGetCustomer(waID)
	if err != nil {
		return err
	}
	return m.send(frame)
}

// ModifyReservation submits a reservation mutation, marking it in the
// local-operation registry before the frame leaves so the eventual broadcast
// echo is recognized.
func (m *Manager) ModifyReservation(request wire.ModifyReservationRequest) error {
	if request.ClientToken == "" {
		request.ClientToken = uuid.NewString()
	}
	frame, err := wire.EncodeModifyReservation(request)
	if err != nil {
		return err
	}
	m.localOps.MarkLocal(localops.Operation{
		Type:        string(wire.EventReservationUpdated),
		ID:          request.ID,
		WaID:        request.WaID,
		Date:        request.Date,
		TimeSlot:    request.TimeSlot,
		ClientToken: request.ClientToken,
	})
	m.localOps.MarkMoved(request.ID)
	return m.send(frame)
}

// SendVacationUpdate replaces the vacation period list server-side.
func (m *Manager) SendVacationUpdate(periods []wire.VacationPeriodPayload) error {
	clientToken := uuid.NewString()
	frame, err := wire.EncodeVacationUpdate(periods, clientToken)
	if err != nil {
		return err
	}
	m.localOps.MarkLocal(localops.Operation{
		Type:        string(wire.EventVacationUpdated),
		ID:          vacationFingerprintID,
		ClientToken: clientToken,
	})
	return m.send(frame)
}

// Close tears the manager down for process shutdown, flushing one final
// snapshot persist.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.generation++
	m.cancelTimersLocked()
	for id, stream := range m.subscribers {
		delete(m.subscribers, id)
		close(stream)
	}
	m.refcount = 0
	socket := m.socket
	m.socket = nil
	m.state.IsConnected = false
	finalState := m.state.Clone()
	m.mu.Unlock()

	m.persist.CancelAll()
	if socket != nil {
		socket.Close() //nolint:errcheck
	}
	if m.cacheStore != nil {
		m.cacheStore.Persist(finalState)
	}
}

func (m *Manager) wake(trigger string) {
	m.mu.Lock()
	connected := m.socket != nil
	m.mu.Unlock()
	if connected {
		return
	}
	m.logger.Info("reconnect wake trigger", zap.String("trigger", trigger))
	m.Connect()
}

func (m *Manager) dialAndRun(generation int64) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	socket, err := m.dialer(ctx, m.backendURL)
	cancel()

	m.mu.Lock()
	if generation != m.generation || m.closed || m.refcount == 0 {
		m.connecting = false
		m.mu.Unlock()
		if err == nil {
			socket.Close() //nolint:errcheck
		}
		return
	}
	if err != nil {
		m.connecting = false
		m.scheduleRetryLocked()
		m.mu.Unlock()
		m.statusStore.MarkDisconnected(status.Failure{
			Reason:  "dial_failed",
			Message: err.Error(),
			URL:     m.backendURL,
		})
		return
	}
	m.connecting = false
	m.socket = socket
	m.state.IsConnected = true
	m.scheduleSnapshotRequestsLocked(generation)
	m.mu.Unlock()

	m.statusStore.MarkConnected()
	m.logger.Info("backend socket connected", zap.String("url", m.backendURL))
	m.readLoop(generation, socket)
}

func (m *Manager) readLoop(generation int64, socket Socket) {
	for {
		_, frame, err := socket.ReadMessage()
		if err != nil {
			m.handleSocketClosed(generation, err)
			return
		}
		m.handleFrame(frame)
	}
}

func (m *Manager) handleSocketClosed(generation int64, cause error) {
	m.mu.Lock()
	if generation != m.generation || m.closed {
		m.mu.Unlock()
		return
	}
	if m.socket != nil {
		m.socket.Close() //nolint:errcheck
		m.socket = nil
	}
	m.state.IsConnected = false
	m.cancelSnapshotTimersLocked()
	if m.refcount > 0 {
		m.scheduleRetryLocked()
	}
	m.mu.Unlock()

	m.statusStore.MarkDisconnected(status.Failure{
		Reason:  "socket_closed",
		Message: cause.Error(),
		URL:     m.backendURL,
	})
	m.logger.Warn("backend socket closed", zap.Error(cause))
}

// scheduleRetryLocked arms the fixed-interval reconnect timer. Retries are
// deliberately backoff-free: a single clinic client reconnecting eagerly is
// cheaper than a stale calendar.
func (m *Manager) scheduleRetryLocked() {
	if m.retryTimer != nil || m.closed || m.refcount == 0 {
		return
	}
	m.retryTimer = time.AfterFunc(m.retryInterval, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.mu.Unlock()
		m.Connect()
	})
}

func (m *Manager) scheduleSnapshotRequestsLocked(generation int64) {
	m.cancelSnapshotTimersLocked()
	for _, delay := range m.snapshotDelays {
		timer := time.AfterFunc(delay, func() {
			m.mu.Lock()
			current := generation == m.generation && m.socket != nil
			m.mu.Unlock()
			if !current {
				return
			}
			if err := m.RequestSnapshot(); err != nil {
				m.logger.Warn("snapshot request failed", zap.Error(err))
			}
		})
		m.snapshotTimers = append(m.snapshotTimers, timer)
	}
}

func (m *Manager) scheduleCloseLocked() {
	m.cancelTimersLocked()
	m.closeTimer = time.AfterFunc(m.graceDelay, func() {
		m.mu.Lock()
		if m.refcount > 0 || m.closed {
			m.mu.Unlock()
			return
		}
		m.closeTimer = nil
		m.generation++
		m.connecting = false
		socket := m.socket
		m.socket = nil
		m.state.IsConnected = false
		m.mu.Unlock()

		m.persist.Cancel(persistKey)
		if socket != nil {
			socket.Close() //nolint:errcheck
			m.logger.Info("backend socket released after grace delay")
		}
	})
}

func (m *Manager) cancelTimersLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.closeTimer != nil {
		m.closeTimer.Stop()
		m.closeTimer = nil
	}
	m.cancelSnapshotTimersLocked()
}

func (m *Manager) cancelSnapshotTimersLocked() {
	for _, timer := range m.snapshotTimers {
		timer.Stop()
	}
	m.snapshotTimers = nil
}

func (m *Manager) send(frame []byte) error {
	m.mu.Lock()
	socket := m.socket
	m.mu.Unlock()
	if socket == nil {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return socket.WriteMessage(websocket.TextMessage, frame)
}

func (m *Manager) schedulePersist() {
	if m.cacheStore == nil {
		return
	}
	m.persist.Trigger(persistKey, func() {
		m.cacheStore.Persist(m.State())
	})
}

// publish fans out under the lock so a concurrent detach cannot close a
// stream mid-send. Sends never block; a full subscriber buffer drops the
// update for that subscriber only.
func (m *Manager) publish(update Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stream := range m.subscribers {
		select {
		case stream <- update:
		default:
		}
	}
}
