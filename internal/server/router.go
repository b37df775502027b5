// Package server exposes the agent's materialized state, notifications, and
// connection status over a local HTTP API. The UI reads these endpoints but
// never mutates state directly; mutations enter through the guard and queue.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clinicdesk/clinicsync/internal/auth"
	"github.com/clinicdesk/clinicsync/internal/conn"
	"github.com/clinicdesk/clinicsync/internal/guard"
	"github.com/clinicdesk/clinicsync/internal/localops"
	"github.com/clinicdesk/clinicsync/internal/notify"
	"github.com/clinicdesk/clinicsync/internal/queue"
	"github.com/clinicdesk/clinicsync/internal/status"
	"github.com/clinicdesk/clinicsync/internal/wire"
)

const subjectContextKey = "clinicsync_subject"

var (
	errMissingManager       = errors.New("connection manager dependency required")
	errMissingStatusStore   = errors.New("status store dependency required")
	errMissingQueue         = errors.New("mutation queue dependency required")
	errMissingGuard         = errors.New("change guard dependency required")
	errMissingNotifications = errors.New("notification store dependency required")
	errMissingSessions      = errors.New("session issuer dependency required")
	errMissingPairingSecret = errors.New("pairing secret required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the router's collaborators.
type Dependencies struct {
	Manager       *conn.Manager
	Status        *status.Store
	Queue         *queue.Queue
	Guard         *guard.Guard
	Notifications *notify.Store
	Sessions      *auth.SessionIssuer
	PairingSecret string
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin handler for the local API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Manager == nil {
		return nil, errMissingManager
	}
	if deps.Status == nil {
		return nil, errMissingStatusStore
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Guard == nil {
		return nil, errMissingGuard
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if strings.TrimSpace(deps.PairingSecret) == "" {
		return nil, errMissingPairingSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		manager:       deps.Manager,
		statusStore:   deps.Status,
		queue:         deps.Queue,
		guard:         deps.Guard,
		notifications: deps.Notifications,
		sessions:      deps.Sessions,
		pairingSecret: deps.PairingSecret,
		logger:        logger,
	}

	router.POST("/session", handler.handleSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/state", handler.handleState)
	protected.GET("/status", handler.handleStatus)
	protected.GET("/notifications", handler.handleNotifications)
	protected.POST("/notifications/read", handler.handleNotificationsRead)
	protected.POST("/reservations/:id/move", handler.handleReservationMove)
	protected.POST("/vacations", handler.handleVacations)
	protected.POST("/customers/search", handler.handleCustomerSearch)
	protected.POST("/connection/retry", handler.handleConnectionRetry)

	return router, nil
}

type httpHandler struct {
	manager       *conn.Manager
	statusStore   *status.Store
	queue         *queue.Queue
	guard         *guard.Guard
	notifications *notify.Store
	sessions      *auth.SessionIssuer
	pairingSecret string
	logger        *zap.Logger
}

type sessionRequestPayload struct {
	PairingSecret string `json:"pairing_secret"`
	ClientName    string `json:"client_name"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PairingSecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if subtle.ConstantTimeCompare([]byte(request.PairingSecret), []byte(h.pairingSecret)) != 1 {
		h.logger.Warn("session pairing rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	subject := strings.TrimSpace(request.ClientName)
	if subject == "" {
		subject = "ui"
	}
	token, expiresIn, err := h.sessions.IssueSessionToken(subject)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.State())
}

type statusResponsePayload struct {
	Status         status.Snapshot       `json:"connection"`
	OfflineOverlay bool                  `json:"offline_overlay"`
	Queue          queue.Stats           `json:"queue"`
	LastMutation   *conn.MutationOutcome `json:"last_mutation,omitempty"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponsePayload{
		Status:         h.statusStore.Snapshot(),
		OfflineOverlay: h.statusStore.OfflineOverlayDue(h.manager.HasData()),
		Queue:          h.queue.Stats(),
		LastMutation:   h.manager.LastMutationOutcome(),
	})
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	state := h.manager.State()
	derived := notify.Derive(h.notifications.Items(), state.CustomerName)
	c.JSON(http.StatusOK, derived)
}

func (h *httpHandler) handleNotificationsRead(c *gin.Context) {
	h.notifications.MarkAllRead()
	c.Status(http.StatusNoContent)
}

type moveRequestPayload struct {
	WaID     string `json:"wa_id"`
	Date     string `json:"date"`
	TimeSlot string `json:"time_slot"`
}

type moveResponsePayload struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (h *httpHandler) handleReservationMove(c *gin.Context) {
	reservationID := c.Param("id")
	var request moveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Date == "" || request.TimeSlot == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	startStr := request.Date + " " + request.TimeSlot
	info := guard.ChangeInfo{EventID: reservationID, StartStr: startStr}
	if start, err := time.ParseInLocation(
		"2006-01-02 15:04", request.Date+" "+localops.NormalizeTimeSlot(request.TimeSlot), time.Local,
	); err == nil {
		info.Start = start
	}

	if h.guard.SuppressDuplicateChange(info) {
		c.JSON(http.StatusOK, moveResponsePayload{Accepted: false, Reason: "duplicate_change"})
		return
	}
	if !info.Start.IsZero() && h.guard.BlockPastTimeWithinToday(info) {
		c.JSON(http.StatusOK, moveResponsePayload{Accepted: false, Reason: "past_time_today"})
		return
	}

	err := h.queue.Enqueue(c.Request.Context(), "reservation:"+reservationID, func(ctx context.Context) error {
		return h.manager.ModifyReservation(wire.ModifyReservationRequest{
			ID:       reservationID,
			WaID:     request.WaID,
			Date:     request.Date,
			TimeSlot: request.TimeSlot,
		})
	})
	if err != nil {
		h.logger.Warn("reservation move failed", zap.String("reservation_id", reservationID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, moveResponsePayload{Accepted: true})
}

type vacationsRequestPayload struct {
	Periods []wire.VacationPeriodPayload `json:"periods"`
}

func (h *httpHandler) handleVacations(c *gin.Context) {
	var request vacationsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.queue.Enqueue(c.Request.Context(), "vacations", func(ctx context.Context) error {
		return h.manager.SendVacationUpdate(request.Periods)
	})
	if err != nil {
		h.logger.Warn("vacation update failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

type customerSearchRequestPayload struct {
	WaID string `json:"wa_id"`
}

func (h *httpHandler) handleCustomerSearch(c *gin.Context) {
	var request customerSearchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.WaID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.manager.RequestCustomer(request.WaID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	// Results arrive asynchronously on the event stream.
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleConnectionRetry(c *gin.Context) {
	admitted := h.manager.RetryNow()
	c.JSON(http.StatusOK, gin.H{"admitted": admitted})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.sessions.ValidateToken(token)
	if err != nil {
		h.logger.Warn("session token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}
