package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/airfi/captivegate/internal/db"
	"github.com/airfi/captivegate/internal/session"
)

// SessionService is the lifecycle manager as seen by the API.
type SessionService interface {
	Activate(ctx context.Context, req session.ActivateRequest) (*db.Session, error)
	Deactivate(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (*db.Session, error)
	List(ctx context.Context, status string) ([]*db.Session, error)
	Stats(ctx context.Context) (*db.Stats, error)
	CheckAccess(ctx context.Context, ip string) (*session.AccessStatus, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains all HTTP handlers for the API.
type Handler struct {
	sessions SessionService
	health   Pinger
	logger   *zap.Logger
}

// NewHandler creates a new API handler. health may be nil.
func NewHandler(sessions SessionService, health Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		sessions: sessions,
		health:   health,
		logger:   logger,
	}
}

// ActivateRequest is sent by the authentication service after a successful login.
type ActivateRequest struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	IP          string `json:"ip"`
	MACAddress  string `json:"mac_address"`
	Agent       string `json:"agent"`
	OriginalURL string `json:"original_url"`
	HTTPMethod  string `json:"http_method"`
	Referer     string `json:"referer"`
}

// ActivateResponse identifies the session created by an activation.
type ActivateResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EndResponse confirms an ended session.
type EndResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// ListResponse wraps a session listing.
type ListResponse struct {
	Sessions []*db.Session `json:"sessions"`
	Count    int           `json:"count"`
}

// HealthCheck returns the service health status.
func (h *Handler) HealthCheck(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if h.health != nil {
		if err := h.health.Ping(c.Request.Context()); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ActivateSession grants access to a freshly authenticated client.
func (h *Handler) ActivateSession(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID == "" || req.IP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and ip are required"})
		return
	}

	s, err := h.sessions.Activate(c.Request.Context(), session.ActivateRequest{
		UserID:   req.UserID,
		Username: req.Username,
		Device: db.Device{
			IP:          req.IP,
			MAC:         req.MACAddress,
			UserAgent:   req.Agent,
			OriginalURL: req.OriginalURL,
			HTTPMethod:  req.HTTPMethod,
			Referer:     req.Referer,
		},
	})
	if err != nil {
		h.fail(c, "activate session", err)
		return
	}

	c.JSON(http.StatusOK, ActivateResponse{
		SessionID: s.ID,
		ExpiresAt: s.ExpiresAt,
	})
}

// EndSession ends a user's active session.
func (h *Handler) EndSession(c *gin.Context) {
	userID := c.Param("userId")

	if err := h.sessions.Deactivate(c.Request.Context(), userID); err != nil {
		h.fail(c, "end session", err)
		return
	}

	c.JSON(http.StatusOK, EndResponse{UserID: userID, Status: db.StatusInactive})
}

// ListSessions returns sessions, filtered by the optional status query.
func (h *Handler) ListSessions(c *gin.Context) {
	status := c.Query("status")
	if status != "" && status != db.StatusActive && status != db.StatusInactive {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	sessions, err := h.sessions.List(c.Request.Context(), status)
	if err != nil {
		h.fail(c, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []*db.Session{}
	}

	c.JSON(http.StatusOK, ListResponse{Sessions: sessions, Count: len(sessions)})
}

// GetSession returns a user's active session.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.sessions.Status(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, "get session", err)
		return
	}

	c.JSON(http.StatusOK, s)
}

// CheckAccess reports firewall and session state for an address.
func (h *Handler) CheckAccess(c *gin.Context) {
	st, err := h.sessions.CheckAccess(c.Request.Context(), c.Param("ip"))
	if err != nil {
		h.fail(c, "check access", err)
		return
	}

	c.JSON(http.StatusOK, st)
}

// GetStats returns session statistics.
func (h *Handler) GetStats(c *gin.Context) {
	st, err := h.sessions.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, "get stats", err)
		return
	}

	c.JSON(http.StatusOK, st)
}

// fail maps an error to a status with a generic message. Details only go to the log.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	default:
		h.logger.Error("request failed",
			zap.String("op", op),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
