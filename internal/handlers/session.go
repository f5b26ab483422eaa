package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/dmbridge/internal/agentconfig"
	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/poller"
	"github.com/memohai/dmbridge/internal/session"
)

// SessionService is the session facade the handlers drive.
type SessionService interface {
	Status(sessionID string) (session.View, error)
	Sessions() []session.View
	ConfigureAgent(ctx context.Context, u agentconfig.Update) (agentconfig.Config, error)
	AgentConfig(ctx context.Context, sessionID string) (agentconfig.Config, error)
	StartPolling(ctx context.Context, req session.StartPollingRequest) (bool, error)
	StopPolling(sessionID string) bool
	Disconnect(ctx context.Context, sessionID string) error
	Identity(ctx context.Context, sessionID string) (channel.Identity, error)
	Conversations(ctx context.Context, sessionID string, limit int) ([]channel.Conversation, error)
	Messages(ctx context.Context, sessionID, conversationID string, limit int) ([]channel.Message, error)
	Send(ctx context.Context, sessionID, recipientID string, reply channel.ReplyPayload) error
	MarkSeen(ctx context.Context, sessionID, recipientID string) error
}

var _ SessionService = (*session.Lifecycle)(nil)

type SessionHandler struct {
	logger   *slog.Logger
	sessions SessionService
}

func NewSessionHandler(log *slog.Logger, sessions SessionService) *SessionHandler {
	return &SessionHandler{
		logger:   log.With(slog.String("handler", "session")),
		sessions: sessions,
	}
}

func (h *SessionHandler) Register(e *echo.Echo) {
	e.GET("/status", h.Status)
	e.GET("/sessions", h.ListSessions)
	e.POST("/disconnect", h.Disconnect)
	e.POST("/start-polling", h.StartPolling)
	e.POST("/stop-polling", h.StopPolling)
	e.POST("/configure-agent", h.ConfigureAgent)
	e.GET("/agent-config", h.GetAgentConfig)
}

type SessionQuery struct {
	SessionID string `query:"sessionId" json:"sessionId" validate:"required"`
}

type SessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type StatusResponse struct {
	Success bool `json:"success"`
	session.View
}

type SessionsResponse struct {
	Success  bool           `json:"success"`
	Sessions []session.View `json:"sessions"`
}

// Status godoc
// @Summary Session status
// @Description Connection record, polling task and pending handshake of a session. Unknown sessions report disconnected.
// @Tags session
// @Param sessionId query string true "Session ID"
// @Success 200 {object} StatusResponse
// @Router /status [get]
func (h *SessionHandler) Status(c echo.Context) error {
	var req SessionQuery
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	sessionID := strings.TrimSpace(req.SessionID)
	view, err := h.sessions.Status(sessionID)
	if errors.Is(err, connection.ErrNotFound) {
		view = session.View{
			Record:  connection.Record{SessionID: sessionID, Status: connection.StatusDisconnected},
			Polling: poller.TaskStatus{SessionID: sessionID},
		}
	} else if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Success: true, View: view})
}

// ListSessions godoc
// @Summary List sessions
// @Tags session
// @Success 200 {object} SessionsResponse
// @Router /sessions [get]
func (h *SessionHandler) ListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, SessionsResponse{Success: true, Sessions: h.sessions.Sessions()})
}

// Disconnect godoc
// @Summary Disconnect a session
// @Description Stops polling, drops the channel credentials and forgets the session.
// @Tags session
// @Param payload body SessionRequest true "Session"
// @Success 200 {object} SuccessResponse
// @Failure 200 {object} ErrorResponse
// @Router /disconnect [post]
func (h *SessionHandler) Disconnect(c echo.Context) error {
	var req SessionRequest
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	if err := h.sessions.Disconnect(c.Request().Context(), req.SessionID); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

type StartPollingRequest struct {
	SessionID  string  `json:"sessionId" validate:"required"`
	Prompt     *string `json:"prompt,omitempty"`
	IntervalMs int64   `json:"intervalMs,omitempty" validate:"omitempty,gte=1000"`
}

type StartPollingResponse struct {
	Success bool   `json:"success"`
	Started bool   `json:"started"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// StartPolling godoc
// @Summary Start polling
// @Description Writes the prompt when given, then starts the session's polling task. started=false when a task already runs.
// @Tags polling
// @Param payload body StartPollingRequest true "Polling request"
// @Success 200 {object} StartPollingResponse
// @Router /start-polling [post]
func (h *SessionHandler) StartPolling(c echo.Context) error {
	var req StartPollingRequest
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	started, err := h.sessions.StartPolling(c.Request().Context(), session.StartPollingRequest{
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Interval:  time.Duration(req.IntervalMs) * time.Millisecond,
	})
	if err != nil {
		h.logger.Info("start polling refused",
			slog.String("session_id", req.SessionID),
			slog.Any("error", err),
		)
		return c.JSON(http.StatusOK, StartPollingResponse{Error: err.Error(), Code: errorCode(err)})
	}
	return c.JSON(http.StatusOK, StartPollingResponse{Success: true, Started: started})
}

type StopPollingResponse struct {
	Success bool `json:"success"`
	Stopped bool `json:"stopped"`
}

// StopPolling godoc
// @Summary Stop polling
// @Tags polling
// @Param payload body SessionRequest true "Session"
// @Success 200 {object} StopPollingResponse
// @Router /stop-polling [post]
func (h *SessionHandler) StopPolling(c echo.Context) error {
	var req SessionRequest
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, StopPollingResponse{Success: true, Stopped: h.sessions.StopPolling(req.SessionID)})
}

type ConfigureAgentRequest struct {
	SessionID string  `json:"sessionId" validate:"required"`
	Prompt    *string `json:"prompt" validate:"required"`
	Provider  *string `json:"provider,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
}

type AgentConfigResponse struct {
	Success bool               `json:"success"`
	Config  agentconfig.Config `json:"config"`
}

// ConfigureAgent godoc
// @Summary Configure the session agent
// @Description Creates or updates the agent prompt, provider and enabled flag. Disabling stops polling.
// @Tags agent
// @Param payload body ConfigureAgentRequest true "Agent config"
// @Success 200 {object} AgentConfigResponse
// @Failure 200 {object} ErrorResponse
// @Router /configure-agent [post]
func (h *SessionHandler) ConfigureAgent(c echo.Context) error {
	var req ConfigureAgentRequest
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	cfg, err := h.sessions.ConfigureAgent(c.Request().Context(), agentconfig.Update{
		SessionID: strings.TrimSpace(req.SessionID),
		Prompt:    req.Prompt,
		Provider:  req.Provider,
		Enabled:   req.Enabled,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, AgentConfigResponse{Success: true, Config: cfg})
}

// GetAgentConfig godoc
// @Summary Current agent config
// @Tags agent
// @Param sessionId query string true "Session ID"
// @Success 200 {object} AgentConfigResponse
// @Failure 200 {object} ErrorResponse
// @Router /agent-config [get]
func (h *SessionHandler) GetAgentConfig(c echo.Context) error {
	var req SessionQuery
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	cfg, err := h.sessions.AgentConfig(c.Request().Context(), strings.TrimSpace(req.SessionID))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, AgentConfigResponse{Success: true, Config: cfg})
}
