package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/handshake"
)

// HandshakeService issues and completes connect rituals.
type HandshakeService interface {
	Begin(ctx context.Context, sessionID string, kind channel.Kind, opts handshake.BeginOptions) (handshake.Handle, error)
	Complete(ctx context.Context, handleID string, payload map[string]string) (connection.Record, error)
}

var _ HandshakeService = (*handshake.Exchange)(nil)

type HandshakeHandler struct {
	logger   *slog.Logger
	exchange HandshakeService
}

func NewHandshakeHandler(log *slog.Logger, exchange HandshakeService) *HandshakeHandler {
	return &HandshakeHandler{
		logger:   log.With(slog.String("handler", "handshake")),
		exchange: exchange,
	}
}

func (h *HandshakeHandler) Register(e *echo.Echo) {
	e.GET("/auth-url", h.AuthURL)
	e.POST("/pairing-code", h.PairingCode)
	e.POST("/callback", h.Callback)
	e.GET("/callback", h.RedirectCallback)
}

type HandshakeResponse struct {
	Success bool `json:"success"`
	handshake.Handle
}

// AuthURL godoc
// @Summary Begin an OAuth handshake
// @Description Issues a handle and the provider authorization URL for a token channel.
// @Tags handshake
// @Param sessionId query string true "Session ID"
// @Success 200 {object} HandshakeResponse
// @Failure 200 {object} ErrorResponse
// @Router /auth-url [get]
func (h *HandshakeHandler) AuthURL(c echo.Context) error {
	var req SessionQuery
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	return h.begin(c, req.SessionID, channel.KindToken, handshake.BeginOptions{})
}

type PairingCodeRequest struct {
	SessionID   string `json:"sessionId" validate:"required"`
	PhoneNumber string `json:"phoneNumber,omitempty" validate:"omitempty,e164|numeric"`
}

// PairingCode godoc
// @Summary Begin a device pairing handshake
// @Description Issues a handle with a QR payload, or a pairing code when a phone number is given.
// @Tags handshake
// @Param payload body PairingCodeRequest true "Pairing request"
// @Success 200 {object} HandshakeResponse
// @Failure 200 {object} ErrorResponse
// @Router /pairing-code [post]
func (h *HandshakeHandler) PairingCode(c echo.Context) error {
	var req PairingCodeRequest
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	return h.begin(c, req.SessionID, channel.KindPairing, handshake.BeginOptions{PhoneNumber: req.PhoneNumber})
}

func (h *HandshakeHandler) begin(c echo.Context, sessionID string, kind channel.Kind, opts handshake.BeginOptions) error {
	handle, err := h.exchange.Begin(c.Request().Context(), sessionID, kind, opts)
	if err != nil {
		h.logger.Warn("begin handshake failed",
			slog.String("session_id", sessionID),
			slog.String("kind", kind.String()),
			slog.Any("error", err),
		)
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, HandshakeResponse{Success: true, Handle: handle})
}

type CallbackRequest struct {
	HandleID        string            `json:"handleId" validate:"required"`
	ProviderPayload map[string]string `json:"providerPayload"`
}

type CallbackResponse struct {
	Success bool `json:"success"`
	connection.Record
}

// Callback godoc
// @Summary Complete a handshake
// @Tags handshake
// @Param payload body CallbackRequest true "Handle and provider payload"
// @Success 200 {object} CallbackResponse
// @Failure 200 {object} ErrorResponse
// @Router /callback [post]
func (h *HandshakeHandler) Callback(c echo.Context) error {
	var req CallbackRequest
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	return h.complete(c, req.HandleID, req.ProviderPayload)
}

// RedirectCallback completes an OAuth handshake from the provider redirect,
// where the handle travels as the state parameter.
func (h *HandshakeHandler) RedirectCallback(c echo.Context) error {
	query := c.QueryParams()
	handleID := strings.TrimSpace(query.Get("state"))
	if handleID == "" {
		return fail(c, channel.InvalidInput("state is required", nil))
	}
	if reason := query.Get("error_description"); reason != "" || query.Get("error") != "" {
		if reason == "" {
			reason = query.Get("error")
		}
		return fail(c, channel.InvalidInput("authorization denied: "+reason, nil))
	}
	payload := make(map[string]string, len(query))
	for key := range query {
		payload[key] = query.Get(key)
	}
	return h.complete(c, handleID, payload)
}

func (h *HandshakeHandler) complete(c echo.Context, handleID string, payload map[string]string) error {
	rec, err := h.exchange.Complete(c.Request().Context(), strings.TrimSpace(handleID), payload)
	if err != nil {
		h.logger.Warn("complete handshake failed",
			slog.String("handle_id", handleID),
			slog.Any("error", err),
		)
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, CallbackResponse{Success: true, Record: rec})
}
