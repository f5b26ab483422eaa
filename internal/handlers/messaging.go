package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/dmbridge/internal/channel"
)

const defaultListLimit = 25

// MessagingHandler passes identity, listing and manual send calls through to
// the session's channel adapter.
type MessagingHandler struct {
	logger            *slog.Logger
	sessions          SessionService
	conversationLimit int
	messageLimit      int
}

func NewMessagingHandler(log *slog.Logger, sessions SessionService, conversationLimit, messageLimit int) *MessagingHandler {
	if conversationLimit <= 0 {
		conversationLimit = defaultListLimit
	}
	if messageLimit <= 0 {
		messageLimit = defaultListLimit
	}
	return &MessagingHandler{
		logger:            log.With(slog.String("handler", "messaging")),
		sessions:          sessions,
		conversationLimit: conversationLimit,
		messageLimit:      messageLimit,
	}
}

func (h *MessagingHandler) Register(e *echo.Echo) {
	e.GET("/user-info", h.UserInfo)
	e.GET("/conversations", h.ListConversations)
	e.GET("/messages/:conversationId", h.ListMessages)
	e.POST("/send-dm", h.SendDM)
	e.POST("/send-image", h.SendImage)
	e.POST("/mark-seen", h.MarkSeen)
}

type UserInfoResponse struct {
	Success bool `json:"success"`
	channel.Identity
}

func (h *MessagingHandler) UserInfo(c echo.Context) error {
	var req SessionQuery
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	id, err := h.sessions.Identity(c.Request().Context(), strings.TrimSpace(req.SessionID))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, UserInfoResponse{Success: true, Identity: id})
}

type ListQuery struct {
	SessionID string `query:"sessionId" json:"sessionId" validate:"required"`
	Limit     int    `query:"limit" json:"limit" validate:"gte=0"`
}

type ConversationsResponse struct {
	Success       bool                   `json:"success"`
	Conversations []channel.Conversation `json:"conversations"`
}

func (h *MessagingHandler) ListConversations(c echo.Context) error {
	var req ListQuery
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	limit := req.Limit
	if limit == 0 {
		limit = h.conversationLimit
	}
	items, err := h.sessions.Conversations(c.Request().Context(), strings.TrimSpace(req.SessionID), limit)
	if err != nil {
		return fail(c, err)
	}
	if items == nil {
		items = []channel.Conversation{}
	}
	return c.JSON(http.StatusOK, ConversationsResponse{Success: true, Conversations: items})
}

type MessagesQuery struct {
	ConversationID string `param:"conversationId" json:"conversationId" validate:"required"`
	SessionID      string `query:"sessionId" json:"sessionId" validate:"required"`
	Limit          int    `query:"limit" json:"limit" validate:"gte=0"`
}

type MessagesResponse struct {
	Success  bool              `json:"success"`
	Messages []channel.Message `json:"messages"`
}

func (h *MessagingHandler) ListMessages(c echo.Context) error {
	var req MessagesQuery
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	limit := req.Limit
	if limit == 0 {
		limit = h.messageLimit
	}
	items, err := h.sessions.Messages(c.Request().Context(), strings.TrimSpace(req.SessionID), req.ConversationID, limit)
	if err != nil {
		return fail(c, err)
	}
	if items == nil {
		items = []channel.Message{}
	}
	return c.JSON(http.StatusOK, MessagesResponse{Success: true, Messages: items})
}

type SendDMRequest struct {
	SessionID   string `json:"sessionId" validate:"required"`
	RecipientID string `json:"recipientId" validate:"required"`
	Text        string `json:"text" validate:"required"`
}

func (h *MessagingHandler) SendDM(c echo.Context) error {
	var req SendDMRequest
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	return h.send(c, req.SessionID, req.RecipientID, channel.TextReply(req.Text))
}

type SendImageRequest struct {
	SessionID   string `json:"sessionId" validate:"required"`
	RecipientID string `json:"recipientId" validate:"required"`
	ImageURL    string `json:"imageUrl" validate:"required,http_url"`
	Caption     string `json:"caption,omitempty"`
}

func (h *MessagingHandler) SendImage(c echo.Context) error {
	var req SendImageRequest
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	return h.send(c, req.SessionID, req.RecipientID, channel.ReplyPayload{
		Kind:     channel.ReplyImage,
		ImageURL: req.ImageURL,
		Caption:  req.Caption,
	})
}

func (h *MessagingHandler) send(c echo.Context, sessionID, recipientID string, reply channel.ReplyPayload) error {
	sessionID = strings.TrimSpace(sessionID)
	if err := h.sessions.Send(c.Request().Context(), sessionID, strings.TrimSpace(recipientID), reply); err != nil {
		h.logger.Warn("manual send failed",
			slog.String("session_id", sessionID),
			slog.String("kind", string(reply.Kind)),
			slog.Any("error", err),
		)
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

type MarkSeenRequest struct {
	SessionID   string `json:"sessionId" validate:"required"`
	RecipientID string `json:"recipientId" validate:"required"`
}

func (h *MessagingHandler) MarkSeen(c echo.Context) error {
	var req MarkSeenRequest
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	if err := h.sessions.MarkSeen(c.Request().Context(), strings.TrimSpace(req.SessionID), strings.TrimSpace(req.RecipientID)); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, SuccessResponse{Success: true})
}
