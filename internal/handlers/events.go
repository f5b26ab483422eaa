package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/memohai/dmbridge/internal/event"
)

const (
	eventsBuffer       = 128
	eventsPingInterval = 15 * time.Second
	eventsPongWait     = 45 * time.Second
	eventsWriteWait    = 10 * time.Second
	eventsReadLimit    = 4096
)

// EventsHandler streams bus events over a WebSocket.
type EventsHandler struct {
	logger       *slog.Logger
	subscriber   event.Subscriber
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

func NewEventsHandler(log *slog.Logger, subscriber event.Subscriber) *EventsHandler {
	return &EventsHandler{
		logger:     log.With(slog.String("handler", "events")),
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		pingInterval: eventsPingInterval,
	}
}

func (h *EventsHandler) Register(e *echo.Echo) {
	e.GET("/events", h.Stream)
}

// Stream upgrades the request and forwards events until the client goes
// away. sessionId narrows the stream to one session.
func (h *EventsHandler) Stream(c echo.Context) error {
	sessionID := strings.TrimSpace(c.QueryParam("sessionId"))
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already answered with an HTTP error
		h.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	defer conn.Close()

	subID, events, cancel := h.subscriber.Subscribe(sessionID, eventsBuffer)
	defer cancel()
	h.logger.Info("event stream opened",
		slog.String("subscriber_id", subID),
		slog.String("session_id", sessionID),
	)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(eventsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			h.logger.Info("event stream closed", slog.String("subscriber_id", subID))
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return nil
			}
		}
	}
}
