package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/dmbridge/internal/auth"
	"github.com/memohai/dmbridge/internal/event"
	"github.com/memohai/dmbridge/internal/healthcheck"
)

func TestEventsStreamFiltersBySession(t *testing.T) {
	t.Parallel()

	hub := event.NewHub(testLogger())
	e := newTestEcho(NewEventsHandler(testLogger(), hub))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?sessionId=biz-1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(event.New(event.TypePollFailed, "biz-2", map[string]any{"code": "TRANSIENT_PROVIDER_ERROR"}))
	hub.Publish(event.New(event.TypeMessageReceived, "biz-1", map[string]any{"messageId": "m1"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got event.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, event.TypeMessageReceived, got.Type)
	assert.Equal(t, "biz-1", got.SessionID)

	var data map[string]string
	require.NoError(t, got.Decode(&data))
	assert.Equal(t, "m1", data["messageId"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventsStreamPings(t *testing.T) {
	t.Parallel()

	hub := event.NewHub(testLogger())
	h := NewEventsHandler(testLogger(), hub)
	h.pingInterval = 20 * time.Millisecond
	srv := httptest.NewServer(newTestEcho(h))
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}

func TestEventsRejectsPlainHTTP(t *testing.T) {
	t.Parallel()

	e := newTestEcho(NewEventsHandler(testLogger(), event.NewHub(testLogger())))
	rec, _ := do(t, e, http.MethodGet, "/events", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type staticChecker []healthcheck.CheckResult

func (s staticChecker) ListChecks(context.Context, string) []healthcheck.CheckResult { return s }

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	checker := staticChecker{
		{ID: "channel.connection.biz-1", Status: healthcheck.StatusOK},
		{ID: "polling.task.biz-1", Status: healthcheck.StatusWarn},
	}
	e := newTestEcho(NewHealthHandler(testLogger(), checker))

	rec, body := do(t, e, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, _ = do(t, e, http.MethodHead, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	_, body = do(t, e, http.MethodGet, "/health/checks?sessionId=biz-1", "")
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "warn", body["status"])
	assert.Len(t, body["checks"], 2)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("dmbridge_polling_tasks 2\n"))
	})
	e := newTestEcho(NewMetricsHandler(inner))
	rec, _ := do(t, e, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dmbridge_polling_tasks 2")
}

func TestAuthRefresh(t *testing.T) {
	t.Parallel()

	const secret = "test-secret"
	e := echo.New()
	e.Use(auth.JWTMiddleware(secret, nil))
	NewAuthHandler(testLogger(), secret, time.Hour).Register(e)

	token, _, err := auth.GenerateToken("ops", secret, 2*time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tokenType":"Bearer"`)

	req = httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRefreshDisabledWithoutSecret(t *testing.T) {
	t.Parallel()

	e := newTestEcho(NewAuthHandler(testLogger(), "", time.Hour))
	rec, _ := do(t, e, http.MethodPost, "/auth/refresh", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
