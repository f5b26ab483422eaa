package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/event"
	"github.com/memohai/dmbridge/internal/poller"
)

type staticSessions []connection.Record

func (s staticSessions) List() []connection.Record { return s }

type staticTasks []poller.TaskStatus

func (s staticTasks) List() []poller.TaskStatus { return s }

func TestPublishCountsEvents(t *testing.T) {
	t.Parallel()

	m := New(nil, nil)
	m.Publish(event.New(event.TypePollFailed, "s1", map[string]any{"code": "TRANSIENT_PROVIDER_ERROR"}))
	m.Publish(event.New(event.TypePollFailed, "s1", map[string]any{"code": "TRANSIENT_PROVIDER_ERROR"}))
	m.Publish(event.New(event.TypePollFailed, "s1", nil))
	m.Publish(event.New(event.TypeMessageReplied, "s1", nil))
	m.Publish(event.New(event.TypeMessageDiscarded, "s1", nil))
	m.Publish(event.New(event.TypeHandshakeCompleted, "s1", nil))

	if got := testutil.ToFloat64(m.pollFailures.WithLabelValues("TRANSIENT_PROVIDER_ERROR")); got != 2 {
		t.Fatalf("transient failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.pollFailures.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("unknown failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.replies); got != 1 {
		t.Fatalf("replies = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.discarded); got != 1 {
		t.Fatalf("discarded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues(string(event.TypePollFailed))); got != 3 {
		t.Fatalf("poll.failed events = %v, want 3", got)
	}
}

func TestSessionGauges(t *testing.T) {
	t.Parallel()

	m := New(staticSessions{
		{SessionID: "a", Status: connection.StatusConnected},
		{SessionID: "b", Status: connection.StatusConnected},
		{SessionID: "c", Status: connection.StatusError},
	}, staticTasks{{SessionID: "a", Active: true}})

	expected := `
		# HELP dmbridge_sessions Sessions by connection status.
		# TYPE dmbridge_sessions gauge
		dmbridge_sessions{status="connected"} 2
		dmbridge_sessions{status="disconnected"} 0
		dmbridge_sessions{status="error"} 1
		dmbridge_sessions{status="handshake_pending"} 0
		dmbridge_sessions{status="reconnecting"} 0
		# HELP dmbridge_polling_tasks Running polling tasks.
		# TYPE dmbridge_polling_tasks gauge
		dmbridge_polling_tasks 1
	`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "dmbridge_sessions", "dmbridge_polling_tasks"); err != nil {
		t.Fatal(err)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	t.Parallel()

	m := New(nil, nil)
	m.Publish(event.New(event.TypeMessageReplied, "s1", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "dmbridge_replies_delivered_total 1") {
		t.Fatalf("exposition missing replies counter:\n%s", body)
	}
}

func TestObserveAfterNew(t *testing.T) {
	t.Parallel()

	m := New(nil, nil)
	m.Observe(staticSessions{{SessionID: "a", Status: connection.StatusReconnecting}}, nil)

	expected := `
		# HELP dmbridge_sessions Sessions by connection status.
		# TYPE dmbridge_sessions gauge
		dmbridge_sessions{status="connected"} 0
		dmbridge_sessions{status="disconnected"} 0
		dmbridge_sessions{status="error"} 0
		dmbridge_sessions{status="handshake_pending"} 0
		dmbridge_sessions{status="reconnecting"} 1
	`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "dmbridge_sessions"); err != nil {
		t.Fatal(err)
	}
}
