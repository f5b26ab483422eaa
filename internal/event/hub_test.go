package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHubDeliversToMatchingSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	_, all, cancelAll := hub.Subscribe("", 4)
	defer cancelAll()
	_, only, cancelOnly := hub.Subscribe("s1", 4)
	defer cancelOnly()

	hub.Publish(New(TypeConnectionStatus, "s2", map[string]string{"to": "connected"}))
	hub.Publish(New(TypeConnectionStatus, "s1", map[string]string{"to": "connected"}))

	first := <-all
	if first.SessionID != "s2" {
		t.Fatalf("expected s2 first on wildcard stream, got %s", first.SessionID)
	}
	second := <-all
	if second.SessionID != "s1" {
		t.Fatalf("expected s1 second on wildcard stream, got %s", second.SessionID)
	}

	select {
	case ev := <-only:
		if ev.SessionID != "s1" {
			t.Fatalf("filtered stream got %s", ev.SessionID)
		}
		var data map[string]string
		if err := json.Unmarshal(ev.Data, &data); err != nil || data["to"] != "connected" {
			t.Fatalf("unexpected data %s: %v", ev.Data, err)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber did not receive event")
	}
	select {
	case ev := <-only:
		t.Fatalf("filtered stream must not see other sessions, got %+v", ev)
	default:
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	_, stream, cancel := hub.Subscribe("", 1)
	defer cancel()

	hub.Publish(New(TypePollFailed, "s1", nil))
	hub.Publish(New(TypePollFailed, "s1", nil))

	if got := len(stream); got != 1 {
		t.Fatalf("expected one buffered event, got %d", got)
	}
}

func TestHubCancelClosesStream(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	_, stream, cancel := hub.Subscribe("s1", 1)
	cancel()
	cancel()

	if _, ok := <-stream; ok {
		t.Fatal("expected closed stream")
	}
	if hub.SubscriberCount() != 0 {
		t.Fatalf("subscription not removed")
	}
	hub.Publish(New(TypePollFailed, "s1", nil))
}
