// Package event fans out session lifecycle and message-flow events to
// in-process subscribers such as the websocket stream and metrics.
package event

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	TypeConnectionStatus   Type = "connection.status"
	TypeHandshakeStarted   Type = "handshake.started"
	TypeHandshakeCompleted Type = "handshake.completed"
	TypeHandshakeFailed    Type = "handshake.failed"
	TypePollingStarted     Type = "polling.started"
	TypePollingStopped     Type = "polling.stopped"
	TypePollFailed         Type = "poll.failed"
	TypeMessageReceived    Type = "message.received"
	TypeMessageReplied     Type = "message.replied"
	TypeMessageDiscarded   Type = "message.discarded"
)

// Event is one published notification. Data is an event-specific JSON object.
type Event struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}

// New builds an event, marshalling data. Marshal failures leave Data empty.
func New(t Type, sessionID string, data any) Event {
	ev := Event{Type: t, SessionID: sessionID, At: time.Now().UTC()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.New("event has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Subscriber hands out event streams. An empty sessionID subscribes to every session.
type Subscriber interface {
	Subscribe(sessionID string, buffer int) (string, <-chan Event, func())
}

// Hub is an in-memory, non-blocking Publisher and Subscriber. Slow
// subscribers lose events rather than stall publishers.
type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
}

type subscription struct {
	sessionID string
	ch        chan Event
	once      sync.Once
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		logger: log.With(slog.String("component", "event_hub")),
		subs:   map[string]*subscription{},
	}
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.logger.Debug("drop event for slow subscriber",
				slog.String("subscriber_id", id),
				slog.String("type", string(ev.Type)),
			)
		}
	}
}

func (h *Hub) Subscribe(sessionID string, buffer int) (string, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	sub := &subscription{
		sessionID: strings.TrimSpace(sessionID),
		ch:        make(chan Event, buffer),
	}
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
	return id, sub.ch, cancel
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

// Multi publishes to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}
