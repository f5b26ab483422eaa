package connection

import (
	"context"
	"errors"
	"time"

	"github.com/memohai/dmbridge/internal/channel"
)

// Status is the lifecycle state of a session's channel connection.
type Status string

const (
	StatusDisconnected     Status = "disconnected"
	StatusHandshakePending Status = "handshake_pending"
	StatusConnected        Status = "connected"
	StatusReconnecting     Status = "reconnecting"
	StatusError            Status = "error"
)

// Live reports whether the session has working credentials.
func (s Status) Live() bool {
	return s == StatusConnected || s == StatusReconnecting
}

var (
	ErrNotFound          = errors.New("connection not found")
	ErrConflict          = errors.New("connection status changed concurrently")
	ErrInvalidTransition = errors.New("invalid connection status transition")
	ErrAlreadyConnected  = errors.New("session already connected")
)

// Record is the registry's view of one session.
type Record struct {
	SessionID         string       `json:"sessionId"`
	ChannelKind       channel.Kind `json:"channelKind"`
	Status            Status       `json:"status"`
	ExternalAccountID string       `json:"externalAccountId,omitempty"`
	DisplayHandle     string       `json:"displayHandle,omitempty"`
	LastError         string       `json:"lastError,omitempty"`
	ConnectedAt       time.Time    `json:"connectedAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Identity returns the account the session is connected as.
func (r Record) Identity() channel.Identity {
	return channel.Identity{AccountID: r.ExternalAccountID, Handle: r.DisplayHandle}
}

// StatusChange is the payload of connection.status events.
type StatusChange struct {
	From      Status `json:"from"`
	To        Status `json:"to"`
	LastError string `json:"lastError,omitempty"`
}

// Store persists records so sessions survive restarts.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]Record, error)
}

// transitions lists the allowed edges. Error is reachable from anywhere and
// is left only through Reset.
var transitions = map[Status][]Status{
	StatusDisconnected:     {StatusHandshakePending},
	StatusHandshakePending: {StatusHandshakePending, StatusConnected, StatusDisconnected},
	StatusConnected:        {StatusReconnecting, StatusDisconnected},
	StatusReconnecting:     {StatusConnected, StatusDisconnected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	if to == StatusError {
		return from != StatusError
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
