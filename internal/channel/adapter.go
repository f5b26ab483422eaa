package channel

import (
	"context"
)

// Adapter is the contract every channel implementation fulfils. All calls are
// scoped to a session; adapters keep per-session credentials or clients
// internally and never touch connection state.
type Adapter interface {
	Kind() Kind
	Descriptor() Descriptor

	FetchIdentity(ctx context.Context, sessionID string) (Identity, error)
	ListConversations(ctx context.Context, sessionID string, limit int) ([]Conversation, error)
	ListMessages(ctx context.Context, sessionID, conversationID string, limit int) ([]Message, error)
	Send(ctx context.Context, sessionID, recipientID string, reply ReplyPayload) error
	MarkSeen(ctx context.Context, sessionID, recipientID string) error
	// Disconnect drops the session's credentials locally and, best effort, remotely.
	Disconnect(ctx context.Context, sessionID string) error
}

// Descriptor holds read-only metadata for a registered channel.
type Descriptor struct {
	Kind        Kind   `json:"kind"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	// SupportsImages is false for channels that can only deliver text.
	SupportsImages bool `json:"supportsImages"`
	// MaxTextBytes caps a single outgoing text; 0 means no limit.
	MaxTextBytes int `json:"maxTextBytes,omitempty"`
}

// Handshaker is implemented by adapters that run the connect ritual.
type Handshaker interface {
	BeginHandshake(ctx context.Context, req HandshakeRequest) (HandshakeChallenge, error)
	// CompleteHandshake validates the provider payload and stores the resulting
	// credentials for the session. The identity is fetched separately.
	CompleteHandshake(ctx context.Context, req HandshakeCompletion) error
	// AbortHandshake releases any resources held for an abandoned handshake.
	AbortHandshake(ctx context.Context, sessionID string)
}

// PairingConfirmFunc is invoked by pairing adapters when the remote device
// approves a pending pairing for a session.
type PairingConfirmFunc func(ctx context.Context, sessionID string)

// PairingNotifier is implemented by adapters that receive out-of-band pairing
// confirmations.
type PairingNotifier interface {
	OnPairingConfirmed(fn PairingConfirmFunc)
}

// QRRefreshFunc receives a rotated QR payload for a session's pending pairing.
type QRRefreshFunc func(sessionID, qr string)

// QRNotifier is implemented by pairing adapters whose QR codes rotate while
// the handshake is pending.
type QRNotifier interface {
	OnQRRefreshed(fn QRRefreshFunc)
}

// RevocationFunc is invoked when an adapter learns, outside of a poll, that a
// session's credentials were revoked (for example a remote logout).
type RevocationFunc func(ctx context.Context, sessionID string, cause error)

// RevocationNotifier is implemented by adapters that push revocations.
type RevocationNotifier interface {
	OnRevoked(fn RevocationFunc)
}

// Restorer is implemented by adapters that need to re-establish a live client
// for a session that was connected before the process restarted.
type Restorer interface {
	Restore(ctx context.Context, sessionID string, identity Identity) error
}
