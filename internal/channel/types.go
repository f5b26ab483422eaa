// Package channel provides the abstraction over external direct-messaging channels.
// It defines the shared message types, the adapter contract, typed provider errors,
// and a registry keyed by channel kind.
package channel

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies how a channel is connected: through an OAuth-issued token or
// through a device pairing ritual (QR code or pairing code).
type Kind string

const (
	KindToken   Kind = "token"
	KindPairing Kind = "pairing"
)

// String returns the kind as a plain string.
func (k Kind) String() string {
	return string(k)
}

// ParseKind normalizes user input into a Kind. Channel names are accepted as aliases.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "token", "instagram", "oauth":
		return KindToken, nil
	case "pairing", "whatsapp", "qr":
		return KindPairing, nil
	default:
		return "", fmt.Errorf("unknown channel kind %q", raw)
	}
}

// Identity is the account a session is connected as.
type Identity struct {
	AccountID   string `json:"accountId"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
}

// Conversation is a direct-message thread as listed by the provider.
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participantId,omitempty"`
	Name          string    `json:"name,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Message is a single direct message. FromSelf is set for messages sent by the
// connected account itself.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	RecipientID    string    `json:"recipientId,omitempty"`
	Text           string    `json:"text"`
	Attachments    []string  `json:"attachments,omitempty"`
	FromSelf       bool      `json:"fromSelf"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ReplyKind selects how a reply is rendered on the channel.
type ReplyKind string

const (
	ReplyText  ReplyKind = "text"
	ReplyImage ReplyKind = "image"
)

// ReplyPayload is what the agent wants sent back.
type ReplyPayload struct {
	Kind     ReplyKind `json:"kind"`
	Text     string    `json:"text,omitempty"`
	ImageURL string    `json:"imageUrl,omitempty"`
	Caption  string    `json:"caption,omitempty"`
}

// Validate checks the payload carries what its kind requires.
func (p ReplyPayload) Validate() error {
	switch p.Kind {
	case ReplyText, "":
		if strings.TrimSpace(p.Text) == "" {
			return InvalidInput("reply text is empty", nil)
		}
	case ReplyImage:
		if strings.TrimSpace(p.ImageURL) == "" {
			return InvalidInput("reply image url is empty", nil)
		}
	default:
		return InvalidInput(fmt.Sprintf("unsupported reply kind %q", p.Kind), nil)
	}
	return nil
}

// IsEmpty reports whether there is nothing to deliver.
func (p ReplyPayload) IsEmpty() bool {
	return strings.TrimSpace(p.Text) == "" && strings.TrimSpace(p.ImageURL) == ""
}

// TextReply is shorthand for a text payload.
func TextReply(text string) ReplyPayload {
	return ReplyPayload{Kind: ReplyText, Text: text}
}

// HandshakeRequest starts a connect ritual for one session. HandleID is the
// exchange-issued correlation id the provider must echo back (OAuth state).
type HandshakeRequest struct {
	SessionID   string
	HandleID    string
	PhoneNumber string
}

// HandshakeChallenge is what the user has to act on to finish connecting.
type HandshakeChallenge struct {
	AuthURL     string
	PairingCode string
	QRCode      string
}

// HandshakeCompletion carries the provider payload received on callback.
type HandshakeCompletion struct {
	SessionID string
	HandleID  string
	Payload   map[string]string
}

// Value returns the trimmed payload value for key.
func (c HandshakeCompletion) Value(key string) string {
	if c.Payload == nil {
		return ""
	}
	return strings.TrimSpace(c.Payload[key])
}
