// Package channeltest provides an in-memory channel adapter for tests.
package channeltest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/memohai/dmbridge/internal/channel"
)

// SentReply records one Send call.
type SentReply struct {
	SessionID   string
	RecipientID string
	Reply       channel.ReplyPayload
}

// Adapter is a scriptable channel adapter. Conversations and messages are
// seeded per session; errors can be queued per operation. It also implements
// channel.Handshaker and channel.PairingNotifier.
type Adapter struct {
	kind    channel.Kind
	maxText int

	mu            sync.Mutex
	identities    map[string]channel.Identity
	conversations map[string][]channel.Conversation
	messages      map[string]map[string][]channel.Message
	listErrs      []error
	sendErrs      []error
	completeErr   error
	sent          []SentReply
	marked        []SentReply
	disconnected  []string
	aborted       []string
	begun         []channel.HandshakeRequest
	listCalls     int

	// BeforeList, when set, runs at the start of every ListConversations call.
	// Tests use it to block a tick or count concurrent entries.
	BeforeList func(sessionID string)
	// BeforeSend runs before each Send is recorded.
	BeforeSend func(sessionID, recipientID string)

	confirm channel.PairingConfirmFunc
}

// New creates a fake adapter for kind.
func New(kind channel.Kind) *Adapter {
	return &Adapter{
		kind:          kind,
		identities:    map[string]channel.Identity{},
		conversations: map[string][]channel.Conversation{},
		messages:      map[string]map[string][]channel.Message{},
	}
}

func (a *Adapter) Kind() channel.Kind { return a.kind }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Kind: a.kind, Name: "fake-" + a.kind.String(), DisplayName: "Fake", SupportsImages: true, MaxTextBytes: a.maxText}
}

// SetMaxTextBytes sets the text limit reported by Descriptor. Call it before
// the adapter is shared.
func (a *Adapter) SetMaxTextBytes(n int) { a.maxText = n }

// SetIdentity seeds the identity returned for a session.
func (a *Adapter) SetIdentity(sessionID string, id channel.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identities[sessionID] = id
}

// AddMessages appends inbound messages to a conversation, creating it if needed.
func (a *Adapter) AddMessages(sessionID, conversationID string, msgs ...channel.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	found := false
	for _, c := range a.conversations[sessionID] {
		if c.ID == conversationID {
			found = true
			break
		}
	}
	if !found {
		a.conversations[sessionID] = append(a.conversations[sessionID], channel.Conversation{ID: conversationID})
	}
	if a.messages[sessionID] == nil {
		a.messages[sessionID] = map[string][]channel.Message{}
	}
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		a.messages[sessionID][conversationID] = append(a.messages[sessionID][conversationID], m)
	}
}

// FailList queues errors returned by subsequent ListConversations calls.
func (a *Adapter) FailList(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listErrs = append(a.listErrs, errs...)
}

// FailSend queues errors returned by subsequent Send calls.
func (a *Adapter) FailSend(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErrs = append(a.sendErrs, errs...)
}

// FailComplete makes CompleteHandshake return err.
func (a *Adapter) FailComplete(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completeErr = err
}

func (a *Adapter) FetchIdentity(_ context.Context, sessionID string) (channel.Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.identities[sessionID]
	if !ok {
		return channel.Identity{}, channel.AuthRevoked(fmt.Sprintf("no credentials for %s", sessionID), nil)
	}
	return id, nil
}

func (a *Adapter) ListConversations(_ context.Context, sessionID string, limit int) ([]channel.Conversation, error) {
	if hook := a.BeforeList; hook != nil {
		hook(sessionID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	if len(a.listErrs) > 0 {
		err := a.listErrs[0]
		a.listErrs = a.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	items := append([]channel.Conversation(nil), a.conversations[sessionID]...)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (a *Adapter) ListMessages(_ context.Context, sessionID, conversationID string, limit int) ([]channel.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	items := append([]channel.Message(nil), a.messages[sessionID][conversationID]...)
	// newest first, like the providers
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (a *Adapter) Send(_ context.Context, sessionID, recipientID string, reply channel.ReplyPayload) error {
	if hook := a.BeforeSend; hook != nil {
		hook(sessionID, recipientID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sendErrs) > 0 {
		err := a.sendErrs[0]
		a.sendErrs = a.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	a.sent = append(a.sent, SentReply{SessionID: sessionID, RecipientID: recipientID, Reply: reply})
	return nil
}

func (a *Adapter) MarkSeen(_ context.Context, sessionID, recipientID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marked = append(a.marked, SentReply{SessionID: sessionID, RecipientID: recipientID})
	return nil
}

func (a *Adapter) Disconnect(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnected = append(a.disconnected, sessionID)
	delete(a.identities, sessionID)
	return nil
}

func (a *Adapter) BeginHandshake(_ context.Context, req channel.HandshakeRequest) (channel.HandshakeChallenge, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.begun = append(a.begun, req)
	if a.kind == channel.KindPairing {
		return channel.HandshakeChallenge{QRCode: "2@fake-qr," + req.HandleID}, nil
	}
	return channel.HandshakeChallenge{AuthURL: "https://auth.example.test/authorize?state=" + req.HandleID}, nil
}

func (a *Adapter) CompleteHandshake(_ context.Context, req channel.HandshakeCompletion) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completeErr != nil {
		return a.completeErr
	}
	if _, ok := a.identities[req.SessionID]; !ok {
		account := req.Value("account_id")
		if account == "" {
			account = "acct_" + req.SessionID
		}
		a.identities[req.SessionID] = channel.Identity{AccountID: account, Handle: "@" + account}
	}
	return nil
}

func (a *Adapter) AbortHandshake(_ context.Context, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = append(a.aborted, sessionID)
}

func (a *Adapter) OnPairingConfirmed(fn channel.PairingConfirmFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirm = fn
}

// ConfirmPairing simulates the remote device approving the pairing.
func (a *Adapter) ConfirmPairing(ctx context.Context, sessionID string) {
	a.mu.Lock()
	fn := a.confirm
	a.mu.Unlock()
	if fn != nil {
		fn(ctx, sessionID)
	}
}

// Sent returns a copy of all recorded sends.
func (a *Adapter) Sent() []SentReply {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentReply(nil), a.sent...)
}

// Marked returns a copy of all recorded MarkSeen calls.
func (a *Adapter) Marked() []SentReply {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentReply(nil), a.marked...)
}

// Disconnected returns the sessions Disconnect was called for.
func (a *Adapter) Disconnected() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.disconnected...)
}

// Aborted returns the sessions AbortHandshake was called for.
func (a *Adapter) Aborted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.aborted...)
}

// Begun returns the handshake requests seen so far.
func (a *Adapter) Begun() []channel.HandshakeRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]channel.HandshakeRequest(nil), a.begun...)
}

// ListCalls counts ListConversations invocations.
func (a *Adapter) ListCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listCalls
}
