// Package handshake drives the connect ritual for a session: an OAuth
// redirect and callback for token channels, or a QR/pairing code confirmed by
// the remote device for pairing channels. A completed handshake moves the
// session to connected with a validated identity.
package handshake

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/event"
)

const (
	DefaultTTL      = 5 * time.Minute
	sweepSpec       = "@every 1m"
	qrImageSize     = 256
	providerTimeout = 20 * time.Second
)

// Handle is an in-flight handshake.
type Handle struct {
	ID          string       `json:"handleId"`
	SessionID   string       `json:"sessionId"`
	Kind        channel.Kind `json:"channelKind"`
	AuthURL     string       `json:"authUrl,omitempty"`
	PairingCode string       `json:"pairingCode,omitempty"`
	QRCode      string       `json:"qrCode,omitempty"`
	QRImage     string       `json:"qrImage,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
}

// BeginOptions tweaks how a handshake starts.
type BeginOptions struct {
	// PhoneNumber asks pairing channels for a pairing code instead of a QR code.
	PhoneNumber string
}

// Options configures an Exchange.
type Options struct {
	TTL             time.Duration
	ProviderTimeout time.Duration
}

// Exchange issues and completes handshakes.
type Exchange struct {
	logger    *slog.Logger
	registry  *connection.Registry
	adapters  *channel.Registry
	publisher event.Publisher
	ttl       time.Duration
	timeout   time.Duration
	now       func() time.Time

	mu        sync.Mutex
	handles   map[string]*Handle
	bySession map[string]string

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewExchange creates an exchange and subscribes to pairing confirmations
// from every adapter that emits them.
func NewExchange(log *slog.Logger, registry *connection.Registry, adapters *channel.Registry, publisher event.Publisher, opts Options) *Exchange {
	if log == nil {
		log = slog.Default()
	}
	if publisher == nil {
		publisher = event.Nop{}
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = providerTimeout
	}
	e := &Exchange{
		logger:    log.With(slog.String("component", "handshake")),
		registry:  registry,
		adapters:  adapters,
		publisher: publisher,
		ttl:       opts.TTL,
		timeout:   opts.ProviderTimeout,
		now:       time.Now,
		handles:   map[string]*Handle{},
		bySession: map[string]string{},
	}
	for _, kind := range adapters.Kinds() {
		adapter, _ := adapters.Get(kind)
		if notifier, ok := adapter.(channel.PairingNotifier); ok {
			notifier.OnPairingConfirmed(e.ConfirmPairing)
		}
		if notifier, ok := adapter.(channel.QRNotifier); ok {
			notifier.OnQRRefreshed(e.Refresh)
		}
	}
	return e
}

// TTL returns the handshake lifetime.
func (e *Exchange) TTL() time.Duration {
	return e.ttl
}

// Begin starts a handshake for sessionID. A pending handshake for the same
// session is superseded. Live sessions are refused.
func (e *Exchange) Begin(ctx context.Context, sessionID string, kind channel.Kind, opts BeginOptions) (Handle, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Handle{}, channel.InvalidInput("session id is required", nil)
	}
	adapter, err := e.adapters.Require(kind)
	if err != nil {
		return Handle{}, err
	}
	hs, ok := adapter.(channel.Handshaker)
	if !ok {
		return Handle{}, channel.NewError(channel.CodeUnsupported, fmt.Sprintf("channel %s has no handshake", kind), nil)
	}
	if _, err := e.registry.Reset(ctx, sessionID, kind); err != nil {
		return Handle{}, err
	}
	if _, err := e.registry.TransitionFrom(ctx, sessionID,
		[]connection.Status{connection.StatusDisconnected, connection.StatusHandshakePending},
		connection.StatusHandshakePending, nil); err != nil {
		return Handle{}, err
	}

	now := e.now().UTC()
	h := &Handle{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}
	// Register before calling the adapter: pairing confirmations can arrive
	// as soon as the code is issued.
	e.mu.Lock()
	if old, ok := e.bySession[sessionID]; ok {
		delete(e.handles, old)
	}
	e.handles[h.ID] = h
	e.bySession[sessionID] = h.ID
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	challenge, err := hs.BeginHandshake(callCtx, channel.HandshakeRequest{
		SessionID:   sessionID,
		HandleID:    h.ID,
		PhoneNumber: strings.TrimSpace(opts.PhoneNumber),
	})
	cancel()
	if err != nil {
		e.fail(ctx, h, fmt.Errorf("begin handshake: %w", err))
		return Handle{}, err
	}

	e.mu.Lock()
	h.AuthURL = challenge.AuthURL
	h.PairingCode = challenge.PairingCode
	h.QRCode = challenge.QRCode
	if challenge.QRCode != "" {
		if img, err := renderQR(challenge.QRCode); err == nil {
			h.QRImage = img
		} else {
			e.logger.Warn("render qr failed", slog.String("session_id", sessionID), slog.Any("error", err))
		}
	}
	out := *h
	e.mu.Unlock()

	e.logger.Info("handshake started",
		slog.String("session_id", sessionID),
		slog.String("handle_id", h.ID),
		slog.String("kind", kind.String()),
	)
	e.publisher.Publish(event.New(event.TypeHandshakeStarted, sessionID, map[string]any{
		"handleId":  h.ID,
		"kind":      kind,
		"expiresAt": h.ExpiresAt,
	}))
	return out, nil
}

// Refresh updates the QR payload of a pending pairing handshake. Pairing
// channels rotate QR codes several times within one handshake.
func (e *Exchange) Refresh(sessionID, qr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[e.bySession[sessionID]]
	if !ok {
		return
	}
	h.QRCode = qr
	if img, err := renderQR(qr); err == nil {
		h.QRImage = img
	}
}

// Complete finishes the handshake identified by handleID with the provider
// payload. Expired or rejected handshakes move the session back to
// disconnected; the caller has to Begin again.
func (e *Exchange) Complete(ctx context.Context, handleID string, payload map[string]string) (connection.Record, error) {
	handleID = strings.TrimSpace(handleID)
	e.mu.Lock()
	h, ok := e.handles[handleID]
	if ok {
		e.removeLocked(h)
	}
	e.mu.Unlock()
	if !ok {
		return connection.Record{}, channel.NewError(channel.CodeHandshakeExpired, "unknown or expired handshake handle", nil)
	}

	if e.now().After(h.ExpiresAt) {
		err := channel.NewError(channel.CodeHandshakeExpired, "handshake expired", nil)
		e.fail(ctx, h, err)
		return connection.Record{}, err
	}
	if reason := strings.TrimSpace(payload["error"]); reason != "" {
		err := channel.NotActive("Connection not active", errors.New(reason))
		e.fail(ctx, h, err)
		return connection.Record{}, err
	}

	adapter, err := e.adapters.Require(h.Kind)
	if err != nil {
		e.fail(ctx, h, err)
		return connection.Record{}, err
	}
	hs, ok := adapter.(channel.Handshaker)
	if !ok {
		err := channel.NewError(channel.CodeUnsupported, fmt.Sprintf("channel %s has no handshake", h.Kind), nil)
		e.fail(ctx, h, err)
		return connection.Record{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := hs.CompleteHandshake(callCtx, channel.HandshakeCompletion{
		SessionID: h.SessionID,
		HandleID:  h.ID,
		Payload:   payload,
	}); err != nil {
		err = asNotActive(err)
		e.fail(ctx, h, err)
		return connection.Record{}, err
	}
	identity, err := adapter.FetchIdentity(callCtx, h.SessionID)
	if err != nil {
		err = asNotActive(err)
		e.fail(ctx, h, err)
		return connection.Record{}, err
	}

	rec, err := e.registry.Transition(ctx, h.SessionID, connection.StatusHandshakePending, connection.StatusConnected, func(r *connection.Record) {
		r.ExternalAccountID = identity.AccountID
		r.DisplayHandle = identity.Handle
	})
	if err != nil {
		// The session moved on (disconnected or superseded) while we waited
		// on the provider.
		hs.AbortHandshake(ctx, h.SessionID)
		return connection.Record{}, err
	}

	e.logger.Info("handshake completed",
		slog.String("session_id", h.SessionID),
		slog.String("account_id", identity.AccountID),
	)
	e.publisher.Publish(event.New(event.TypeHandshakeCompleted, h.SessionID, map[string]any{
		"handleId":  h.ID,
		"accountId": identity.AccountID,
		"handle":    identity.Handle,
	}))
	return rec, nil
}

// ConfirmPairing completes the session's pending handshake. Pairing adapters
// call it when the remote device approves.
func (e *Exchange) ConfirmPairing(ctx context.Context, sessionID string) {
	e.mu.Lock()
	handleID, ok := e.bySession[sessionID]
	e.mu.Unlock()
	if !ok {
		e.logger.Warn("pairing confirmed without pending handshake", slog.String("session_id", sessionID))
		return
	}
	if _, err := e.Complete(ctx, handleID, nil); err != nil {
		e.logger.Warn("pairing completion failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

// Pending returns the session's in-flight handshake, if any.
func (e *Exchange) Pending(sessionID string) (Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[e.bySession[sessionID]]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Cancel drops the session's pending handshake without touching its status.
func (e *Exchange) Cancel(ctx context.Context, sessionID string) bool {
	e.mu.Lock()
	h, ok := e.handles[e.bySession[sessionID]]
	if ok {
		e.removeLocked(h)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	if adapter, found := e.adapters.Get(h.Kind); found {
		if hs, isHS := adapter.(channel.Handshaker); isHS {
			hs.AbortHandshake(ctx, sessionID)
		}
	}
	return true
}

// Sweep expires every handshake past its TTL and returns how many it removed.
func (e *Exchange) Sweep(ctx context.Context) int {
	now := e.now()
	e.mu.Lock()
	var expired []*Handle
	for _, h := range e.handles {
		if now.After(h.ExpiresAt) {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		e.removeLocked(h)
	}
	e.mu.Unlock()

	for _, h := range expired {
		e.fail(ctx, h, channel.NewError(channel.CodeHandshakeExpired, "handshake expired", nil))
	}
	return len(expired)
}

// Start schedules the periodic sweep.
func (e *Exchange) Start() error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(sweepSpec, func() {
		if n := e.Sweep(context.Background()); n > 0 {
			e.logger.Info("expired handshakes swept", slog.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule handshake sweep: %w", err)
	}
	c.Start()
	e.cron = c
	return nil
}

// Stop halts the sweep and waits for a running sweep to finish.
func (e *Exchange) Stop(ctx context.Context) {
	e.cronMu.Lock()
	c := e.cron
	e.cron = nil
	e.cronMu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (e *Exchange) removeLocked(h *Handle) {
	delete(e.handles, h.ID)
	if e.bySession[h.SessionID] == h.ID {
		delete(e.bySession, h.SessionID)
	}
}

// fail returns the session to disconnected and tells subscribers why.
func (e *Exchange) fail(ctx context.Context, h *Handle, cause error) {
	e.mu.Lock()
	e.removeLocked(h)
	e.mu.Unlock()

	if adapter, ok := e.adapters.Get(h.Kind); ok {
		if hs, isHS := adapter.(channel.Handshaker); isHS {
			hs.AbortHandshake(ctx, h.SessionID)
		}
	}
	_, err := e.registry.Transition(ctx, h.SessionID, connection.StatusHandshakePending, connection.StatusDisconnected, func(r *connection.Record) {
		r.LastError = cause.Error()
	})
	if err != nil && !errors.Is(err, connection.ErrConflict) {
		e.logger.Warn("reset session after failed handshake", slog.String("session_id", h.SessionID), slog.Any("error", err))
	}
	e.logger.Warn("handshake failed",
		slog.String("session_id", h.SessionID),
		slog.String("handle_id", h.ID),
		slog.Any("error", cause),
	)
	e.publisher.Publish(event.New(event.TypeHandshakeFailed, h.SessionID, map[string]any{
		"handleId": h.ID,
		"code":     channel.Classify(cause),
		"error":    cause.Error(),
	}))
}

// asNotActive maps provider rejections onto NotActive, keeping transient
// errors as they are.
func asNotActive(err error) error {
	switch channel.Classify(err) {
	case channel.CodeAuthRevoked, channel.CodeInvalidInput:
		return channel.NotActive("Connection not active", err)
	default:
		return err
	}
}

func renderQR(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
