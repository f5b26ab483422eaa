package handshake

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/channel/channeltest"
	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/event"
)

type fixture struct {
	exchange *Exchange
	registry *connection.Registry
	token    *channeltest.Adapter
	pairing  *channeltest.Adapter
	hub      *event.Hub
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := event.NewHub(nil)
	registry := connection.NewRegistry(nil, hub, nil)
	adapters := channel.NewRegistry()
	token := channeltest.New(channel.KindToken)
	pairing := channeltest.New(channel.KindPairing)
	adapters.MustRegister(token)
	adapters.MustRegister(pairing)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ex := NewExchange(nil, registry, adapters, hub, Options{TTL: 5 * time.Minute})
	ex.now = clock.Now
	return &fixture{exchange: ex, registry: registry, token: token, pairing: pairing, hub: hub, clock: clock}
}

func TestTokenHandshakeConnectsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, events, cancel := f.hub.Subscribe("biz-1", 16)
	defer cancel()

	h, err := f.exchange.Begin(ctx, "biz-1", channel.KindToken, BeginOptions{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !strings.Contains(h.AuthURL, "state="+h.ID) {
		t.Fatalf("auth url should carry the handle as state: %s", h.AuthURL)
	}
	if !h.ExpiresAt.Equal(h.CreatedAt.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", h.ExpiresAt)
	}
	if rec, _ := f.registry.Get("biz-1"); rec.Status != connection.StatusHandshakePending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}

	rec, err := f.exchange.Complete(ctx, h.ID, map[string]string{"code": "abc", "account_id": "acct_1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.Status != connection.StatusConnected || rec.ExternalAccountID != "acct_1" || rec.DisplayHandle != "@acct_1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, ok := f.exchange.Pending("biz-1"); ok {
		t.Fatal("handle should be consumed")
	}

	var types []event.Type
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []event.Type{
		event.TypeConnectionStatus, event.TypeHandshakeStarted,
		event.TypeConnectionStatus, event.TypeHandshakeCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("unexpected events %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: want %s got %s", i, want[i], types[i])
		}
	}
}

func TestCompleteAfterTTLIsExpired(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	h, err := f.exchange.Begin(ctx, "biz-1", channel.KindToken, BeginOptions{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	f.clock.Advance(5*time.Minute + time.Second)

	_, err = f.exchange.Complete(ctx, h.ID, map[string]string{"code": "abc"})
	if !errors.Is(err, channel.ErrHandshakeExpired) {
		t.Fatalf("expected handshake expired, got %v", err)
	}
	rec, _ := f.registry.Get("biz-1")
	if rec.Status != connection.StatusDisconnected || rec.LastError == "" {
		t.Fatalf("expected disconnected with error, got %+v", rec)
	}
	if _, err := f.exchange.Complete(ctx, h.ID, nil); !errors.Is(err, channel.ErrHandshakeExpired) {
		t.Fatalf("reused handle should be rejected, got %v", err)
	}
}

func TestProviderRejectionIsNotActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.token.FailComplete(channel.AuthRevoked("status PENDING", nil))

	h, _ := f.exchange.Begin(ctx, "biz-1", channel.KindToken, BeginOptions{})
	_, err := f.exchange.Complete(ctx, h.ID, map[string]string{"code": "abc"})
	if !errors.Is(err, channel.ErrNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
	if rec, _ := f.registry.Get("biz-1"); rec.Status != connection.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", rec.Status)
	}
	if len(f.token.Aborted()) == 0 {
		t.Fatal("adapter handshake should be aborted")
	}
}

func TestOAuthDenialIsNotActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h, _ := f.exchange.Begin(context.Background(), "biz-1", channel.KindToken, BeginOptions{})
	_, err := f.exchange.Complete(context.Background(), h.ID, map[string]string{"error": "access_denied"})
	if !errors.Is(err, channel.ErrNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
}

func TestBeginSupersedesPendingHandle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	first, _ := f.exchange.Begin(ctx, "biz-1", channel.KindToken, BeginOptions{})
	second, err := f.exchange.Begin(ctx, "biz-1", channel.KindToken, BeginOptions{})
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if _, err := f.exchange.Complete(ctx, first.ID, nil); !errors.Is(err, channel.ErrHandshakeExpired) {
		t.Fatalf("superseded handle should be rejected, got %v", err)
	}
	if rec, _ := f.registry.Get("biz-1"); rec.Status != connection.StatusHandshakePending {
		t.Fatalf("stale completion must not disturb the new handshake, got %s", rec.Status)
	}
	if _, err := f.exchange.Complete(ctx, second.ID, nil); err != nil {
		t.Fatalf("complete second: %v", err)
	}
}

func TestBeginRefusesLiveSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	h, _ := f.exchange.Begin(ctx, "biz-1", channel.KindToken, BeginOptions{})
	if _, err := f.exchange.Complete(ctx, h.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.exchange.Begin(ctx, "biz-1", channel.KindToken, BeginOptions{}); !errors.Is(err, connection.ErrAlreadyConnected) {
		t.Fatalf("expected already connected, got %v", err)
	}
}

func TestBeginAfterErrorStartsFresh(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	h, _ := f.exchange.Begin(ctx, "biz-1", channel.KindToken, BeginOptions{})
	if _, err := f.exchange.Complete(ctx, h.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.registry.Transition(ctx, "biz-1", connection.StatusConnected, connection.StatusError, nil); err != nil {
		t.Fatalf("to error: %v", err)
	}
	if _, err := f.exchange.Begin(ctx, "biz-1", channel.KindToken, BeginOptions{}); err != nil {
		t.Fatalf("begin after error: %v", err)
	}
}

func TestPairingConfirmationCompletesHandshake(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	h, err := f.exchange.Begin(ctx, "biz-2", channel.KindPairing, BeginOptions{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if h.QRCode == "" || !strings.HasPrefix(h.QRImage, "data:image/png;base64,") {
		t.Fatalf("expected qr payload and image, got %+v", h)
	}

	f.pairing.ConfirmPairing(ctx, "biz-2")

	rec, _ := f.registry.Get("biz-2")
	if rec.Status != connection.StatusConnected || rec.ChannelKind != channel.KindPairing {
		t.Fatalf("expected connected pairing session, got %+v", rec)
	}
}

func TestSweepExpiresAbandonedHandshakes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.exchange.Begin(ctx, "biz-1", channel.KindToken, BeginOptions{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if n := f.exchange.Sweep(ctx); n != 0 {
		t.Fatalf("nothing should expire yet, swept %d", n)
	}
	f.clock.Advance(6 * time.Minute)
	if n := f.exchange.Sweep(ctx); n != 1 {
		t.Fatalf("expected one expired handle, swept %d", n)
	}
	if rec, _ := f.registry.Get("biz-1"); rec.Status != connection.StatusDisconnected {
		t.Fatalf("expected disconnected after sweep, got %s", rec.Status)
	}
}

func TestStartStopSweeper(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.exchange.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.exchange.Start(); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.exchange.Stop(ctx)
}
