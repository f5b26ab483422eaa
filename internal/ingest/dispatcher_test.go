package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memohai/dmbridge/internal/agent"
	"github.com/memohai/dmbridge/internal/agentconfig"
	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/channel/channeltest"
	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/event"
	"github.com/memohai/dmbridge/internal/prune"
	"github.com/memohai/dmbridge/internal/seen"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	dispatcher *Dispatcher
	adapter    *channeltest.Adapter
	registry   *connection.Registry
	seen       *seen.Set
	configs    *agentconfig.Service
	hub        *event.Hub

	mu     sync.Mutex
	calls  map[string]int
	fail   map[string]error
	silent map[string]bool
	hook   func(msgID string)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{calls: map[string]int{}, fail: map[string]error{}, silent: map[string]bool{}}
	h.hub = event.NewHub(nil)
	h.registry = connection.NewRegistry(nil, h.hub, nil)
	h.adapter = channeltest.New(channel.KindToken)
	adapters := channel.NewRegistry()
	adapters.MustRegister(h.adapter)
	h.seen = seen.New(nil, 100, nil)
	h.configs = agentconfig.NewService(nil, agentconfig.NewMemoryStore(), "gateway")
	prompt := "be brief"
	if _, err := h.configs.Upsert(ctx, agentconfig.Update{SessionID: "biz-1", Prompt: &prompt}); err != nil {
		t.Fatalf("configure agent: %v", err)
	}

	if _, err := h.registry.Ensure(ctx, "biz-1", channel.KindToken); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := h.registry.Transition(ctx, "biz-1", connection.StatusDisconnected, connection.StatusHandshakePending, nil); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if _, err := h.registry.Transition(ctx, "biz-1", connection.StatusHandshakePending, connection.StatusConnected, func(r *connection.Record) {
		r.ExternalAccountID = "acct_1"
		r.ConnectedAt = t0.Add(-time.Hour)
	}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	runtime := agent.RuntimeFunc(func(_ context.Context, _ string, cc agent.ConversationContext) (channel.ReplyPayload, error) {
		h.mu.Lock()
		h.calls[cc.Message.ID]++
		err := h.fail[cc.Message.ID]
		delete(h.fail, cc.Message.ID)
		silent := h.silent[cc.Message.ID]
		hook := h.hook
		h.mu.Unlock()
		if hook != nil {
			hook(cc.Message.ID)
		}
		if err != nil {
			return channel.ReplyPayload{}, err
		}
		if silent {
			return channel.TextReply(""), nil
		}
		return channel.TextReply("re: " + cc.Message.Text), nil
	})
	h.dispatcher = NewDispatcher(nil, adapters, h.registry, h.configs, runtime, h.seen, h.hub, Options{})
	return h
}

func (h *harness) callsFor(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[id]
}

func inbound(id, sender string, at time.Time) channel.Message {
	return channel.Message{ID: id, SenderID: sender, Text: "hello " + id, CreatedAt: at}
}

func TestProcessTickDispatchesEachMessageOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.adapter.AddMessages("biz-1", "c1",
		inbound("m1", "u1", t0),
		inbound("m2", "u1", t0.Add(time.Second)),
		channel.Message{ID: "r0", SenderID: "acct_1", Text: "earlier reply", CreatedAt: t0.Add(-time.Minute)},
	)

	res, err := h.dispatcher.ProcessTick(ctx, "biz-1")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Fetched != 2 || res.Delivered != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := h.adapter.Sent()
	if len(sent) != 2 || sent[0].Reply.Text != "re: hello m1" || sent[1].Reply.Text != "re: hello m2" {
		t.Fatalf("unexpected sends %+v", sent)
	}
	if marked := h.adapter.Marked(); len(marked) != 1 || marked[0].RecipientID != "u1" {
		t.Fatalf("expected one mark-seen for u1, got %+v", marked)
	}

	// second tick sees the same messages and must not dispatch again
	res, err = h.dispatcher.ProcessTick(ctx, "biz-1")
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if res.Fetched != 0 {
		t.Fatalf("watermark should hide handled messages, got %+v", res)
	}
	if h.callsFor("m1") != 1 || h.callsFor("m2") != 1 {
		t.Fatalf("agent invoked more than once: %v", h.calls)
	}
	if got := h.seen.Watermark(ctx, "biz-1"); !got.Equal(t0.Add(time.Second)) {
		t.Fatalf("watermark = %v", got)
	}
}

func TestFetchNewMessagesOrdersAcrossConversations(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.adapter.AddMessages("biz-1", "c1", inbound("a2", "u1", t0.Add(2*time.Second)), inbound("a1", "u1", t0))
	h.adapter.AddMessages("biz-1", "c2", inbound("b1", "u2", t0.Add(time.Second)))

	msgs, err := h.dispatcher.FetchNewMessages(context.Background(), "biz-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if len(ids) != 3 || ids[0] != "a1" || ids[1] != "b1" || ids[2] != "a2" {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestAgentFailureReleasesClaimAndHoldsWatermark(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.adapter.AddMessages("biz-1", "c1", inbound("m1", "u1", t0), inbound("m2", "u1", t0.Add(time.Second)))
	h.fail["m1"] = channel.Transient("agent busy", nil)

	res, err := h.dispatcher.ProcessTick(ctx, "biz-1")
	if channel.Classify(err) != channel.CodeTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
	if res.Failed != 1 || res.Delivered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if wm := h.seen.Watermark(ctx, "biz-1"); !wm.Before(t0) {
		t.Fatalf("watermark must not pass an undelivered message, got %v", wm)
	}

	if _, err := h.dispatcher.ProcessTick(ctx, "biz-1"); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if h.callsFor("m1") != 2 || h.callsFor("m2") != 1 {
		t.Fatalf("unexpected agent calls %v", h.calls)
	}
	if len(h.adapter.Sent()) != 2 {
		t.Fatalf("expected two deliveries, got %d", len(h.adapter.Sent()))
	}
}

func TestFailedSendRedeliversCachedReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.adapter.AddMessages("biz-1", "c1", inbound("m1", "u1", t0))
	h.adapter.FailSend(channel.Transient("graph 503", nil))

	if _, err := h.dispatcher.ProcessTick(ctx, "biz-1"); err == nil {
		t.Fatal("expected send failure")
	}
	if h.seen.Pending("biz-1") != 1 {
		t.Fatal("reply should stay cached")
	}
	if _, err := h.dispatcher.ProcessTick(ctx, "biz-1"); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if h.callsFor("m1") != 1 {
		t.Fatalf("agent must not be asked again, calls=%d", h.callsFor("m1"))
	}
	if sent := h.adapter.Sent(); len(sent) != 1 || sent[0].Reply.Text != "re: hello m1" {
		t.Fatalf("unexpected sends %+v", sent)
	}
}

func TestAuthRevokedSendAbortsTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.adapter.AddMessages("biz-1", "c1", inbound("m1", "u1", t0), inbound("m2", "u1", t0.Add(time.Second)))
	h.adapter.FailSend(channel.AuthRevoked("token expired", nil))

	res, err := h.dispatcher.ProcessTick(context.Background(), "biz-1")
	if !channel.IsAuthRevoked(err) {
		t.Fatalf("expected auth revoked, got %v", err)
	}
	if h.callsFor("m2") != 0 || res.Delivered != 0 {
		t.Fatalf("tick should stop at the revoked send, result %+v", res)
	}
}

func TestDisconnectMidTickDiscardsDelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.adapter.AddMessages("biz-1", "c1", inbound("m1", "u1", t0))
	_, events, cancel := h.hub.Subscribe("biz-1", 16)
	defer cancel()
	h.hook = func(string) {
		if _, err := h.registry.Transition(ctx, "biz-1", connection.StatusConnected, connection.StatusDisconnected, nil); err != nil {
			t.Errorf("disconnect: %v", err)
		}
	}

	res, err := h.dispatcher.ProcessTick(ctx, "biz-1")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Dispatched != 1 || res.Discarded != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.adapter.Sent()) != 0 {
		t.Fatal("reply must not be delivered after disconnect")
	}
	var discarded bool
	for len(events) > 0 {
		if (<-events).Type == event.TypeMessageDiscarded {
			discarded = true
		}
	}
	if !discarded {
		t.Fatal("expected message.discarded event")
	}
}

func TestDisabledConfigIsConfigMissing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	off := false
	if _, err := h.configs.Upsert(context.Background(), agentconfig.Update{SessionID: "biz-1", Enabled: &off}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	_, err := h.dispatcher.ProcessTick(context.Background(), "biz-1")
	if !errors.Is(err, channel.ErrConfigMissing) {
		t.Fatalf("expected config missing, got %v", err)
	}
}

func TestConcurrentTicksNeverDispatchTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for i := 0; i < 20; i++ {
		h.adapter.AddMessages("biz-1", "c1", inbound(string(rune('a'+i)), "u1", t0.Add(time.Duration(i)*time.Second)))
	}
	var wg sync.WaitGroup
	var errs atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.dispatcher.ProcessTick(context.Background(), "biz-1"); err != nil {
				errs.Add(1)
			}
		}()
	}
	wg.Wait()
	if errs.Load() != 0 {
		t.Fatalf("unexpected tick errors: %d", errs.Load())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, n := range h.calls {
		if n != 1 {
			t.Fatalf("message %s dispatched %d times", id, n)
		}
	}
	if len(h.calls) != 20 {
		t.Fatalf("expected 20 dispatched messages, got %d", len(h.calls))
	}
}

func TestRepliesAreClippedToChannelLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.adapter.SetMaxTextBytes(12)
	msg := inbound("m1", "u1", t0)
	msg.Text = strings.Repeat("x", 40)
	h.adapter.AddMessages("biz-1", "c1", msg)

	if _, err := h.dispatcher.ProcessTick(context.Background(), "biz-1"); err != nil {
		t.Fatalf("tick: %v", err)
	}
	sent := h.adapter.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one send, got %+v", sent)
	}
	if got := sent[0].Reply.Text; len(got) > 12 || !strings.HasSuffix(got, prune.Ellipsis) {
		t.Fatalf("reply not clipped: %q", got)
	}
}

func TestEmptyReplyIsSettledWithoutSending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.adapter.AddMessages("biz-1", "c1", inbound("m1", "u1", t0), inbound("m2", "u1", t0.Add(time.Second)))
	h.silent["m1"] = true

	for i := 0; i < 3; i++ {
		if _, err := h.dispatcher.ProcessTick(ctx, "biz-1"); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if h.callsFor("m1") != 1 {
		t.Fatalf("silent message offered to the agent %d times", h.callsFor("m1"))
	}
	if sent := h.adapter.Sent(); len(sent) != 1 || sent[0].Reply.Text != "re: hello m2" {
		t.Fatalf("unexpected sends %+v", sent)
	}
	if got := h.seen.Watermark(ctx, "biz-1"); !got.Equal(t0.Add(time.Second)) {
		t.Fatalf("watermark = %v", got)
	}
}

func TestPermanentAgentFailureDropsMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.adapter.AddMessages("biz-1", "c1", inbound("m1", "u1", t0), inbound("m2", "u1", t0.Add(time.Second)))
	h.fail["m1"] = channel.InvalidInput("unsupported reply kind", nil)
	_, events, cancel := h.hub.Subscribe("biz-1", 32)
	defer cancel()

	res, err := h.dispatcher.ProcessTick(ctx, "biz-1")
	if err != nil {
		t.Fatalf("permanent failures must not count against the session: %v", err)
	}
	if res.Dropped != 1 || res.Delivered != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := h.dispatcher.ProcessTick(ctx, "biz-1"); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if h.callsFor("m1") != 1 {
		t.Fatalf("dropped message retried, calls=%d", h.callsFor("m1"))
	}
	if got := h.seen.Watermark(ctx, "biz-1"); !got.Equal(t0.Add(time.Second)) {
		t.Fatalf("watermark = %v", got)
	}
	var discarded bool
	for len(events) > 0 {
		if (<-events).Type == event.TypeMessageDiscarded {
			discarded = true
		}
	}
	if !discarded {
		t.Fatal("expected message.discarded event")
	}
}

func TestRejectedSendDropsMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.adapter.AddMessages("biz-1", "c1", inbound("m1", "u1", t0), inbound("m2", "u2", t0.Add(time.Second)))
	h.adapter.FailSend(channel.Rejected("outside messaging window", nil))

	res, err := h.dispatcher.ProcessTick(ctx, "biz-1")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Dropped != 1 || res.Delivered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := h.dispatcher.ProcessTick(ctx, "biz-1"); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if sent := h.adapter.Sent(); len(sent) != 1 || sent[0].RecipientID != "u2" {
		t.Fatalf("unexpected sends %+v", sent)
	}
	if h.callsFor("m1") != 1 {
		t.Fatalf("rejected message retried, calls=%d", h.callsFor("m1"))
	}
}

func TestStuckMessageDoesNotReplayLaterOnes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seen = seen.New(nil, 2, nil)
	ctx := context.Background()
	h.dispatcher = NewDispatcher(nil, h.dispatcher.adapters, h.registry, h.configs, h.dispatcher.runtime, h.seen, h.hub, Options{})
	h.adapter.AddMessages("biz-1", "c1",
		inbound("m0", "u1", t0),
		inbound("m1", "u1", t0.Add(time.Second)),
		inbound("m2", "u1", t0.Add(2*time.Second)),
		inbound("m3", "u1", t0.Add(3*time.Second)),
	)

	for i := 0; i < 3; i++ {
		h.mu.Lock()
		h.fail["m0"] = channel.Transient("agent busy", nil)
		h.mu.Unlock()
		if _, err := h.dispatcher.ProcessTick(ctx, "biz-1"); channel.Classify(err) != channel.CodeTransient {
			t.Fatalf("tick %d: expected transient error, got %v", i, err)
		}
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if n := h.callsFor(id); n != 1 {
			t.Fatalf("%s dispatched %d times", id, n)
		}
	}
	if n := len(h.adapter.Sent()); n != 3 {
		t.Fatalf("expected 3 sends, got %d", n)
	}
}

func TestFreshSessionIgnoresHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	old := t0.Add(-365 * 24 * time.Hour)
	h.adapter.AddMessages("biz-1", "c1",
		inbound("old1", "u1", old),
		inbound("old2", "u1", old.Add(time.Minute)),
		inbound("new1", "u1", t0),
	)

	res, err := h.dispatcher.ProcessTick(ctx, "biz-1")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Fetched != 1 || res.Delivered != 1 {
		t.Fatalf("history before the connect time must be ignored, got %+v", res)
	}
	if h.callsFor("old1") != 0 || h.callsFor("old2") != 0 {
		t.Fatalf("agent saw history: %v", h.calls)
	}
}
