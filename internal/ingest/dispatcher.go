// Package ingest pulls new inbound messages for a session, hands each one to
// the agent exactly once and delivers the reply back through the channel.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/memohai/dmbridge/internal/agent"
	"github.com/memohai/dmbridge/internal/agentconfig"
	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/event"
	"github.com/memohai/dmbridge/internal/prune"
	"github.com/memohai/dmbridge/internal/seen"
)

const (
	DefaultConversationLimit = 25
	DefaultMessageLimit      = 25
	DefaultCallTimeout       = 20 * time.Second
)

// ConfigSource resolves the enabled agent config of a session.
type ConfigSource interface {
	RequireEnabled(ctx context.Context, sessionID string) (agentconfig.Config, error)
}

// Options bounds what a single tick fetches.
type Options struct {
	ConversationLimit int
	MessageLimit      int
	CallTimeout       time.Duration
	// HistoryBytes bounds the conversation history passed to the agent.
	HistoryBytes int
}

// Result summarises one tick.
type Result struct {
	Fetched    int `json:"fetched"`
	Dispatched int `json:"dispatched"`
	Delivered  int `json:"delivered"`
	Discarded  int `json:"discarded"`
	// Skipped counts messages the agent chose not to answer.
	Skipped int `json:"skipped"`
	// Dropped counts messages given up on after a non-retryable failure.
	Dropped int `json:"dropped"`
	Failed  int `json:"failed"`
}

// Dispatcher runs the fetch, reply and deliver pipeline for one session at a time.
// The caller guarantees ticks for the same session never overlap.
type Dispatcher struct {
	logger    *slog.Logger
	adapters  *channel.Registry
	registry  *connection.Registry
	configs   ConfigSource
	runtime   agent.Runtime
	seen      *seen.Set
	publisher event.Publisher
	opts      Options
}

func NewDispatcher(
	log *slog.Logger,
	adapters *channel.Registry,
	registry *connection.Registry,
	configs ConfigSource,
	runtime agent.Runtime,
	seenSet *seen.Set,
	publisher event.Publisher,
	opts Options,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if publisher == nil {
		publisher = event.Nop{}
	}
	if opts.ConversationLimit <= 0 {
		opts.ConversationLimit = DefaultConversationLimit
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = DefaultMessageLimit
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.HistoryBytes <= 0 {
		opts.HistoryBytes = prune.DefaultHistoryBytes
	}
	return &Dispatcher{
		logger:    log.With(slog.String("component", "dispatcher")),
		adapters:  adapters,
		registry:  registry,
		configs:   configs,
		runtime:   runtime,
		seen:      seenSet,
		publisher: publisher,
		opts:      opts,
	}
}

// batch is the output of a fetch: new messages oldest first plus the
// conversation history they were found in.
type batch struct {
	record   connection.Record
	adapter  channel.Adapter
	messages []channel.Message
	history  map[string][]channel.Message
}

// FetchNewMessages returns inbound messages newer than the session's
// watermark, oldest first.
func (d *Dispatcher) FetchNewMessages(ctx context.Context, sessionID string) ([]channel.Message, error) {
	b, err := d.fetch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return b.messages, nil
}

func (d *Dispatcher) fetch(ctx context.Context, sessionID string) (batch, error) {
	rec, err := d.registry.Get(sessionID)
	if err != nil {
		return batch{}, err
	}
	adapter, err := d.adapters.Require(rec.ChannelKind)
	if err != nil {
		return batch{}, err
	}
	watermark := d.seen.Watermark(ctx, sessionID)
	if watermark.IsZero() && !rec.ConnectedAt.IsZero() {
		// Nothing handled yet: start at the connect time rather than
		// answering the whole inbox history.
		d.seen.Advance(ctx, sessionID, rec.ConnectedAt)
		watermark = d.seen.Watermark(ctx, sessionID)
	}

	listCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	convs, err := adapter.ListConversations(listCtx, sessionID, d.opts.ConversationLimit)
	cancel()
	if err != nil {
		return batch{}, wrapTimeout("list conversations", err)
	}

	out := batch{record: rec, adapter: adapter, history: map[string][]channel.Message{}}
	for _, conv := range convs {
		msgCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
		msgs, err := adapter.ListMessages(msgCtx, sessionID, conv.ID, d.opts.MessageLimit)
		cancel()
		if err != nil {
			return batch{}, wrapTimeout(fmt.Sprintf("list messages of %s", conv.ID), err)
		}
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
		out.history[conv.ID] = msgs
		for _, m := range msgs {
			if m.ConversationID == "" {
				m.ConversationID = conv.ID
			}
			if m.FromSelf || (rec.ExternalAccountID != "" && m.SenderID == rec.ExternalAccountID) {
				continue
			}
			if !d.seen.IsNew(sessionID, m.ID, m.CreatedAt, watermark) {
				continue
			}
			out.messages = append(out.messages, m)
		}
	}
	sort.SliceStable(out.messages, func(i, j int) bool {
		return out.messages[i].CreatedAt.Before(out.messages[j].CreatedAt)
	})
	return out, nil
}

// ProcessTick fetches new messages, generates and delivers replies, marks the
// conversations seen and advances the watermark over the delivered prefix.
// It returns the first error that should count against the session;
// AuthRevoked aborts the tick immediately.
func (d *Dispatcher) ProcessTick(ctx context.Context, sessionID string) (Result, error) {
	var res Result
	cfg, err := d.configs.RequireEnabled(ctx, sessionID)
	if err != nil {
		return res, err
	}
	b, err := d.fetch(ctx, sessionID)
	if err != nil {
		return res, err
	}
	res.Fetched = len(b.messages)

	var (
		firstErr   error
		blocked    bool
		advanceTo  time.Time
		recipients []string
		marked     = map[string]bool{}
	)
	for _, m := range b.messages {
		if d.seen.Done(sessionID, m.ID) {
			if !blocked {
				advanceTo = m.CreatedAt
			}
			continue
		}
		claim, ok := d.seen.Claim(sessionID, m.ID)
		if !ok {
			blocked = true
			continue
		}

		reply := claim.Reply
		if !claim.Cached {
			d.publisher.Publish(event.New(event.TypeMessageReceived, sessionID, map[string]any{
				"messageId":      m.ID,
				"conversationId": m.ConversationID,
				"senderId":       m.SenderID,
			}))
			reply, err = d.generate(ctx, sessionID, cfg, b, m)
			if err != nil && channel.IsPermanent(err) {
				d.drop(sessionID, m, "generate reply", err)
				res.Dropped++
				if !blocked {
					advanceTo = m.CreatedAt
				}
				continue
			}
			if err != nil {
				d.seen.Release(sessionID, m.ID)
				res.Failed++
				blocked = true
				if firstErr == nil {
					firstErr = err
				}
				d.logger.Warn("generate reply failed",
					slog.String("session_id", sessionID),
					slog.String("message_id", m.ID),
					slog.Any("error", err),
				)
				continue
			}
			res.Dispatched++
			if reply.IsEmpty() {
				d.seen.Delivered(sessionID, m.ID, m.CreatedAt)
				res.Skipped++
				if !blocked {
					advanceTo = m.CreatedAt
				}
				d.logger.Debug("agent returned no reply",
					slog.String("session_id", sessionID),
					slog.String("message_id", m.ID),
				)
				continue
			}
			d.seen.Replied(sessionID, m.ID, reply)
		}

		// The session may have been disconnected while the agent was thinking.
		cur, err := d.registry.Get(sessionID)
		if err != nil || !cur.Status.Live() {
			d.seen.Release(sessionID, m.ID)
			res.Discarded++
			d.logger.Info("reply discarded, session no longer connected",
				slog.String("session_id", sessionID),
				slog.String("message_id", m.ID),
			)
			d.publisher.Publish(event.New(event.TypeMessageDiscarded, sessionID, map[string]any{
				"messageId": m.ID,
				"reason":    "session not connected",
			}))
			break
		}

		if err := d.deliver(ctx, b.adapter, sessionID, m.SenderID, reply); err != nil {
			if channel.IsPermanent(err) {
				d.drop(sessionID, m, "deliver reply", err)
				res.Dropped++
				if !blocked {
					advanceTo = m.CreatedAt
				}
				continue
			}
			d.seen.Release(sessionID, m.ID)
			res.Failed++
			blocked = true
			d.logger.Warn("deliver reply failed",
				slog.String("session_id", sessionID),
				slog.String("message_id", m.ID),
				slog.Any("error", err),
			)
			if channel.IsAuthRevoked(err) {
				return res, err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.seen.Delivered(sessionID, m.ID, m.CreatedAt)
		res.Delivered++
		if !blocked {
			advanceTo = m.CreatedAt
		}
		if !marked[m.SenderID] {
			marked[m.SenderID] = true
			recipients = append(recipients, m.SenderID)
		}
		d.publisher.Publish(event.New(event.TypeMessageReplied, sessionID, map[string]any{
			"messageId":   m.ID,
			"recipientId": m.SenderID,
			"kind":        reply.Kind,
		}))
	}

	for _, rid := range recipients {
		markCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
		if err := b.adapter.MarkSeen(markCtx, sessionID, rid); err != nil {
			d.logger.Warn("mark seen failed",
				slog.String("session_id", sessionID),
				slog.String("recipient_id", rid),
				slog.Any("error", err),
			)
		}
		cancel()
	}
	if !advanceTo.IsZero() {
		d.seen.Advance(ctx, sessionID, advanceTo)
	}
	if res.Fetched > 0 {
		d.logger.Debug("tick processed",
			slog.String("session_id", sessionID),
			slog.Int("fetched", res.Fetched),
			slog.Int("delivered", res.Delivered),
			slog.Int("failed", res.Failed),
		)
	}
	return res, firstErr
}

// drop settles a message that can never succeed so it neither blocks the
// watermark nor counts against the session.
func (d *Dispatcher) drop(sessionID string, m channel.Message, op string, err error) {
	d.seen.Delivered(sessionID, m.ID, m.CreatedAt)
	d.logger.Warn(op+" failed permanently, message dropped",
		slog.String("session_id", sessionID),
		slog.String("message_id", m.ID),
		slog.String("code", string(channel.Classify(err))),
		slog.Any("error", err),
	)
	d.publisher.Publish(event.New(event.TypeMessageDiscarded, sessionID, map[string]any{
		"messageId": m.ID,
		"reason":    op + " failed",
		"code":      channel.Classify(err),
		"error":     err.Error(),
	}))
}

// generate returns an empty payload when the agent has nothing to say.
func (d *Dispatcher) generate(ctx context.Context, sessionID string, cfg agentconfig.Config, b batch, m channel.Message) (channel.ReplyPayload, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()
	reply, err := d.runtime.GenerateReply(callCtx, sessionID, agent.ConversationContext{
		SessionID:      sessionID,
		ConversationID: m.ConversationID,
		Prompt:         cfg.Prompt,
		Provider:       cfg.Provider,
		Account:        b.record.Identity(),
		Message:        m,
		History:        prune.History(b.history[m.ConversationID], d.opts.HistoryBytes),
	})
	if err != nil {
		return channel.ReplyPayload{}, wrapTimeout("generate reply", err)
	}
	if reply.IsEmpty() {
		return channel.ReplyPayload{}, nil
	}
	if reply.Kind == "" {
		reply.Kind = channel.ReplyText
	}
	if err := reply.Validate(); err != nil {
		return channel.ReplyPayload{}, err
	}
	return prune.Reply(reply, b.adapter.Descriptor().MaxTextBytes), nil
}

func (d *Dispatcher) deliver(ctx context.Context, adapter channel.Adapter, sessionID, recipientID string, reply channel.ReplyPayload) error {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()
	if err := adapter.Send(callCtx, sessionID, recipientID, reply); err != nil {
		return wrapTimeout("send reply", err)
	}
	return nil
}

// wrapTimeout turns deadline overruns into transient provider errors.
func wrapTimeout(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return channel.Transient(op+" timed out", err)
	}
	return err
}
