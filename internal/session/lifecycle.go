// Package session coordinates the per-session components behind the HTTP
// surface: agent config, polling, handshakes, adapter pass-through calls and
// teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/dmbridge/internal/agentconfig"
	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/handshake"
	"github.com/memohai/dmbridge/internal/poller"
	"github.com/memohai/dmbridge/internal/seen"
)

// ErrStartPollingFailed indicates that polling could not start after the
// agent config was written; the config change was rolled back.
var ErrStartPollingFailed = errors.New("start polling failed")

// View is the combined status of one session.
type View struct {
	connection.Record
	Polling   poller.TaskStatus `json:"polling"`
	Handshake *handshake.Handle `json:"handshake,omitempty"`
}

// StartPollingRequest starts polling, optionally writing the agent prompt first.
type StartPollingRequest struct {
	SessionID string
	Prompt    *string
	Interval  time.Duration
}

// Lifecycle is the session facade used by the handlers.
type Lifecycle struct {
	logger    *slog.Logger
	registry  *connection.Registry
	adapters  *channel.Registry
	exchange  *handshake.Exchange
	scheduler *poller.Scheduler
	configs   *agentconfig.Service
	seen      *seen.Set
}

// NewLifecycle wires the facade and subscribes to adapter revocations.
func NewLifecycle(
	log *slog.Logger,
	registry *connection.Registry,
	adapters *channel.Registry,
	exchange *handshake.Exchange,
	scheduler *poller.Scheduler,
	configs *agentconfig.Service,
	seenSet *seen.Set,
) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	l := &Lifecycle{
		logger:    log.With(slog.String("component", "session")),
		registry:  registry,
		adapters:  adapters,
		exchange:  exchange,
		scheduler: scheduler,
		configs:   configs,
		seen:      seenSet,
	}
	for _, kind := range adapters.Kinds() {
		adapter, _ := adapters.Get(kind)
		if notifier, ok := adapter.(channel.RevocationNotifier); ok {
			notifier.OnRevoked(l.Revoked)
		}
	}
	return l
}

// Status returns the session's record with its polling and handshake state.
func (l *Lifecycle) Status(sessionID string) (View, error) {
	rec, err := l.registry.Get(sessionID)
	if err != nil {
		return View{}, err
	}
	return l.view(rec), nil
}

// Sessions lists every known session.
func (l *Lifecycle) Sessions() []View {
	records := l.registry.List()
	out := make([]View, 0, len(records))
	for _, rec := range records {
		out = append(out, l.view(rec))
	}
	return out
}

func (l *Lifecycle) view(rec connection.Record) View {
	v := View{Record: rec, Polling: l.scheduler.Status(rec.SessionID)}
	if h, ok := l.exchange.Pending(rec.SessionID); ok {
		v.Handshake = &h
	}
	return v
}

// ConfigureAgent upserts the agent config. Disabling it stops polling.
func (l *Lifecycle) ConfigureAgent(ctx context.Context, u agentconfig.Update) (agentconfig.Config, error) {
	cfg, err := l.configs.Upsert(ctx, u)
	if err != nil {
		return agentconfig.Config{}, err
	}
	if !cfg.Enabled {
		l.scheduler.Stop(cfg.SessionID)
	}
	return cfg, nil
}

// AgentConfig returns the session's agent config.
func (l *Lifecycle) AgentConfig(ctx context.Context, sessionID string) (agentconfig.Config, error) {
	return l.configs.Get(ctx, sessionID)
}

// StartPolling writes the prompt when given, then starts the session's task.
// If the task cannot start, the config write is rolled back.
func (l *Lifecycle) StartPolling(ctx context.Context, req StartPollingRequest) (bool, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if req.Prompt == nil {
		return l.scheduler.Start(ctx, sessionID, req.Interval)
	}

	previous, err := l.configs.Get(ctx, sessionID)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, agentconfig.ErrNotFound) {
		return false, err
	}
	enabled := true
	if _, err := l.configs.Upsert(ctx, agentconfig.Update{SessionID: sessionID, Prompt: req.Prompt, Enabled: &enabled}); err != nil {
		return false, err
	}

	started, err := l.scheduler.Start(ctx, sessionID, req.Interval)
	if err == nil {
		return started, nil
	}
	if rollbackErr := l.rollbackConfig(ctx, sessionID, hadPrevious, previous); rollbackErr != nil {
		return false, fmt.Errorf("%w (rollback failed: %v): %w", ErrStartPollingFailed, rollbackErr, err)
	}
	return false, fmt.Errorf("%w: %w", ErrStartPollingFailed, err)
}

func (l *Lifecycle) rollbackConfig(ctx context.Context, sessionID string, hadPrevious bool, previous agentconfig.Config) error {
	if !hadPrevious {
		return l.configs.Delete(ctx, sessionID)
	}
	_, err := l.configs.Upsert(ctx, agentconfig.Update{
		SessionID: sessionID,
		Prompt:    &previous.Prompt,
		Provider:  &previous.Provider,
		Enabled:   &previous.Enabled,
	})
	return err
}

// StopPolling stops the session's task.
func (l *Lifecycle) StopPolling(sessionID string) bool {
	return l.scheduler.Stop(sessionID)
}

// Disconnect tears the session down: polling stops, any handshake is
// cancelled, the adapter drops the credentials (remote failures are
// tolerated) and the record is removed.
func (l *Lifecycle) Disconnect(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	rec, err := l.registry.Get(sessionID)
	if err != nil {
		return err
	}
	l.scheduler.Stop(sessionID)
	l.exchange.Cancel(ctx, sessionID)

	if adapter, ok := l.adapters.Get(rec.ChannelKind); ok {
		if err := adapter.Disconnect(ctx, sessionID); err != nil {
			l.logger.Warn("adapter disconnect failed",
				slog.String("session_id", sessionID),
				slog.Any("error", err),
			)
		}
	}
	if _, err := l.registry.TransitionFrom(ctx, sessionID,
		[]connection.Status{connection.StatusConnected, connection.StatusReconnecting, connection.StatusHandshakePending},
		connection.StatusDisconnected, nil); err != nil && !errors.Is(err, connection.ErrConflict) {
		return err
	}
	l.seen.Forget(ctx, sessionID)
	if err := l.registry.Remove(ctx, sessionID); err != nil && !errors.Is(err, connection.ErrNotFound) {
		return err
	}
	l.logger.Info("session disconnected", slog.String("session_id", sessionID))
	return nil
}

// Revoked moves the session to error and stops polling. Adapters call it when
// a remote logout or token revocation arrives outside of a poll.
func (l *Lifecycle) Revoked(ctx context.Context, sessionID string, cause error) {
	l.scheduler.Stop(sessionID)
	if cause == nil {
		cause = channel.ErrAuthRevoked
	}
	_, err := l.registry.TransitionFrom(ctx, sessionID,
		[]connection.Status{connection.StatusConnected, connection.StatusReconnecting, connection.StatusHandshakePending},
		connection.StatusError,
		func(r *connection.Record) { r.LastError = cause.Error() })
	if err != nil {
		l.logger.Warn("mark session revoked", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	l.logger.Warn("session credentials revoked", slog.String("session_id", sessionID), slog.Any("error", cause))
}

// Restore reloads persisted sessions, re-attaches adapters that keep live
// clients and resumes polling. It returns the number of resumed tasks.
func (l *Lifecycle) Restore(ctx context.Context) (int, error) {
	records, err := l.registry.Load(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		switch rec.Status {
		case connection.StatusHandshakePending:
			// The handle died with the previous process.
			if _, err := l.registry.Transition(ctx, rec.SessionID, connection.StatusHandshakePending, connection.StatusDisconnected, func(r *connection.Record) {
				r.LastError = "handshake interrupted by restart"
			}); err != nil {
				l.logger.Warn("reset interrupted handshake", slog.String("session_id", rec.SessionID), slog.Any("error", err))
			}
			continue
		case connection.StatusConnected, connection.StatusReconnecting:
		default:
			continue
		}
		adapter, ok := l.adapters.Get(rec.ChannelKind)
		if !ok {
			continue
		}
		restorer, ok := adapter.(channel.Restorer)
		if !ok {
			continue
		}
		if err := restorer.Restore(ctx, rec.SessionID, rec.Identity()); err != nil {
			if channel.IsAuthRevoked(err) {
				l.Revoked(ctx, rec.SessionID, err)
				continue
			}
			l.logger.Warn("restore adapter session", slog.String("session_id", rec.SessionID), slog.Any("error", err))
		}
	}
	n := l.scheduler.Restore(ctx)
	l.logger.Info("sessions restored", slog.Int("records", len(records)), slog.Int("polling", n))
	return n, nil
}

// liveAdapter returns the adapter of a connected or reconnecting session.
func (l *Lifecycle) liveAdapter(sessionID string) (channel.Adapter, error) {
	rec, err := l.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Live() {
		return nil, channel.NotActive(fmt.Sprintf("session is %s", rec.Status), nil)
	}
	return l.adapters.Require(rec.ChannelKind)
}

func (l *Lifecycle) Identity(ctx context.Context, sessionID string) (channel.Identity, error) {
	adapter, err := l.liveAdapter(sessionID)
	if err != nil {
		return channel.Identity{}, err
	}
	return adapter.FetchIdentity(ctx, sessionID)
}

func (l *Lifecycle) Conversations(ctx context.Context, sessionID string, limit int) ([]channel.Conversation, error) {
	adapter, err := l.liveAdapter(sessionID)
	if err != nil {
		return nil, err
	}
	return adapter.ListConversations(ctx, sessionID, limit)
}

func (l *Lifecycle) Messages(ctx context.Context, sessionID, conversationID string, limit int) ([]channel.Message, error) {
	adapter, err := l.liveAdapter(sessionID)
	if err != nil {
		return nil, err
	}
	return adapter.ListMessages(ctx, sessionID, conversationID, limit)
}

// Send delivers a manual reply.
func (l *Lifecycle) Send(ctx context.Context, sessionID, recipientID string, reply channel.ReplyPayload) error {
	if err := reply.Validate(); err != nil {
		return err
	}
	adapter, err := l.liveAdapter(sessionID)
	if err != nil {
		return err
	}
	if reply.Kind == channel.ReplyImage && !adapter.Descriptor().SupportsImages {
		return channel.NewError(channel.CodeUnsupported, "channel cannot send images", nil)
	}
	return adapter.Send(ctx, sessionID, recipientID, reply)
}

func (l *Lifecycle) MarkSeen(ctx context.Context, sessionID, recipientID string) error {
	adapter, err := l.liveAdapter(sessionID)
	if err != nil {
		return err
	}
	return adapter.MarkSeen(ctx, sessionID, recipientID)
}
