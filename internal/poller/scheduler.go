// Package poller runs one timer-driven polling task per connected session.
// Ticks of the same session never overlap, even across a stop and restart;
// failing ticks back off and move the session to reconnecting.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memohai/dmbridge/internal/agentconfig"
	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/event"
	"github.com/memohai/dmbridge/internal/ingest"
)

const (
	DefaultInterval             = 15 * time.Second
	MinInterval                 = time.Second
	DefaultMaxBackoffMultiplier = 10
	DefaultFailureThreshold     = 3
)

// Processor runs one polling pass for a session.
type Processor interface {
	ProcessTick(ctx context.Context, sessionID string) (ingest.Result, error)
}

// ConfigSource gates task creation on an enabled agent config.
type ConfigSource interface {
	RequireEnabled(ctx context.Context, sessionID string) (agentconfig.Config, error)
}

// Options configures a Scheduler.
type Options struct {
	Interval             time.Duration
	MaxBackoffMultiplier int
	FailureThreshold     int
}

// TaskStatus is a snapshot of a session's polling task.
type TaskStatus struct {
	SessionID           string    `json:"sessionId"`
	Active              bool      `json:"active"`
	IntervalMs          int64     `json:"intervalMs"`
	EffectiveIntervalMs int64     `json:"effectiveIntervalMs"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastPolledAt        time.Time `json:"lastPolledAt,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
}

type task struct {
	sessionID string
	base      time.Duration
	cancel    context.CancelFunc
	done      chan struct{}

	mu           sync.Mutex
	interval     time.Duration
	failures     int
	lastPolledAt time.Time
	lastError    string
}

func (t *task) snapshot() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskStatus{
		SessionID:           t.sessionID,
		Active:              true,
		IntervalMs:          t.base.Milliseconds(),
		EffectiveIntervalMs: t.interval.Milliseconds(),
		ConsecutiveFailures: t.failures,
		LastPolledAt:        t.lastPolledAt,
		LastError:           t.lastError,
	}
}

func (t *task) currentInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Scheduler owns the polling tasks.
type Scheduler struct {
	logger    *slog.Logger
	registry  *connection.Registry
	configs   ConfigSource
	processor Processor
	publisher event.Publisher
	opts      Options
	now       func() time.Time

	mu    sync.Mutex
	tasks map[string]*task
	// ticking is keyed by session, not task, so a restarted task cannot
	// overlap a tick still running for the previous one. Entries exist only
	// while a tick runs.
	ticking map[string]bool
}

func NewScheduler(log *slog.Logger, registry *connection.Registry, configs ConfigSource, processor Processor, publisher event.Publisher, opts Options) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if publisher == nil {
		publisher = event.Nop{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxBackoffMultiplier < 1 {
		opts.MaxBackoffMultiplier = DefaultMaxBackoffMultiplier
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	return &Scheduler{
		logger:    log.With(slog.String("component", "poller")),
		registry:  registry,
		configs:   configs,
		processor: processor,
		publisher: publisher,
		opts:      opts,
		now:       time.Now,
		tasks:     map[string]*task{},
		ticking:   map[string]bool{},
	}
}

// Start creates a polling task for a connected session. It returns false when
// a task already exists. A session that is not connected, or has no enabled
// agent config, is refused with an error. interval <= 0 uses the default;
// a positive interval below MinInterval is raised to it.
func (s *Scheduler) Start(ctx context.Context, sessionID string, interval time.Duration) (bool, error) {
	return s.start(ctx, sessionID, interval, false)
}

func (s *Scheduler) start(ctx context.Context, sessionID string, interval time.Duration, resume bool) (bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if s.Active(sessionID) {
		return false, nil
	}
	rec, err := s.registry.Get(sessionID)
	if err != nil {
		return false, err
	}
	if rec.Status != connection.StatusConnected && !(resume && rec.Status == connection.StatusReconnecting) {
		return false, channel.NotActive(fmt.Sprintf("session is %s", rec.Status), nil)
	}
	if _, err := s.configs.RequireEnabled(ctx, sessionID); err != nil {
		return false, err
	}
	switch {
	case interval <= 0:
		interval = s.opts.Interval
	case interval < MinInterval:
		interval = MinInterval
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	t := &task{
		sessionID: sessionID,
		base:      interval,
		interval:  interval,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	if _, exists := s.tasks[sessionID]; exists {
		s.mu.Unlock()
		cancel()
		return false, nil
	}
	s.tasks[sessionID] = t
	s.mu.Unlock()

	go s.run(taskCtx, t)

	s.logger.Info("polling started",
		slog.String("session_id", sessionID),
		slog.Duration("interval", interval),
	)
	s.publisher.Publish(event.New(event.TypePollingStarted, sessionID, map[string]any{
		"intervalMs": interval.Milliseconds(),
	}))
	return true, nil
}

// Stop cancels the session's task. A tick already in flight may finish; no
// further tick fires. It returns false when nothing was running.
func (s *Scheduler) Stop(sessionID string) bool {
	sessionID = strings.TrimSpace(sessionID)
	s.mu.Lock()
	t, ok := s.tasks[sessionID]
	if ok {
		delete(s.tasks, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	s.stopped(t, "requested")
	return true
}

// StopAll cancels every task and waits for in-flight ticks until ctx is done.
func (s *Scheduler) StopAll(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for id, t := range s.tasks {
		tasks = append(tasks, t)
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			s.logger.Warn("stop pollers interrupted", slog.Any("error", ctx.Err()))
			return
		}
		s.stopped(t, "shutdown")
	}
}

// Active reports whether the session has a task.
func (s *Scheduler) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[strings.TrimSpace(sessionID)]
	return ok
}

// Status returns the session's task snapshot; Active is false without a task.
func (s *Scheduler) Status(sessionID string) TaskStatus {
	sessionID = strings.TrimSpace(sessionID)
	s.mu.Lock()
	t, ok := s.tasks[sessionID]
	s.mu.Unlock()
	if !ok {
		return TaskStatus{SessionID: sessionID}
	}
	return t.snapshot()
}

// List returns snapshots of all running tasks ordered by session id.
func (s *Scheduler) List() []TaskStatus {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Restore starts tasks for sessions that were live before a restart. Sessions
// without an enabled agent config are skipped.
func (s *Scheduler) Restore(ctx context.Context) int {
	started := 0
	for _, rec := range s.registry.List() {
		if !rec.Status.Live() {
			continue
		}
		ok, err := s.start(ctx, rec.SessionID, 0, true)
		if err != nil {
			s.logger.Info("session not resumed",
				slog.String("session_id", rec.SessionID),
				slog.Any("error", err),
			)
			continue
		}
		if ok {
			started++
		}
	}
	return started
}

// Watch stops tasks whose session leaves the live states. It returns when ctx
// is done or the subscription closes.
func (s *Scheduler) Watch(ctx context.Context, sub event.Subscriber) {
	_, events, cancel := sub.Subscribe("", 256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != event.TypeConnectionStatus {
				continue
			}
			var change connection.StatusChange
			if err := ev.Decode(&change); err != nil {
				continue
			}
			if !change.To.Live() && s.Stop(ev.SessionID) {
				s.logger.Info("polling stopped on status change",
					slog.String("session_id", ev.SessionID),
					slog.String("status", string(change.To)),
				)
			}
		}
	}
}

func (s *Scheduler) acquire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticking[sessionID] {
		return false
	}
	s.ticking[sessionID] = true
	return true
}

func (s *Scheduler) release(sessionID string) {
	s.mu.Lock()
	delete(s.ticking, sessionID)
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer close(t.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		next, reason := s.tick(ctx, t)
		if reason != "" {
			s.finish(t, reason)
			return
		}
		timer.Reset(next)
	}
}

// tick runs one polling pass. It returns the delay before the next tick, or
// a non-empty reason when the task has to stop.
func (s *Scheduler) tick(ctx context.Context, t *task) (time.Duration, string) {
	if !s.acquire(t.sessionID) {
		s.logger.Debug("tick skipped, previous tick still running", slog.String("session_id", t.sessionID))
		return t.currentInterval(), ""
	}
	defer s.release(t.sessionID)

	rec, err := s.registry.Get(t.sessionID)
	if err != nil {
		return 0, "session removed"
	}
	if !rec.Status.Live() {
		return 0, "session " + string(rec.Status)
	}

	res, err := s.process(ctx, t.sessionID)
	t.mu.Lock()
	t.lastPolledAt = s.now().UTC()
	t.mu.Unlock()
	if ctx.Err() != nil {
		return t.currentInterval(), ""
	}
	if err == nil {
		s.succeeded(ctx, t, rec, res)
		return t.currentInterval(), ""
	}

	switch channel.Classify(err) {
	case channel.CodeAuthRevoked:
		s.revoked(ctx, t, err)
		return 0, "auth revoked"
	case channel.CodeConfigMissing:
		return 0, "agent config missing"
	}
	if errors.Is(err, connection.ErrNotFound) {
		return 0, "session removed"
	}
	return s.failed(ctx, t, err), ""
}

// process calls the processor, turning panics into transient errors.
func (s *Scheduler) process(ctx context.Context, sessionID string) (res ingest.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked", slog.String("session_id", sessionID), slog.Any("panic", r))
			err = channel.Transient(fmt.Sprintf("tick panicked: %v", r), nil)
		}
	}()
	return s.processor.ProcessTick(ctx, sessionID)
}

func (s *Scheduler) succeeded(ctx context.Context, t *task, rec connection.Record, res ingest.Result) {
	t.mu.Lock()
	recovered := t.failures > 0
	t.failures = 0
	t.interval = t.base
	t.lastError = ""
	t.mu.Unlock()

	if rec.Status == connection.StatusReconnecting {
		if _, err := s.registry.Transition(ctx, t.sessionID, connection.StatusReconnecting, connection.StatusConnected, nil); err != nil {
			s.logger.Warn("mark session recovered", slog.String("session_id", t.sessionID), slog.Any("error", err))
		}
	}
	if recovered {
		s.logger.Info("polling recovered", slog.String("session_id", t.sessionID))
	}
	if res.Delivered > 0 {
		s.logger.Debug("replies delivered", slog.String("session_id", t.sessionID), slog.Int("count", res.Delivered))
	}
}

func (s *Scheduler) failed(ctx context.Context, t *task, cause error) time.Duration {
	t.mu.Lock()
	t.failures++
	failures := t.failures
	t.interval = backoff(t.base, failures, s.opts.FailureThreshold, s.opts.MaxBackoffMultiplier)
	t.lastError = cause.Error()
	next := t.interval
	t.mu.Unlock()

	if failures == s.opts.FailureThreshold {
		if _, err := s.registry.Transition(ctx, t.sessionID, connection.StatusConnected, connection.StatusReconnecting, func(r *connection.Record) {
			r.LastError = cause.Error()
		}); err != nil && !errors.Is(err, connection.ErrConflict) {
			s.logger.Warn("mark session reconnecting", slog.String("session_id", t.sessionID), slog.Any("error", err))
		}
	}
	s.logger.Warn("poll failed",
		slog.String("session_id", t.sessionID),
		slog.Int("consecutive_failures", failures),
		slog.Duration("next_in", next),
		slog.Any("error", cause),
	)
	s.publisher.Publish(event.New(event.TypePollFailed, t.sessionID, map[string]any{
		"consecutiveFailures": failures,
		"intervalMs":          next.Milliseconds(),
		"code":                channel.Classify(cause),
		"error":               cause.Error(),
	}))
	return next
}

func (s *Scheduler) revoked(ctx context.Context, t *task, cause error) {
	_, err := s.registry.TransitionFrom(ctx, t.sessionID,
		[]connection.Status{connection.StatusConnected, connection.StatusReconnecting},
		connection.StatusError,
		func(r *connection.Record) { r.LastError = cause.Error() })
	if err != nil {
		s.logger.Warn("mark session revoked", slog.String("session_id", t.sessionID), slog.Any("error", err))
	}
	s.logger.Error("credentials revoked", slog.String("session_id", t.sessionID), slog.Any("error", cause))
}

// finish removes a task that stopped itself.
func (s *Scheduler) finish(t *task, reason string) {
	s.mu.Lock()
	owned := s.tasks[t.sessionID] == t
	if owned {
		delete(s.tasks, t.sessionID)
	}
	s.mu.Unlock()
	t.cancel()
	if owned {
		s.stopped(t, reason)
	}
}

func (s *Scheduler) stopped(t *task, reason string) {
	s.logger.Info("polling stopped", slog.String("session_id", t.sessionID), slog.String("reason", reason))
	s.publisher.Publish(event.New(event.TypePollingStopped, t.sessionID, map[string]any{
		"reason": reason,
	}))
}

// backoff returns the interval after the given number of consecutive
// failures: the base interval below the threshold, doubled at the threshold
// and on every failure after it, capped at base*maxMultiplier.
func backoff(base time.Duration, failures, threshold, maxMultiplier int) time.Duration {
	limit := base * time.Duration(maxMultiplier)
	if failures < threshold {
		return base
	}
	d := base
	for i := threshold; i <= failures; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
