// Package seen tracks which inbound messages each session has already handed
// to the agent, plus the per-session delivery watermark.
//
// An entry moves claimed -> replied -> delivered. Only the caller that claims
// a message id invokes the agent for it; a reply that could not be delivered
// stays cached on the entry so the next attempt re-sends it without asking
// the agent again.
package seen

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/dmbridge/internal/channel"
)

const DefaultWindow = 1000

type state int

const (
	stateClaimed state = iota
	stateReplied
	stateDelivered
)

type entry struct {
	state     state
	inflight  bool
	reply     channel.ReplyPayload
	createdAt time.Time
}

type sessionSet struct {
	entries   map[string]*entry
	delivered []string
	watermark time.Time
	loaded    bool
}

// WatermarkStore persists watermarks across restarts.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context, sessionID string) (time.Time, error)
	SaveWatermark(ctx context.Context, sessionID string, at time.Time) error
	DeleteWatermark(ctx context.Context, sessionID string) error
}

// Claim is the result of a successful Claim call. When Cached is true, Reply
// holds a previously generated reply that still needs delivering.
type Claim struct {
	Reply  channel.ReplyPayload
	Cached bool
}

// Set is safe for concurrent use.
type Set struct {
	logger *slog.Logger
	window int
	store  WatermarkStore

	mu       sync.Mutex
	sessions map[string]*sessionSet
}

// New creates a set keeping window delivered ids per session. Ids of messages
// not older than the watermark are never trimmed, since the watermark alone
// cannot tell them apart from new ones.
func New(log *slog.Logger, window int, store WatermarkStore) *Set {
	if log == nil {
		log = slog.Default()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Set{
		logger:   log.With(slog.String("component", "seen_set")),
		window:   window,
		store:    store,
		sessions: map[string]*sessionSet{},
	}
}

func (s *Set) sessionLocked(sessionID string) *sessionSet {
	ss, ok := s.sessions[sessionID]
	if !ok {
		ss = &sessionSet{entries: map[string]*entry{}}
		s.sessions[sessionID] = ss
	}
	return ss
}

// Claim reserves msgID for the caller. It returns false when the id is already
// delivered or currently held by another caller.
func (s *Set) Claim(sessionID, msgID string) (Claim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.sessionLocked(sessionID)
	e, ok := ss.entries[msgID]
	if !ok {
		ss.entries[msgID] = &entry{state: stateClaimed, inflight: true}
		return Claim{}, true
	}
	if e.inflight || e.state == stateDelivered {
		return Claim{}, false
	}
	if e.state == stateReplied {
		e.inflight = true
		return Claim{Reply: e.reply, Cached: true}, true
	}
	return Claim{}, false
}

// Replied caches the agent's reply on a claimed entry.
func (s *Set) Replied(sessionID, msgID string, reply channel.ReplyPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessionLocked(sessionID).entries[msgID]; ok && e.state != stateDelivered {
		e.state = stateReplied
		e.reply = reply
	}
}

// Release gives up a claim. Entries without a cached reply are forgotten so
// the message is offered to the agent again; replied entries keep their reply.
func (s *Set) Release(sessionID, msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.sessionLocked(sessionID)
	e, ok := ss.entries[msgID]
	if !ok {
		return
	}
	switch e.state {
	case stateClaimed:
		delete(ss.entries, msgID)
	case stateReplied:
		e.inflight = false
	}
}

// Delivered marks msgID, created at createdAt, as done and trims the window.
// Messages that were answered with nothing or dropped for good are marked the
// same way so they are never offered to the agent again.
func (s *Set) Delivered(sessionID, msgID string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.sessionLocked(sessionID)
	e, ok := ss.entries[msgID]
	if !ok {
		e = &entry{}
		ss.entries[msgID] = e
	}
	if e.state == stateDelivered {
		return
	}
	e.state = stateDelivered
	e.inflight = false
	e.reply = channel.ReplyPayload{}
	e.createdAt = createdAt
	ss.delivered = append(ss.delivered, msgID)
	s.trimLocked(ss)
}

// trimLocked evicts the oldest delivered ids beyond the window, skipping any
// whose message is not strictly older than the watermark.
func (s *Set) trimLocked(ss *sessionSet) {
	excess := len(ss.delivered) - s.window
	if excess <= 0 {
		return
	}
	kept := ss.delivered[:0]
	for _, id := range ss.delivered {
		e, ok := ss.entries[id]
		if excess > 0 && (!ok || e.createdAt.Before(ss.watermark)) {
			delete(ss.entries, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	ss.delivered = kept
}

// Seen reports whether msgID has been delivered or is being processed.
func (s *Set) Seen(sessionID, msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessionLocked(sessionID).entries[msgID]
	return ok
}

// Done reports whether msgID has been delivered.
func (s *Set) Done(sessionID, msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessionLocked(sessionID).entries[msgID]
	return ok && e.state == stateDelivered
}

// Pending returns the number of entries holding an undelivered reply.
func (s *Set) Pending(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.sessionLocked(sessionID).entries {
		if e.state == stateReplied {
			n++
		}
	}
	return n
}

// Watermark returns the session's watermark, loading it from the store on
// first use.
func (s *Set) Watermark(ctx context.Context, sessionID string) time.Time {
	s.mu.Lock()
	ss := s.sessionLocked(sessionID)
	if ss.loaded || s.store == nil {
		ss.loaded = true
		wm := ss.watermark
		s.mu.Unlock()
		return wm
	}
	s.mu.Unlock()

	wm, err := s.store.LoadWatermark(ctx, sessionID)
	if err != nil {
		s.logger.Warn("load watermark failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !ss.loaded {
		ss.loaded = true
		if wm.After(ss.watermark) {
			ss.watermark = wm
		}
	}
	return ss.watermark
}

// Advance moves the watermark forward to at. It never moves backwards.
func (s *Set) Advance(ctx context.Context, sessionID string, at time.Time) {
	s.mu.Lock()
	ss := s.sessionLocked(sessionID)
	if !at.After(ss.watermark) {
		s.mu.Unlock()
		return
	}
	ss.watermark = at
	s.trimLocked(ss)
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	if err := s.store.SaveWatermark(ctx, sessionID, at); err != nil {
		s.logger.Warn("save watermark failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

// IsNew reports whether a message with the given id and timestamp still
// needs processing: newer than the watermark, or exactly at it and unseen.
func (s *Set) IsNew(sessionID, msgID string, createdAt, watermark time.Time) bool {
	if createdAt.After(watermark) {
		return true
	}
	return createdAt.Equal(watermark) && !s.Seen(sessionID, msgID)
}

// Forget drops everything known about a session.
func (s *Set) Forget(ctx context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if s.store == nil {
		return
	}
	if err := s.store.DeleteWatermark(ctx, sessionID); err != nil {
		s.logger.Warn("delete watermark failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}
