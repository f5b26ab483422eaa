// Package connection owns the per-session connection records. Every status
// change goes through a compare-and-set transition so concurrent flows
// (a failing poll and a manual disconnect, say) cannot overwrite each other.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/event"
)

const maxCASAttempts = 8

// Registry is the process-wide session table.
type Registry struct {
	logger    *slog.Logger
	publisher event.Publisher
	store     Store
	now       func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

// NewRegistry creates a registry. store may be nil for a purely in-memory table.
func NewRegistry(log *slog.Logger, publisher event.Publisher, store Store) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if publisher == nil {
		publisher = event.Nop{}
	}
	return &Registry{
		logger:    log.With(slog.String("component", "connection_registry")),
		publisher: publisher,
		store:     store,
		now:       time.Now,
		records:   map[string]*Record{},
	}
}

// Load merges the persisted records into the table and returns them.
func (r *Registry) Load(ctx context.Context) ([]Record, error) {
	if r.store == nil {
		return nil, nil
	}
	items, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load connections: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range items {
		rec := items[i]
		r.records[rec.SessionID] = &rec
	}
	return items, nil
}

// Get returns a copy of the session's record.
func (r *Registry) Get(sessionID string) (Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[sessionID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return *rec, nil
}

// List returns every record ordered by session id.
func (r *Registry) List() []Record {
	r.mu.Lock()
	items := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		items = append(items, *rec)
	}
	r.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].SessionID < items[j].SessionID })
	return items
}

// Ensure returns the session's record, creating a disconnected one if absent.
func (r *Registry) Ensure(ctx context.Context, sessionID string, kind channel.Kind) (Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Record{}, fmt.Errorf("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.ensureLocked(ctx, sessionID, kind)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

func (r *Registry) ensureLocked(ctx context.Context, sessionID string, kind channel.Kind) (*Record, error) {
	if rec, ok := r.records[sessionID]; ok {
		return rec, nil
	}
	rec := &Record{
		SessionID:   sessionID,
		ChannelKind: kind,
		Status:      StatusDisconnected,
		UpdatedAt:   r.now().UTC(),
	}
	if err := r.persistLocked(ctx, *rec); err != nil {
		return nil, err
	}
	r.records[sessionID] = rec
	return rec, nil
}

// Transition moves the session from expected to next, applying mutate to the
// record first. It fails with ErrConflict when the current status is not
// expected, and with ErrInvalidTransition for edges outside the state machine.
// mutate may set descriptive fields, including ConnectedAt when the provider
// reports its own authorization time; it cannot change the id or status.
func (r *Registry) Transition(ctx context.Context, sessionID string, expected, next Status, mutate func(*Record)) (Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !CanTransition(expected, next) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	r.mu.Lock()
	cur, ok := r.records[sessionID]
	if !ok {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if cur.Status != expected {
		actual := cur.Status
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: expected %s, found %s", ErrConflict, expected, actual)
	}

	now := r.now().UTC()
	updated := *cur
	if next == StatusConnected || next == StatusHandshakePending {
		updated.LastError = ""
	}
	if next == StatusConnected && expected != StatusReconnecting {
		updated.ConnectedAt = now
	}
	if mutate != nil {
		mutate(&updated)
	}
	updated.SessionID = sessionID
	updated.Status = next
	updated.UpdatedAt = now
	if err := r.persistLocked(ctx, updated); err != nil {
		r.mu.Unlock()
		return Record{}, err
	}
	*cur = updated
	r.mu.Unlock()

	r.logger.Info("connection status changed",
		slog.String("session_id", sessionID),
		slog.String("from", string(expected)),
		slog.String("to", string(next)),
	)
	r.publisher.Publish(event.New(event.TypeConnectionStatus, sessionID, StatusChange{
		From:      expected,
		To:        next,
		LastError: updated.LastError,
	}))
	return updated, nil
}

// TransitionFrom retries Transition against the current status for as long as
// it is one of from. It returns ErrConflict once the status leaves that set.
func (r *Registry) TransitionFrom(ctx context.Context, sessionID string, from []Status, next Status, mutate func(*Record)) (Record, error) {
	var lastErr error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := r.Get(sessionID)
		if err != nil {
			return Record{}, err
		}
		if !slices.Contains(from, cur.Status) {
			return Record{}, fmt.Errorf("%w: status is %s", ErrConflict, cur.Status)
		}
		rec, err := r.Transition(ctx, sessionID, cur.Status, next, mutate)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Record{}, err
		}
		lastErr = err
	}
	return Record{}, lastErr
}

// Reset prepares a session for a fresh handshake. Records in the terminal
// error state go back to disconnected with their identity cleared. Live
// sessions are refused with ErrAlreadyConnected.
func (r *Registry) Reset(ctx context.Context, sessionID string, kind channel.Kind) (Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Record{}, fmt.Errorf("session id is required")
	}
	r.mu.Lock()
	cur, err := r.ensureLocked(ctx, sessionID, kind)
	if err != nil {
		r.mu.Unlock()
		return Record{}, err
	}
	if cur.Status.Live() {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyConnected, sessionID)
	}
	prev := cur.Status
	updated := *cur
	updated.ChannelKind = kind
	if prev == StatusError {
		updated.Status = StatusDisconnected
		updated.ExternalAccountID = ""
		updated.DisplayHandle = ""
		updated.LastError = ""
		updated.ConnectedAt = time.Time{}
	}
	updated.UpdatedAt = r.now().UTC()
	if err := r.persistLocked(ctx, updated); err != nil {
		r.mu.Unlock()
		return Record{}, err
	}
	*cur = updated
	r.mu.Unlock()

	if prev != updated.Status {
		r.publisher.Publish(event.New(event.TypeConnectionStatus, updated.SessionID, StatusChange{From: prev, To: updated.Status}))
	}
	return updated, nil
}

// Remove deletes the session. Callers must have disconnected the adapter first.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, sessionID); err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
	}
	delete(r.records, sessionID)
	return nil
}

func (r *Registry) persistLocked(ctx context.Context, rec Record) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	return nil
}

