package connectionchecker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/healthcheck"
)

const checkTypeConnection = "channel.connection"

// RecordSource reads session records.
type RecordSource interface {
	Get(sessionID string) (connection.Record, error)
}

// Checker reports whether a session's channel credentials are usable.
type Checker struct {
	logger  *slog.Logger
	records RecordSource
}

// NewChecker creates a connection health checker.
func NewChecker(log *slog.Logger, records RecordSource) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_connection")),
		records: records,
	}
}

// ListChecks evaluates the session's connection record.
func (c *Checker) ListChecks(ctx context.Context, sessionID string) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return []healthcheck.CheckResult{}
	}
	if c.records == nil {
		c.logger.Warn("connection healthcheck dependency is unavailable", slog.String("session_id", sessionID))
		return []healthcheck.CheckResult{{
			ID:      checkTypeConnection + ".service",
			Type:    checkTypeConnection,
			Status:  healthcheck.StatusWarn,
			Summary: "Connection checker service is not available.",
			Detail:  "record source is nil",
		}}
	}

	rec, err := c.records.Get(sessionID)
	if err != nil {
		item := healthcheck.CheckResult{
			ID:      checkTypeConnection + "." + sessionID,
			Type:    checkTypeConnection,
			Status:  healthcheck.StatusError,
			Summary: "Session is not registered.",
		}
		if !errors.Is(err, connection.ErrNotFound) {
			item.Summary = "Session record could not be read."
			item.Detail = err.Error()
		}
		return []healthcheck.CheckResult{item}
	}

	channelKind := strings.TrimSpace(rec.ChannelKind.String())
	if channelKind == "" {
		channelKind = "unknown"
	}
	item := healthcheck.CheckResult{
		ID:     checkTypeConnection + "." + sessionID,
		Type:   checkTypeConnection,
		Detail: strings.TrimSpace(rec.LastError),
		Metadata: map[string]any{
			"channel_kind": channelKind,
			"status":       string(rec.Status),
		},
	}
	if rec.DisplayHandle != "" {
		item.Metadata["handle"] = rec.DisplayHandle
	}
	if !rec.ConnectedAt.IsZero() {
		item.Metadata["connected_at"] = rec.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	switch rec.Status {
	case connection.StatusConnected:
		item.Status = healthcheck.StatusOK
		item.Summary = fmt.Sprintf("Channel %s is connected.", channelKind)
	case connection.StatusReconnecting:
		item.Status = healthcheck.StatusWarn
		item.Summary = fmt.Sprintf("Channel %s is failing and retrying.", channelKind)
	case connection.StatusHandshakePending:
		item.Status = healthcheck.StatusWarn
		item.Summary = "Waiting for the handshake to complete."
	case connection.StatusError:
		item.Status = healthcheck.StatusError
		item.Summary = fmt.Sprintf("Channel %s credentials were revoked.", channelKind)
	default:
		item.Status = healthcheck.StatusWarn
		item.Summary = fmt.Sprintf("Channel %s is disconnected.", channelKind)
	}
	return []healthcheck.CheckResult{item}
}
