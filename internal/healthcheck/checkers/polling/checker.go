package pollingchecker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/dmbridge/internal/agentconfig"
	"github.com/memohai/dmbridge/internal/healthcheck"
	"github.com/memohai/dmbridge/internal/poller"
)

const (
	checkTypeAgentConfig = "agent.config"
	checkTypePolling     = "polling.task"
)

// TaskSource reads polling task snapshots.
type TaskSource interface {
	Status(sessionID string) poller.TaskStatus
}

// ConfigSource reads agent configs.
type ConfigSource interface {
	Get(ctx context.Context, sessionID string) (agentconfig.Config, error)
}

// Checker reports on the agent config and the polling task of a session.
type Checker struct {
	logger  *slog.Logger
	tasks   TaskSource
	configs ConfigSource
}

// NewChecker creates a polling health checker.
func NewChecker(log *slog.Logger, tasks TaskSource, configs ConfigSource) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_polling")),
		tasks:   tasks,
		configs: configs,
	}
}

func (c *Checker) ListChecks(ctx context.Context, sessionID string) []healthcheck.CheckResult {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return []healthcheck.CheckResult{}
	}
	checks := make([]healthcheck.CheckResult, 0, 2)
	if c.configs != nil {
		checks = append(checks, c.configCheck(ctx, sessionID))
	}
	if c.tasks != nil {
		checks = append(checks, c.taskCheck(sessionID))
	}
	return checks
}

func (c *Checker) configCheck(ctx context.Context, sessionID string) healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:   checkTypeAgentConfig + "." + sessionID,
		Type: checkTypeAgentConfig,
	}
	cfg, err := c.configs.Get(ctx, sessionID)
	switch {
	case errors.Is(err, agentconfig.ErrNotFound):
		item.Status = healthcheck.StatusWarn
		item.Summary = "No agent is configured."
	case err != nil:
		c.logger.Warn("read agent config failed", slog.String("session_id", sessionID), slog.Any("error", err))
		item.Status = healthcheck.StatusUnknown
		item.Summary = "Agent config could not be read."
		item.Detail = err.Error()
	case !cfg.Enabled:
		item.Status = healthcheck.StatusWarn
		item.Summary = "Agent is disabled."
		item.Metadata = map[string]any{"provider": cfg.Provider}
	default:
		item.Status = healthcheck.StatusOK
		item.Summary = "Agent is enabled."
		item.Metadata = map[string]any{"provider": cfg.Provider}
	}
	return item
}

func (c *Checker) taskCheck(sessionID string) healthcheck.CheckResult {
	st := c.tasks.Status(sessionID)
	item := healthcheck.CheckResult{
		ID:     checkTypePolling + "." + sessionID,
		Type:   checkTypePolling,
		Detail: strings.TrimSpace(st.LastError),
	}
	if !st.Active {
		item.Status = healthcheck.StatusWarn
		item.Summary = "Polling is stopped."
		return item
	}
	item.Metadata = map[string]any{
		"interval_ms":           st.IntervalMs,
		"effective_interval_ms": st.EffectiveIntervalMs,
		"consecutive_failures":  st.ConsecutiveFailures,
	}
	if !st.LastPolledAt.IsZero() {
		item.Metadata["last_polled_at"] = st.LastPolledAt.UTC().Format(time.RFC3339)
	}
	if st.ConsecutiveFailures > 0 {
		item.Status = healthcheck.StatusWarn
		item.Summary = fmt.Sprintf("Polling failed %d times in a row.", st.ConsecutiveFailures)
		return item
	}
	item.Status = healthcheck.StatusOK
	item.Summary = "Polling is running."
	return item
}
