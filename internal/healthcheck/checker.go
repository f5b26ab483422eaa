package healthcheck

import "context"

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates check completed with warning.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
	// StatusUnknown indicates check result is not yet known.
	StatusUnknown = "unknown"
)

// CheckResult is one runtime check item produced by a checker.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker evaluates one or more runtime checks for a session.
type Checker interface {
	ListChecks(ctx context.Context, sessionID string) []CheckResult
}

// Chain runs checkers in order and concatenates their results.
type Chain []Checker

func (c Chain) ListChecks(ctx context.Context, sessionID string) []CheckResult {
	out := []CheckResult{}
	for _, checker := range c {
		if checker == nil {
			continue
		}
		out = append(out, checker.ListChecks(ctx, sessionID)...)
	}
	return out
}

// Overall folds results into the worst status. No results is unknown.
func Overall(results []CheckResult) string {
	if len(results) == 0 {
		return StatusUnknown
	}
	worst := StatusOK
	for _, r := range results {
		if rank(r.Status) > rank(worst) {
			worst = r.Status
		}
	}
	return worst
}

func rank(status string) int {
	switch status {
	case StatusOK:
		return 0
	case StatusUnknown:
		return 1
	case StatusWarn:
		return 2
	case StatusError:
		return 3
	default:
		return 1
	}
}
