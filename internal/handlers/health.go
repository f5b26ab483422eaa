package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/dmbridge/internal/healthcheck"
)

type HealthHandler struct {
	logger  *slog.Logger
	checker healthcheck.Checker
}

func NewHealthHandler(log *slog.Logger, checker healthcheck.Checker) *HealthHandler {
	return &HealthHandler{
		logger:  log.With(slog.String("handler", "health")),
		checker: checker,
	}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health/checks", h.Checks)
}

func (h *HealthHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HealthHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

type ChecksResponse struct {
	Success bool                      `json:"success"`
	Status  string                    `json:"status"`
	Checks  []healthcheck.CheckResult `json:"checks"`
}

// Checks godoc
// @Summary Session health checks
// @Description Connection, agent config and polling checks of one session.
// @Tags health
// @Param sessionId query string true "Session ID"
// @Success 200 {object} ChecksResponse
// @Router /health/checks [get]
func (h *HealthHandler) Checks(c echo.Context) error {
	var req SessionQuery
	if err := bindRequest(c, &req); err != nil {
		return fail(c, err)
	}
	checks := []healthcheck.CheckResult{}
	if h.checker != nil {
		checks = h.checker.ListChecks(c.Request().Context(), strings.TrimSpace(req.SessionID))
	}
	return c.JSON(http.StatusOK, ChecksResponse{
		Success: true,
		Status:  healthcheck.Overall(checks),
		Checks:  checks,
	})
}
