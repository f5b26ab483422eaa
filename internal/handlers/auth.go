package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/dmbridge/internal/auth"
)

// AuthHandler renews operator API tokens.
type AuthHandler struct {
	logger    *slog.Logger
	secret    string
	expiresIn time.Duration
}

func NewAuthHandler(log *slog.Logger, secret string, expiresIn time.Duration) *AuthHandler {
	return &AuthHandler{
		logger:    log.With(slog.String("handler", "auth")),
		secret:    secret,
		expiresIn: expiresIn,
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/auth/refresh", h.Refresh)
}

type RefreshResponse struct {
	Success     bool      `json:"success"`
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Refresh godoc
// @Summary Refresh the API token
// @Description Issues a new token for the caller's subject with the same lifetime.
// @Tags auth
// @Success 200 {object} RefreshResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c echo.Context) error {
	if h.secret == "" {
		return echo.NewHTTPError(http.StatusNotFound, "api tokens are disabled")
	}
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.secret, h.expiresIn)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	subject, _ := auth.SubjectFromContext(c)
	h.logger.Info("api token refreshed", slog.String("subject", subject))
	return c.JSON(http.StatusOK, RefreshResponse{
		Success:     true,
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
	})
}
