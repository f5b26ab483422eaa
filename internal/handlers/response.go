package handlers

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/memohai/dmbridge/internal/agentconfig"
	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/connection"
)

// ErrorResponse is returned for business failures with HTTP 200.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// SuccessResponse acknowledges operations without a payload.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// requestValidator adapts go-playground/validator to echo.Validator.
type requestValidator struct {
	validate *validator.Validate
}

// NewValidator returns the validator installed on the echo instance. Field
// names in messages follow the json tags.
func NewValidator() echo.Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, key := range []string{"json", "query"} {
			name, _, _ := strings.Cut(f.Tag.Get(key), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	return &requestValidator{validate: v}
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

// bindRequest decodes and validates req. Malformed input comes back as a 400
// *echo.HTTPError; failed validation as an invalid input error.
func bindRequest(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return channel.InvalidInput(validationMessage(err), nil)
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "url", "http_url":
		return fe.Field() + " must be a URL"
	case "min", "gte":
		return fe.Field() + " must be at least " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}

// fail writes a business failure. Transport errors pass through to echo.
func fail(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return c.JSON(http.StatusOK, ErrorResponse{
		Success: false,
		Error:   err.Error(),
		Code:    errorCode(err),
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, connection.ErrNotFound), errors.Is(err, agentconfig.ErrNotFound):
		return string(channel.CodeNotFound)
	case errors.Is(err, connection.ErrAlreadyConnected):
		return "ALREADY_CONNECTED"
	case errors.Is(err, connection.ErrConflict), errors.Is(err, connection.ErrInvalidTransition):
		return "CONFLICT"
	}
	var ce *channel.Error
	if errors.As(err, &ce) {
		return string(ce.Code)
	}
	return ""
}
