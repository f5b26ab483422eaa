package channel

import (
	"errors"
	"fmt"
)

// ErrorCode classifies provider and handshake failures so callers can decide
// whether to retry, back off, or give up on a session.
type ErrorCode string

const (
	// CodeHandshakeExpired means the handshake handle outlived its TTL.
	CodeHandshakeExpired ErrorCode = "HANDSHAKE_EXPIRED"
	// CodeNotActive means the provider reported the connection inactive or unauthorized.
	CodeNotActive ErrorCode = "NOT_ACTIVE"
	// CodeTransient covers network failures, timeouts, rate limits and 5xx answers.
	CodeTransient ErrorCode = "TRANSIENT_PROVIDER_ERROR"
	// CodeAuthRevoked means the stored credential is no longer valid.
	CodeAuthRevoked ErrorCode = "AUTH_REVOKED"
	// CodeConfigMissing means no enabled agent configuration exists for the session.
	CodeConfigMissing ErrorCode = "CONFIG_MISSING"
	// CodeRejected means the provider refused one message (policy, permission,
	// messaging window) while the credential itself stays valid.
	CodeRejected      ErrorCode = "MESSAGE_REJECTED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeUnsupported   ErrorCode = "UNSUPPORTED"
)

// Error is a classified channel error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable reports whether the failure may succeed on a later attempt.
func (e *Error) IsRetryable() bool {
	return e.Code == CodeTransient
}

var (
	ErrHandshakeExpired = &Error{Code: CodeHandshakeExpired, Message: "handshake expired"}
	ErrNotActive        = &Error{Code: CodeNotActive, Message: "connection not active"}
	ErrTransient        = &Error{Code: CodeTransient, Message: "transient provider error"}
	ErrAuthRevoked      = &Error{Code: CodeAuthRevoked, Message: "authorization revoked"}
	ErrConfigMissing    = &Error{Code: CodeConfigMissing, Message: "agent config missing or disabled"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrUnsupported      = &Error{Code: CodeUnsupported, Message: "operation not supported"}
)

func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Transient(message string, err error) *Error {
	return NewError(CodeTransient, message, err)
}

func AuthRevoked(message string, err error) *Error {
	return NewError(CodeAuthRevoked, message, err)
}

func NotActive(message string, err error) *Error {
	return NewError(CodeNotActive, message, err)
}

func InvalidInput(message string, err error) *Error {
	return NewError(CodeInvalidInput, message, err)
}

func Rejected(message string, err error) *Error {
	return NewError(CodeRejected, message, err)
}

// Classify maps any error to a code. Unclassified errors (timeouts, dial
// failures, panics recovered by the scheduler) count as transient so they feed
// the backoff counter instead of killing the session.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeTransient
}

// IsPermanent reports whether retrying the same message can never succeed.
// Such failures concern one message, not the session.
func IsPermanent(err error) bool {
	switch Classify(err) {
	case CodeInvalidInput, CodeNotFound, CodeUnsupported, CodeRejected:
		return true
	}
	return false
}

// IsAuthRevoked is a convenience for the most consequential classification.
func IsAuthRevoked(err error) bool {
	return Classify(err) == CodeAuthRevoked
}
