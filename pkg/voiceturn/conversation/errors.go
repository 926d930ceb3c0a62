package conversation

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error codes as constants
const (
	ErrCodeNetwork   = "NETWORK_FAILURE"
	ErrCodeBackend   = "BACKEND_ERROR"
	ErrCodeNoSpeech  = "NO_SPEECH_DETECTED"
	ErrCodeJSONParse = "JSON_PARSE_ERROR"
	ErrCodeAuth      = "AUTH_FAILED"
	ErrCodeConfig    = "CONFIG_INVALID"
)

var (
	ErrNotConnected = errors.New("conversation: not connected")
	ErrMissingKey   = errors.New("conversation: missing API key")
)

// Error is a failed call against the Conversation Service. Detail holds the
// failure text decoded from the backend, if it sent one.
type Error struct {
	Code       string
	Message    string
	Detail     string
	StatusCode int
	err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.err != nil {
		return fmt.Sprintf("%s (%v)", msg, e.err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.err
}

func NewNetworkError(message string, cause error) *Error {
	return &Error{Code: ErrCodeNetwork, Message: message, err: cause}
}

func NewBackendError(status int, detail string) *Error {
	return &Error{Code: ErrCodeBackend, Message: "conversation service returned an error", Detail: detail, StatusCode: status}
}

func NewJSONError(cause error) *Error {
	return &Error{Code: ErrCodeJSONParse, Message: "malformed response", err: cause}
}

func NewAuthError(message string, cause error) *Error {
	return &Error{Code: ErrCodeAuth, Message: message, err: cause}
}

// IsRetryableError reports whether a failed call may be attempted again.
// Transport failures and timeouts are retryable; backend rejections are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var convErr *Error
	if errors.As(err, &convErr) {
		return convErr.Code == ErrCodeNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsBackendError reports whether err came from the service rejecting a call.
func IsBackendError(err error) bool {
	var convErr *Error
	return errors.As(err, &convErr) && convErr.Code == ErrCodeBackend
}

// Detail extracts the backend failure text from err, if present.
func Detail(err error) string {
	var convErr *Error
	if errors.As(err, &convErr) {
		return convErr.Detail
	}
	return ""
}
