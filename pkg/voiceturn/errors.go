package voiceturn

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rojolang/voiceturn-sdk-go/pkg/voiceturn/conversation"
)

// Error codes as constants
const (
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeDeviceNotFound   = "DEVICE_NOT_FOUND"
	ErrCodeDevice           = "DEVICE_ERROR"
	ErrCodeEncoding         = "ENCODING_ERROR"
	ErrCodePlayback         = "PLAYBACK_ERROR"
	ErrCodeConfigInvalid    = "CONFIG_INVALID"
)

var (
	ErrPermissionDenied = errors.New("voiceturn: microphone permission denied")
	ErrDeviceNotFound   = errors.New("voiceturn: capture device not found")
	ErrAlreadyRecording = errors.New("voiceturn: recording already in progress")
	ErrTurnInProgress   = errors.New("voiceturn: turn is still being processed")
	ErrNoSession        = errors.New("voiceturn: no active session")
	ErrNoEncoding       = errors.New("voiceturn: no supported encoding")

	// ErrRecordingCancelled is returned by a Start aborted by Cancel.
	ErrRecordingCancelled = errors.New("voiceturn: recording cancelled while acquiring the device")
)

// Human-readable messages surfaced for failed Start calls.
const (
	msgPermissionDenied = "Microphone access was denied. Allow microphone access and try again."
	msgDeviceNotFound   = "No microphone was found. Connect an input device and try again."
	msgDeviceError      = "Could not start the microphone"
)

// Error is a coded SDK error carrying an optional cause.
type Error struct {
	Message   string
	Code      string
	Timestamp time.Time
	Details   map[string]interface{}
	err       error
}

func NewError(message, code string) *Error {
	return &Error{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

// AddDetail attaches a key/value pair to the error.
func (e *Error) AddDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Specific error creators with common codes
func NewPermissionError(cause error) *Error {
	e := NewError(msgPermissionDenied, ErrCodePermissionDenied)
	e.err = cause
	return e
}

func NewDeviceNotFoundError(cause error) *Error {
	e := NewError(msgDeviceNotFound, ErrCodeDeviceNotFound)
	e.err = cause
	return e
}

func NewDeviceError(cause error) *Error {
	e := NewError(msgDeviceError, ErrCodeDevice)
	e.err = cause
	return e
}

func NewPlaybackError(message string, cause error) *Error {
	e := NewError(message, ErrCodePlayback)
	e.err = cause
	return e
}

func NewEncodingError(message string, cause error) *Error {
	e := NewError(message, ErrCodeEncoding)
	e.err = cause
	return e
}

// classifyDeviceError maps a capture backend failure onto the device taxonomy.
func classifyDeviceError(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return NewPermissionError(err)
	case errors.Is(err, ErrDeviceNotFound):
		return NewDeviceNotFoundError(err)
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "permission"), strings.Contains(lower, "not allowed"):
		return NewPermissionError(err)
	case strings.Contains(lower, "no default input"), strings.Contains(lower, "not found"):
		return NewDeviceNotFoundError(err)
	}
	return NewDeviceError(err)
}

// HumanMessage returns the text shown to a user for err.
func HumanMessage(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		if coded.Code == ErrCodeDevice && coded.err != nil {
			return fmt.Sprintf("%s: %v", coded.Message, coded.err)
		}
		return coded.Message
	}
	var convErr *conversation.Error
	if errors.As(err, &convErr) && convErr.Detail != "" {
		return convErr.Detail
	}
	return err.Error()
}

// IsErrorCode reports whether err is an *Error with code.
func IsErrorCode(err error, code string) bool {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code == code
	}
	return false
}
