package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for the session package.
var (
	// ErrSessionAlreadyActive indicates a start was requested while a
	// session is live.
	ErrSessionAlreadyActive = errors.New("session: session already active")

	// ErrMicrophonePermission indicates the microphone is unavailable
	// or permission was denied. Not recoverable without user action.
	ErrMicrophonePermission = errors.New("session: microphone permission denied")

	// ErrCaptureStalled indicates capture died and bounded restarts
	// were exhausted.
	ErrCaptureStalled = errors.New("session: capture stalled beyond recovery")

	// ErrNotInErrorState indicates ClearError was called outside the
	// error state. Callers treating it as a no-op may ignore it.
	ErrNotInErrorState = errors.New("session: not in error state")

	// ErrErrorNotCleared indicates a start was requested from the error
	// state; the caller must ClearError first.
	ErrErrorNotCleared = errors.New("session: previous error not cleared")

	// ErrStartAborted indicates the session was ended while
	// StartSession was still establishing it.
	ErrStartAborted = errors.New("session: start aborted")
)

// Category classifies a session failure for the UI's benefit.
type Category string

const (
	// CategoryPermission: microphone denied; user must fix in system
	// settings.
	CategoryPermission Category = "permission"
	// CategoryTransport: connection refused or dropped; recoverable by
	// starting a new session.
	CategoryTransport Category = "transport"
	// CategoryStall: capture died and automatic recovery failed.
	CategoryStall Category = "stall"
	// CategoryRemote: the backend sent an explicit error message.
	CategoryRemote Category = "remote"
)

// Error is a categorized session failure.
type Error struct {
	// Category classifies the failure.
	Category Category

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("session: %s error: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("session: %s error: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Recoverable reports whether starting a fresh session can succeed
// without user intervention.
func (e *Error) Recoverable() bool {
	switch e.Category {
	case CategoryTransport, CategoryRemote:
		return true
	default:
		return false
	}
}

// NewError creates a categorized session error.
func NewError(category Category, message string, cause error) *Error {
	return &Error{
		Category: category,
		Message:  message,
		Cause:    cause,
	}
}

// CategoryOf extracts the failure category, or empty for uncategorized
// errors.
func CategoryOf(err error) Category {
	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}
	if errors.Is(err, ErrMicrophonePermission) {
		return CategoryPermission
	}
	if errors.Is(err, ErrCaptureStalled) {
		return CategoryStall
	}
	return ""
}

// IsPermissionDenied reports whether the error needs the user to grant
// microphone access in system settings.
func IsPermissionDenied(err error) bool {
	return CategoryOf(err) == CategoryPermission
}
