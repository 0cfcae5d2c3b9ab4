package app

import (
	"errors"
	"net/http"
	"time"
)

// Error is a user-facing failure. Handlers render it as
// {"error", "code", "message"} with Status, plus any Details. A positive
// RetryAfter is sent as the Retry-After header.
type Error struct {
	Status     int
	Code       string
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
}

func (e *Error) Error() string { return e.Message }

// Is matches on Code when both sides carry one, so errors built with
// Details still match their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Code != "" && t.Code != "" {
		return e.Code == t.Code
	}
	return e == t
}

func newError(status int, code, msg string) *Error {
	return &Error{Status: status, Code: code, Message: msg}
}

var (
	ErrInvalidPhone  = newError(http.StatusBadRequest, "INVALID_PHONE", "Invalid phone number")
	ErrEmailRequired = newError(http.StatusBadRequest, "EMAIL_REQUIRED", "Email is required to register a new phone number")
	ErrInvalidEmail  = newError(http.StatusBadRequest, "INVALID_EMAIL", "Invalid email address")
	ErrEmailInUse    = newError(http.StatusConflict, "EMAIL_IN_USE", "Email is already linked to another account")
	ErrAccountLocked = newError(http.StatusTooManyRequests, "ACCOUNT_LOCKED", "Account temporarily locked after too many failed attempts")
	ErrOTPNotFound   = newError(http.StatusBadRequest, "OTP_NOT_FOUND", "No active code for this phone number, request a new one")
	ErrInvalidOTP    = newError(http.StatusBadRequest, "INVALID_OTP", "Invalid code")
	ErrOTPExhausted  = newError(http.StatusBadRequest, "OTP_EXHAUSTED", "Too many failed attempts, request a new code")

	ErrUnauthorized   = newError(http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	ErrTokenExpired   = newError(http.StatusUnauthorized, "TOKEN_EXPIRED", "Token expired")
	ErrInvalidToken   = newError(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token")
	ErrInvalidSession = newError(http.StatusUnauthorized, "INVALID_SESSION", "Session expired or unknown")
	ErrUserNotFound   = newError(http.StatusUnauthorized, "USER_NOT_FOUND", "The user associated with this token no longer exists")

	ErrGoogleDisabled           = newError(http.StatusServiceUnavailable, "GOOGLE_DISABLED", "Google sign-in is not configured")
	ErrInvalidOAuthState        = newError(http.StatusBadRequest, "invalid_state", "invalid_state")
	ErrInvalidProfile           = newError(http.StatusBadRequest, "invalid_profile", "Invalid profile data from Google")
	ErrEmailRegisteredElsewhere = newError(http.StatusConflict, "email_registered", "Email already registered with different account")

	ErrThreadNotFound    = newError(http.StatusNotFound, "THREAD_NOT_FOUND", "Thread not found")
	ErrThreadExists      = newError(http.StatusConflict, "THREAD_EXISTS", "Thread id already in use")
	ErrChatInputRequired = newError(http.StatusBadRequest, "VALIDATION_ERROR", "Thread ID and message are required")
	ErrChatFailed        = newError(http.StatusInternalServerError, "CHAT_FAILED", "Failed to send message")

	ErrInvalidFileID    = newError(http.StatusBadRequest, "INVALID_FILE_ID", "Invalid file ID")
	ErrUploadNotFound   = newError(http.StatusNotFound, "FILE_NOT_FOUND", "The requested file does not exist")
	ErrUploadForbidden  = newError(http.StatusForbidden, "ACCESS_DENIED", "You do not have permission to access this file")
	ErrNoFiles          = newError(http.StatusBadRequest, "NO_FILES", "Please select at least one file")
	ErrTooManyFiles     = newError(http.StatusBadRequest, "TOO_MANY_FILES", "At most 5 files per upload")
	ErrFileTooLarge     = newError(http.StatusBadRequest, "FILE_TOO_LARGE", "File too large")
	ErrUnsupportedType  = newError(http.StatusBadRequest, "UNSUPPORTED_TYPE", "File type is not supported")
	ErrTypeMismatch     = newError(http.StatusBadRequest, "TYPE_MISMATCH", "File extension does not match its type")
	ErrInvalidFilename  = newError(http.StatusBadRequest, "INVALID_FILENAME", "Invalid filename")
	ErrThreadIDRequired = newError(http.StatusBadRequest, "THREAD_ID_REQUIRED", "threadId is required")
	ErrMessageTooLong   = newError(http.StatusBadRequest, "MESSAGE_TOO_LONG", "message must be at most 10000 characters")
	ErrNotImage         = newError(http.StatusBadRequest, "NOT_IMAGE", "Only images can be encoded to base64")
)

func invalidOTP(remaining int) *Error {
	return &Error{
		Status:  ErrInvalidOTP.Status,
		Code:    ErrInvalidOTP.Code,
		Message: ErrInvalidOTP.Message,
		Details: map[string]any{"attemptsRemaining": remaining},
	}
}

// accountLocked reports the lock with the time left until it lifts.
func accountLocked(until, now time.Time) *Error {
	wait := until.Sub(now)
	return &Error{
		Status:  ErrAccountLocked.Status,
		Code:    ErrAccountLocked.Code,
		Message: ErrAccountLocked.Message,
		Details: map[string]any{
			"lockedUntil": until.UTC(),
			"retryAfter":  RetrySeconds(wait),
		},
		RetryAfter: wait,
	}
}

// RetrySeconds rounds d up to whole seconds, at least one.
func RetrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// AsError extracts the user-facing error, if any.
func AsError(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
