package querysync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error types reported in ClientError.Type.
const (
	ErrorTypeUnauthenticated = "Unauthenticated"
	ErrorTypeAuthExpired     = "AuthExpired"
	ErrorTypeNetwork         = "Network"
	ErrorTypeServer          = "Server"
	ErrorTypeDecode          = "Decode"
	ErrorTypeValidation      = "Validation"
)

// Sentinel errors for errors.Is. They match any *ClientError of the same Type.
var (
	// ErrUnauthenticated is returned when a request requires a session and none exists.
	ErrUnauthenticated = &ClientError{Type: ErrorTypeUnauthenticated, Message: "no session"}

	// ErrAuthExpired is returned when the server (or the token itself) rejects the credential.
	ErrAuthExpired = &ClientError{Type: ErrorTypeAuthExpired, Message: "session expired"}

	// ErrNetwork is returned for transport level failures.
	ErrNetwork = &ClientError{Type: ErrorTypeNetwork, Message: "network failure"}

	// ErrServer is returned for non-2xx application responses.
	ErrServer = &ClientError{Type: ErrorTypeServer, Message: "server error"}

	// ErrDecode is returned when a response body cannot be decoded.
	ErrDecode = &ClientError{Type: ErrorTypeDecode, Message: "malformed response"}

	// ErrInvalidKey is returned by NewKey for malformed query keys.
	ErrInvalidKey = errors.New("querysync: invalid query key")

	// ErrCacheClosed is returned by Fetch after Close.
	ErrCacheClosed = errors.New("querysync: cache closed")
)

// ClientError is the error type produced by the transport and stored in cache
// entries. Expected failures never cross the Subscribe/Refetch surface as
// return values; they are recorded here instead.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	StatusCode int
	Method     string
	URL        string
	Endpoint   string
	RequestID  string
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// ErrorType returns the ClientError type carried by err, or "" when err is not
// a ClientError. Context errors map to "Canceled".
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Canceled"
	}
	return "Unknown"
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Returns true for network errors, 5xx responses and 429. Auth failures are never transient:
// they are handled by the single auth retry in the cache.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork:
			return true
		case ErrorTypeServer:
			return clientErr.StatusCode >= 500 || clientErr.StatusCode == http.StatusTooManyRequests
		default:
			return false
		}
	}

	return false
}
