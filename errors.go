package msgsync

import (
	"errors"
	"fmt"
)

// ============================================================================
// Network errors
// ============================================================================

// NetworkErrorKind classifies a NetworkError.
type NetworkErrorKind string

const (
	KindTransport NetworkErrorKind = "transport"
	KindTimeout   NetworkErrorKind = "timeout"
	KindStatus    NetworkErrorKind = "status"
)

// ErrNetwork matches any *NetworkError with errors.Is.
var ErrNetwork = errors.New("network error")

// NetworkError is returned by every fetch and mutation call that failed on
// the wire. It is always recoverable.
type NetworkError struct {
	Op         string
	Kind       NetworkErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	switch e.Kind {
	case KindStatus:
		if e.Message != "" {
			return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
		}
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	case KindTimeout:
		return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// Timeout reports whether the call gave up waiting rather than being refused.
func (e *NetworkError) Timeout() bool { return e.Kind == KindTimeout }

// ============================================================================
// Validation errors
// ============================================================================

var (
	ErrEmptyContent    = errors.New("message content is empty")
	ErrContentTooLong  = errors.New("message content is too long")
	ErrRequestExpired  = errors.New("message request has expired")
	ErrRequestTerminal = errors.New("message request is no longer pending")
	ErrMissingUser     = errors.New("no user id")
	ErrSelfRequest     = errors.New("cannot send a request to yourself")
	ErrInvalidAction   = errors.New("invalid action")
)

// ValidationError rejects an operation before any network call.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Err.Error()
	}
	return "validation: " + e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// ============================================================================
// Push channel errors
// ============================================================================

// ProtocolError describes a push frame that could not be applied. It is
// logged and dropped; the connection stays open.
type ProtocolError struct {
	Channel string
	Type    string
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("push frame %s/%s: %s", e.Channel, e.Type, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConnectionError reports a push channel drop.
type ConnectionError struct {
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("push connection lost (attempt %d): %v", e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UserMessage turns an operation error into a short notice for the UI.
func UserMessage(err error) string {
	var ne *NetworkError
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Err.Error()
	case errors.As(err, &ne) && ne.Timeout():
		return "The server took too long to respond. Please try again."
	case errors.As(err, &ne) && ne.Kind == KindStatus && ne.Message != "":
		return ne.Message
	case errors.As(err, &ne) && ne.Kind == KindTransport:
		return "Could not reach the server. Check your connection and try again."
	case errors.As(err, &ne):
		return "Something went wrong. Please try again."
	}
	return err.Error()
}
