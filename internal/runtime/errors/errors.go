package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired         = sterrors.New("smsrelay: configuration is required")
	ErrLoggerRequired         = sterrors.New("smsrelay: logger is required")
	ErrSettingsStoreRequired  = sterrors.New("smsrelay: settings store is required")
	ErrSubscriberRequired     = sterrors.New("smsrelay: subscriber is required")
	ErrProcessorRequired      = sterrors.New("smsrelay: processor is required")
	ErrUnknownSettingsField   = sterrors.New("smsrelay: unknown settings field")
	ErrUnknownSettingsBackend = sterrors.New("smsrelay: unknown settings backend")
)

// ErrURLTooShort is reported when the whitespace-stripped base URL is shorter
// than the shortest plausible scheme://host form.
var ErrURLTooShort = sterrors.New("smsrelay: base URL is too short")

// Failure reasons used as metric labels and in outcome events.
const (
	ReasonURLTooShort = "url_too_short"
	ReasonTransport   = "transport"
	ReasonServer      = "server_error"
	ReasonUnexpected  = "unexpected"
)

// TransportError wraps a network level failure: connection refused, DNS,
// TLS, timeouts.
type TransportError struct {
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("smsrelay: transport error: %v", e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// ServerError reports a response with a non-2xx status code.
type ServerError struct {
	StatusCode int
}

func (e ServerError) Error() string {
	return fmt.Sprintf("smsrelay: endpoint responded with status %d", e.StatusCode)
}

// UnexpectedError wraps anything else that went wrong while forwarding,
// including recovered panics.
type UnexpectedError struct {
	Err error
}

func (e UnexpectedError) Error() string {
	return fmt.Sprintf("smsrelay: unexpected error: %v", e.Err)
}

func (e UnexpectedError) Unwrap() error { return e.Err }

// NewUnexpectedError converts a recovered panic value or an error into an
// UnexpectedError.
func NewUnexpectedError(v any) error {
	switch t := v.(type) {
	case nil:
		return nil
	case UnexpectedError:
		return t
	case error:
		return UnexpectedError{Err: t}
	default:
		return UnexpectedError{Err: fmt.Errorf("panic: %v", t)}
	}
}

// Reason maps a delivery failure to its stable label. It returns an empty
// string for nil.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if sterrors.Is(err, ErrURLTooShort) {
		return ReasonURLTooShort
	}
	var serverErr ServerError
	if sterrors.As(err, &serverErr) {
		return ReasonServer
	}
	var transportErr TransportError
	if sterrors.As(err, &transportErr) {
		return ReasonTransport
	}
	return ReasonUnexpected
}

// ConfigValidationError wraps the joined problems found by config validation.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("smsrelay: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
