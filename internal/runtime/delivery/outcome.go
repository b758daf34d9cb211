package delivery

import (
	"time"

	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
)

// Outcome is the result of one delivery attempt.
type Outcome struct {
	EnvelopeID string
	URL        string
	// StatusCode is the last HTTP status seen, 0 when no response arrived.
	StatusCode int
	Duration   time.Duration
	// Err is nil when the envelope was forwarded.
	Err error
}

// Forwarded reports whether the endpoint accepted the envelope.
func (o Outcome) Forwarded() bool { return o.Err == nil }

// Reason is the short failure classification, "" on success.
func (o Outcome) Reason() string { return errspkg.Reason(o.Err) }

// Result is "forwarded" or "failed".
func (o Outcome) Result() string {
	if o.Forwarded() {
		return "forwarded"
	}
	return "failed"
}
