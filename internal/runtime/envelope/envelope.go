// Package envelope defines the unit of work forwarded by the relay: one
// inbound SMS plus the metadata attached before delivery.
package envelope

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/drblury/smsrelay/internal/runtime/codec"
)

// Envelope is the JSON document POSTed to the configured endpoint.
// UserDefinedID and APIKey are nil until the pipeline enriches the
// envelope; nil serializes as JSON null.
type Envelope struct {
	ID string `json:"-"`

	TimestampMillis      int64           `json:"timestampMillis"`
	OriginalMessage      json.RawMessage `json:"originalMessage,omitempty"`
	MessageBody          string          `json:"messageBody"`
	OriginatingAddress   string          `json:"originatingAddress"`
	ServiceCenterAddress string          `json:"serviceCenterAddress"`
	UserDefinedID        *string         `json:"userDefinedId"`
	APIKey               *string         `json:"apiKey"`
}

// Enrich returns a copy carrying the given id and key. Empty strings are
// kept as empty strings, not null.
func (e Envelope) Enrich(userDefinedID, apiKey string) Envelope {
	e.UserDefinedID = &userDefinedID
	e.APIKey = &apiKey
	if e.ID == "" {
		e.ID = NewID()
	}
	return e
}

// Marshal encodes the envelope body.
func (e Envelope) Marshal() ([]byte, error) {
	return codec.Marshal(e)
}

// Decode parses one envelope or a JSON array of envelopes. Each element
// keeps its own raw JSON as OriginalMessage unless the producer already set
// one.
func Decode(payload []byte) ([]Envelope, error) {
	trimmed := trimLeadingSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := codec.Unmarshal(trimmed, &raws); err != nil {
			return nil, err
		}
		out := make([]Envelope, 0, len(raws))
		for _, raw := range raws {
			env, err := decodeOne(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, env)
		}
		return out, nil
	}

	env, err := decodeOne(trimmed)
	if err != nil {
		return nil, err
	}
	return []Envelope{env}, nil
}

func decodeOne(raw []byte) (Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if len(env.OriginalMessage) == 0 {
		env.OriginalMessage = append(json.RawMessage(nil), raw...)
	}
	return env, nil
}

func trimLeadingSpace(b []byte) []byte {
	for len(b) > 0 {
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			b = b[1:]
		default:
			return b
		}
	}
	return b
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a time-sortable ULID.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
