package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/smsrelay/internal/runtime/delivery"
	"github.com/drblury/smsrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
)

func decodeOutcome(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var event structpb.Struct
	require.NoError(t, protojson.Unmarshal(payload, &event))
	return event.AsMap()
}

func TestNewOutcomeMessage(t *testing.T) {
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg, err := NewOutcomeMessage(delivery.Outcome{
		EnvelopeID: "env-1",
		StatusCode: 200,
		Duration:   150 * time.Millisecond,
	}, occurred)
	require.NoError(t, err)

	assert.NotEmpty(t, msg.UUID)
	assert.Equal(t, outcomeEventType, msg.Metadata.Get("event_type"))
	assert.Equal(t, "env-1", msg.Metadata.Get("envelope_id"))

	event := decodeOutcome(t, msg.Payload)
	assert.Equal(t, "env-1", event["envelope_id"])
	assert.Equal(t, "forwarded", event["result"])
	assert.Equal(t, "", event["reason"])
	assert.Equal(t, 200.0, event["status_code"])
	assert.Equal(t, 150.0, event["duration_ms"])
	assert.Equal(t, "2026-03-01T12:00:00Z", event["occurred_at"])
}

func TestNewOutcomeMessageFailure(t *testing.T) {
	msg, err := NewOutcomeMessage(delivery.Outcome{
		EnvelopeID: "env-2",
		Err:        errspkg.ErrURLTooShort,
	}, time.Now())
	require.NoError(t, err)

	event := decodeOutcome(t, msg.Payload)
	assert.Equal(t, "failed", event["result"])
	assert.Equal(t, errspkg.ReasonURLTooShort, event["reason"])
	assert.Equal(t, 0.0, event["status_code"])
}

func TestOutcomePublisherHooks(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events, err := pubSub.Subscribe(ctx, "sms.outcomes")
	require.NoError(t, err)

	hooks := NewOutcomePublisher(pubSub, "sms.outcomes", nil).Hooks()
	hooks.OnForwarded(ctx, envelope.Envelope{}, delivery.Outcome{EnvelopeID: "a", StatusCode: 204})
	hooks.OnFailed(ctx, envelope.Envelope{}, delivery.Outcome{EnvelopeID: "b", Err: errspkg.ServerError{StatusCode: 502}})

	var results []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-events:
			event := decodeOutcome(t, msg.Payload)
			results = append(results, event["envelope_id"].(string)+":"+event["result"].(string))
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatal("outcome event not published")
		}
	}
	assert.Equal(t, []string{"a:forwarded", "b:failed"}, results)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(string, ...*message.Message) error {
	p.calls++
	return errors.New("broker down")
}

func (p *failingPublisher) Close() error { return nil }

func TestOutcomePublisherSwallowsErrors(t *testing.T) {
	pub := &failingPublisher{}
	p := NewOutcomePublisher(pub, "sms.outcomes", nil)

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), delivery.Outcome{EnvelopeID: "x"})
	})
	assert.Equal(t, 1, pub.calls)
}
