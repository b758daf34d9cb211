package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/smsrelay/internal/runtime/delivery"
	"github.com/drblury/smsrelay/internal/runtime/envelope"
	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
	"github.com/drblury/smsrelay/internal/runtime/pipeline"
)

const outcomeEventType = "smsrelay.outcome.v1"

var outcomeMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// OutcomePublisher emits one event per delivery outcome on the broker.
type OutcomePublisher struct {
	publisher message.Publisher
	topic     string
	logger    loggingpkg.ServiceLogger
	now       func() time.Time
}

func NewOutcomePublisher(publisher message.Publisher, topic string, logger loggingpkg.ServiceLogger) *OutcomePublisher {
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return &OutcomePublisher{
		publisher: publisher,
		topic:     topic,
		logger:    logger.With(loggingpkg.LogFields{"component": "outcomes", "topic": topic}),
		now:       time.Now,
	}
}

// NewOutcomeMessage encodes out as a google.protobuf.Struct in protojson.
func NewOutcomeMessage(out delivery.Outcome, occurredAt time.Time) (*message.Message, error) {
	event, err := structpb.NewStruct(map[string]any{
		"envelope_id": out.EnvelopeID,
		"result":      out.Result(),
		"reason":      out.Reason(),
		"status_code": out.StatusCode,
		"duration_ms": out.Duration.Milliseconds(),
		"occurred_at": occurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("build outcome event: %w", err)
	}

	payload, err := outcomeMarshalOptions.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal outcome event: %w", err)
	}

	msg := message.NewMessage(envelope.NewID(), payload)
	msg.Metadata.Set("event_type", outcomeEventType)
	msg.Metadata.Set("envelope_id", out.EnvelopeID)
	return msg, nil
}

// Publish sends the event. Errors are logged and never affect counters.
func (p *OutcomePublisher) Publish(ctx context.Context, out delivery.Outcome) {
	msg, err := NewOutcomeMessage(out, p.now())
	if err != nil {
		p.logger.Error("Failed to build outcome event", err, loggingpkg.LogFields{"envelope_id": out.EnvelopeID})
		return
	}
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		p.logger.Error("Failed to publish outcome event", err, loggingpkg.LogFields{"envelope_id": out.EnvelopeID})
	}
}

// Hooks publishes on both forwarded and failed outcomes.
func (p *OutcomePublisher) Hooks() pipeline.Hooks {
	publish := func(ctx context.Context, _ envelope.Envelope, out delivery.Outcome) {
		p.Publish(ctx, out)
	}
	return pipeline.Hooks{OnForwarded: publish, OnFailed: publish}
}
