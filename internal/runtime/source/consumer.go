// Package source consumes inbound SMS events from the broker and feeds them
// to the forwarding pipeline.
package source

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/smsrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
)

// HandlerName is the router handler the consumer registers.
const HandlerName = "smsrelay_inbound"

// Processor accepts one envelope. Process must not block on delivery.
type Processor interface {
	Process(ctx context.Context, env envelope.Envelope)
}

// Consumer reads one topic. Every message is acked: delivery failures are
// counted by the pipeline, not redelivered by the broker.
type Consumer struct {
	subscriber message.Subscriber
	topic      string
	processor  Processor
	logger     loggingpkg.ServiceLogger
}

func NewConsumer(subscriber message.Subscriber, topic string, processor Processor, logger loggingpkg.ServiceLogger) (*Consumer, error) {
	if subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if processor == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return &Consumer{
		subscriber: subscriber,
		topic:      topic,
		processor:  processor,
		logger:     logger.With(loggingpkg.LogFields{"component": "source", "topic": topic}),
	}, nil
}

// Register adds the consumer to router. The subscription starts when the
// router runs.
func (c *Consumer) Register(router *message.Router) *message.Handler {
	c.logger.Debug("Registering inbound handler", loggingpkg.LogFields{"handler": HandlerName})
	return router.AddNoPublisherHandler(HandlerName, c.topic, c.subscriber, c.Handle)
}

// Handle decodes msg into one or more envelopes and processes each.
// Payloads that do not decode are logged and dropped without being counted.
// It never returns an error, so the router acks every message.
func (c *Consumer) Handle(msg *message.Message) error {
	fields := loggingpkg.LogFields{"message_uuid": msg.UUID}
	if id := middleware.MessageCorrelationID(msg); id != "" {
		fields["correlation_id"] = id
	}

	envs, err := envelope.Decode(msg.Payload)
	if err != nil {
		c.logger.Error("Dropping undecodable inbound event", err, fields.Add(loggingpkg.LogFields{"payload_bytes": len(msg.Payload)}))
		return nil
	}

	ctx := msg.Context()
	for i, env := range envs {
		c.logger.Trace("Inbound event decoded", fields.Add(loggingpkg.LogFields{"part": i}))
		c.process(ctx, env)
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Processor panicked", errspkg.NewUnexpectedError(r), loggingpkg.LogFields{"envelope_id": env.ID})
		}
	}()
	c.processor.Process(ctx, env)
}
