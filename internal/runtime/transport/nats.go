package transport

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/smsrelay/internal/runtime/config"
)

const natsQueueGroup = "smsrelay"

var (
	NATSPublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	NATSSubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}
)

// natsOptions keeps the relay connected across broker restarts.
func natsOptions() []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("smsrelay"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
	}
}

func natsTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	marshaler := &nats.NATSMarshaler{}
	// plain core NATS; the relay does not need stream persistence
	jetStream := nats.JetStreamConfig{Disabled: true}

	publisher, err := NATSPublisherFactory(nats.PublisherConfig{
		URL:         conf.GetNATSURL(),
		Marshaler:   marshaler,
		NatsOptions: natsOptions(),
		JetStream:   jetStream,
	}, logger)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := NATSSubscriberFactory(nats.SubscriberConfig{
		URL:              conf.GetNATSURL(),
		QueueGroupPrefix: natsQueueGroup,
		Unmarshaler:      marshaler,
		NatsOptions:      natsOptions(),
		JetStream:        jetStream,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}

	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
