// Package transport builds the broker connection inbound SMS events are
// consumed from and outcome events are published to.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/smsrelay/internal/runtime/config"
)

// Transport pairs the publisher and subscriber of one broker.
type Transport struct {
	Name       string
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Factory abstracts how the relay connects to its broker.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory selects the broker by conf.PubSubSystem.
func DefaultFactory() Factory {
	return FactoryFunc(Build)
}

// Build connects to the broker named by conf.PubSubSystem.
func Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errors.New("config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := strings.ToLower(strings.TrimSpace(conf.GetPubSubSystem()))
	var (
		t   Transport
		err error
	)
	switch name {
	case "", "channel", "gochannel":
		name = "channel"
		t, err = channelTransport(conf, logger)
	case "nats":
		t, err = natsTransport(conf, logger)
	case "kafka":
		t, err = kafkaTransport(conf, logger)
	case "rabbitmq":
		t, err = rabbitTransport(conf, logger)
	case "aws":
		t, err = awsTransport(ctx, conf, logger)
	case "http":
		t, err = httpTransport(conf, logger)
	default:
		return Transport{}, fmt.Errorf("unsupported pubsub system %q", conf.GetPubSubSystem())
	}
	if err != nil {
		return Transport{}, fmt.Errorf("%s transport: %w", name, err)
	}
	t.Name = name
	logger.Info("Transport ready", watermill.LogFields{"transport": name})
	return t, nil
}

// Close closes the publisher and the subscriber. Transports backed by a
// single pub/sub object are closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	if t.Publisher != nil && !samePubSub(t.Publisher, t.Subscriber) {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	return errors.Join(errs...)
}

func samePubSub(pub message.Publisher, sub message.Subscriber) (same bool) {
	if sub == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return any(pub) == any(sub)
}

// HTTPServerStarter is implemented by subscribers that serve their own
// listener and must be started after every topic is subscribed.
type HTTPServerStarter interface {
	StartHTTPServer() error
}

// StartServers runs the subscriber's listener in the background when it has
// one. Listener errors are logged.
func (t Transport) StartServers(logger watermill.LoggerAdapter) {
	starter, ok := t.Subscriber.(HTTPServerStarter)
	if !ok {
		return
	}
	go func() {
		if err := starter.StartHTTPServer(); err != nil {
			logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"transport": t.Name})
		}
	}()
}
