package transport

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/smsrelay/internal/runtime/config"
	"github.com/drblury/smsrelay/internal/runtime/envelope"
)

var (
	HTTPPublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return http.NewPublisher(cfg, logger)
	}
	HTTPSubscriberFactory = func(addr string, cfg http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return http.NewSubscriber(addr, cfg, logger)
	}
)

// httpTransport accepts inbound events as POST /<topic> on
// HTTPServerAddress and posts published messages to HTTPPublisherURL+topic.
func httpTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	publisherURL := conf.GetHTTPPublisherURL()
	publisher, err := HTTPPublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			if publisherURL == "" {
				return nil, fmt.Errorf("no HTTP publisher URL configured for topic %q", topic)
			}
			return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
		},
	}, logger)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := HTTPSubscriberFactory(conf.GetHTTPServerAddress(), http.SubscriberConfig{
		UnmarshalMessageFunc: unmarshalInboundRequest,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}

	return Transport{Publisher: publisher, Subscriber: &routedSubscriber{Subscriber: subscriber}}, nil
}

// unmarshalInboundRequest turns a raw POST from a phone or gateway into a
// message. Producers rarely send Watermill headers, so every request gets a
// fresh id.
func unmarshalInboundRequest(topic string, req *nethttp.Request) (*message.Message, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read inbound body on %s: %w", topic, err)
	}
	msg := message.NewMessage(envelope.NewID(), body)
	if ct := req.Header.Get("Content-Type"); ct != "" {
		msg.Metadata.Set("content_type", ct)
	}
	return msg, nil
}

// routedSubscriber maps topics to router paths, which must start with "/".
type routedSubscriber struct {
	message.Subscriber
}

func (r *routedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if !strings.HasPrefix(topic, "/") {
		topic = "/" + topic
	}
	return r.Subscriber.Subscribe(ctx, topic)
}

func (r *routedSubscriber) StartHTTPServer() error {
	starter, ok := r.Subscriber.(HTTPServerStarter)
	if !ok {
		return nil
	}
	return starter.StartHTTPServer()
}
