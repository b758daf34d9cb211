package transport

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/smsrelay/internal/runtime/config"
)

// channelBuffer lets in-process producers publish a burst of multi-part
// messages without blocking on the consumer.
const channelBuffer = 256

var GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func channelTransport(_ *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	pub, sub := GoChannelFactory(gochannel.Config{
		OutputChannelBuffer: channelBuffer,
	}, logger)
	return Transport{Publisher: pub, Subscriber: sub}, nil
}
