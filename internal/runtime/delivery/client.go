// Package delivery POSTs envelopes to the configured endpoint, one attempt
// per envelope, and classifies the result.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/smsrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxInFlight    = 64

	// topic is ignored by the endpoint; the publisher API requires one.
	topic = "sms"
)

// PublisherFactory builds the per-attempt HTTP publisher. Tests replace it.
var PublisherFactory = func(conf wmhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmhttp.NewPublisher(conf, logger)
}

// Options tunes the client. Zero values select the defaults.
type Options struct {
	RequestTimeout time.Duration
	MaxInFlight    int
	// Transport is the round tripper used for every request, defaulting to
	// http.DefaultTransport.
	Transport http.RoundTripper
}

// Client sends envelopes. It is safe for concurrent use.
type Client struct {
	timeout   time.Duration
	transport http.RoundTripper
	slots     chan struct{}
	logger    loggingpkg.ServiceLogger
	wmLogger  watermill.LoggerAdapter
}

// NewClient returns a client. logger may be nil.
func NewClient(opts Options, logger loggingpkg.ServiceLogger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	logger = logger.With(loggingpkg.LogFields{"component": "delivery"})

	return &Client{
		timeout:   opts.RequestTimeout,
		transport: opts.Transport,
		slots:     make(chan struct{}, opts.MaxInFlight),
		logger:    logger,
		wmLogger:  loggingpkg.NewWatermillAdapter(logger),
	}
}

// Send starts a delivery and returns without waiting for I/O. done is
// called exactly once, synchronously when the URL is rejected and from a
// worker goroutine otherwise.
func (c *Client) Send(ctx context.Context, env envelope.Envelope, baseURL string, done func(Outcome)) {
	normalized, err := NormalizeURL(baseURL)
	if err != nil {
		done(Outcome{EnvelopeID: env.ID, URL: normalized, Err: err})
		return
	}

	go func() {
		start := time.Now()
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			done(Outcome{EnvelopeID: env.ID, URL: normalized, Duration: time.Since(start), Err: errspkg.TransportError{Err: ctx.Err()}})
			return
		}
		defer func() { <-c.slots }()

		done(c.deliver(ctx, env, normalized))
	}()
}

// Deliver performs one attempt and blocks until it is classified.
func (c *Client) Deliver(ctx context.Context, env envelope.Envelope, baseURL string) Outcome {
	normalized, err := NormalizeURL(baseURL)
	if err != nil {
		return Outcome{EnvelopeID: env.ID, URL: normalized, Err: err}
	}
	return c.deliver(ctx, env, normalized)
}

func (c *Client) deliver(ctx context.Context, env envelope.Envelope, target string) (out Outcome) {
	start := time.Now()
	out = Outcome{EnvelopeID: env.ID, URL: target}
	defer func() {
		if r := recover(); r != nil {
			out.Err = errspkg.NewUnexpectedError(r)
		}
		out.Duration = time.Since(start)
	}()

	fields := loggingpkg.LogFields{"envelope_id": env.ID, "url": target}

	if _, err := url.ParseRequestURI(target); err != nil {
		out.Err = errspkg.NewUnexpectedError(fmt.Errorf("invalid base URL: %w", err))
		return out
	}

	body, err := env.Marshal()
	if err != nil {
		out.Err = errspkg.NewUnexpectedError(fmt.Errorf("marshal envelope: %w", err))
		return out
	}

	rec := &statusRecorder{next: c.transport}
	publisher, err := PublisherFactory(wmhttp.PublisherConfig{
		MarshalMessageFunc: func(_ string, msg *message.Message) (*http.Request, error) {
			req, err := http.NewRequestWithContext(msg.Context(), http.MethodPost, target, bytes.NewReader(msg.Payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
		Client: &http.Client{
			Timeout:   c.timeout,
			Transport: rec,
		},
	}, c.wmLogger)
	if err != nil {
		out.Err = errspkg.NewUnexpectedError(fmt.Errorf("create publisher: %w", err))
		return out
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			c.logger.Debug("Closing publisher failed", fields.Add(loggingpkg.LogFields{"error": err}))
		}
	}()

	uuid := env.ID
	if uuid == "" {
		uuid = watermill.NewUUID()
	}
	msg := message.NewMessage(uuid, body)
	msg.SetContext(ctx)

	c.logger.Debug("Posting envelope", fields)
	pubErr := publisher.Publish(topic, msg)

	out.StatusCode = rec.Status()
	out.Err = classify(out.StatusCode, pubErr)
	return out
}

func classify(status int, err error) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status != 0:
		return errspkg.ServerError{StatusCode: status}
	case err != nil:
		return errspkg.TransportError{Err: err}
	default:
		return errspkg.NewUnexpectedError(errors.New("no response and no error from publisher"))
	}
}

// statusRecorder remembers the status of the last hop so redirects report
// where they ended up. A hop that fails without a response clears it.
type statusRecorder struct {
	next http.RoundTripper

	mu     sync.Mutex
	status int
}

func (s *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.status = 0
	s.mu.Unlock()

	resp, err := s.next.RoundTrip(req)
	if resp != nil {
		s.mu.Lock()
		s.status = resp.StatusCode
		s.mu.Unlock()
	}
	return resp, err
}

func (s *statusRecorder) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
