// Package pipeline turns each inbound envelope into exactly one delivery
// attempt and keeps the counters in step with the outcome.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/smsrelay/internal/runtime/counters"
	"github.com/drblury/smsrelay/internal/runtime/delivery"
	"github.com/drblury/smsrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
	"github.com/drblury/smsrelay/internal/runtime/settings"
)

const spanName = "smsrelay.forward"

// Sender starts a delivery. done must be called exactly once.
type Sender interface {
	Send(ctx context.Context, env envelope.Envelope, baseURL string, done func(delivery.Outcome))
}

// SettingsReader exposes the current runtime settings.
type SettingsReader interface {
	Get(field settings.Field) string
}

// Options wires a Pipeline. Settings, Counters and Sender are required.
type Options struct {
	Settings SettingsReader
	Counters *counters.Counters
	Sender   Sender
	Hooks    Hooks
	Logger   loggingpkg.ServiceLogger
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	settings SettingsReader
	counters *counters.Counters
	sender   Sender
	hooks    Hooks
	logger   loggingpkg.ServiceLogger
	tracer   trace.Tracer

	inFlight inFlight
}

func New(opts Options) (*Pipeline, error) {
	if opts.Settings == nil {
		return nil, errors.New("pipeline: settings are required")
	}
	if opts.Counters == nil {
		return nil, errors.New("pipeline: counters are required")
	}
	if opts.Sender == nil {
		return nil, errors.New("pipeline: sender is required")
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NopLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/drblury/smsrelay/pipeline")
	}
	return &Pipeline{
		settings: opts.Settings,
		counters: opts.Counters,
		sender:   opts.Sender,
		hooks:    opts.Hooks,
		logger:   opts.Logger.With(loggingpkg.LogFields{"component": "pipeline"}),
		tracer:   opts.Tracer,
	}, nil
}

// Process counts env as received, enriches it with the current settings and
// hands it to the sender. It returns without waiting for the delivery and
// never panics; the outcome is recorded asynchronously.
func (p *Pipeline) Process(ctx context.Context, env envelope.Envelope) {
	p.counters.Increment(counters.Received)

	if env.ID == "" {
		env.ID = envelope.NewID()
	}

	ctx, span := p.tracer.Start(context.WithoutCancel(ctx), spanName,
		trace.WithAttributes(attribute.String("envelope.id", env.ID)))

	p.inFlight.add()
	var once sync.Once
	done := func(out delivery.Outcome) {
		once.Do(func() {
			defer p.inFlight.done()
			defer span.End()
			p.record(ctx, span, env, out)
		})
	}

	defer func() {
		if r := recover(); r != nil {
			done(delivery.Outcome{EnvelopeID: env.ID, Err: errspkg.NewUnexpectedError(r)})
		}
	}()

	p.callReceived(ctx, env)

	env = env.Enrich(p.settings.Get(settings.UserDefinedID), p.settings.Get(settings.APIKey))
	baseURL := p.settings.Get(settings.BaseURL)

	p.sender.Send(ctx, env, baseURL, done)
}

// Wait blocks until every started delivery has recorded its outcome.
// Process may keep being called while Wait blocks; Wait returns the first
// time nothing is in flight.
func (p *Pipeline) Wait() {
	_ = p.inFlight.wait(context.Background())
}

// Shutdown waits like Wait but gives up when ctx is done.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.inFlight.wait(ctx)
}

// inFlight counts started deliveries. Unlike sync.WaitGroup it may be
// incremented while other goroutines wait on it.
type inFlight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *inFlight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
}

func (f *inFlight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		return
	}
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
}

func (f *inFlight) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) record(ctx context.Context, span trace.Span, env envelope.Envelope, out delivery.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recording outcome panicked", errspkg.NewUnexpectedError(r), loggingpkg.LogFields{"envelope_id": env.ID})
		}
	}()

	fields := loggingpkg.LogFields{
		"envelope_id": env.ID,
		"url":         out.URL,
		"duration":    out.Duration.String(),
	}
	span.SetAttributes(
		attribute.String("smsrelay.result", out.Result()),
		attribute.Int("http.response.status_code", out.StatusCode),
	)

	if out.Forwarded() {
		p.counters.Increment(counters.Forwarded)
		span.SetStatus(codes.Ok, "")
		p.logger.Debug("Envelope forwarded", fields.Add(loggingpkg.LogFields{"status_code": out.StatusCode}))
		p.callOutcome(ctx, "OnForwarded", p.hooks.OnForwarded, env, out)
		return
	}

	p.counters.Increment(counters.Failed)
	span.RecordError(out.Err)
	span.SetStatus(codes.Error, out.Reason())
	p.logger.Error("Failed to forward envelope", out.Err, fields.Add(loggingpkg.LogFields{
		"reason":      out.Reason(),
		"status_code": out.StatusCode,
	}))
	p.callOutcome(ctx, "OnFailed", p.hooks.OnFailed, env, out)
}

func (p *Pipeline) callReceived(ctx context.Context, env envelope.Envelope) {
	if p.hooks.OnReceived == nil {
		return
	}
	defer p.recoverHook("OnReceived", env.ID)
	p.hooks.OnReceived(ctx, env)
}

func (p *Pipeline) callOutcome(ctx context.Context, name string, hook func(context.Context, envelope.Envelope, delivery.Outcome), env envelope.Envelope, out delivery.Outcome) {
	if hook == nil {
		return
	}
	defer p.recoverHook(name, env.ID)
	hook(ctx, env, out)
}

func (p *Pipeline) recoverHook(name, envelopeID string) {
	if r := recover(); r != nil {
		p.logger.Error("Hook panicked", errspkg.NewUnexpectedError(r), loggingpkg.LogFields{
			"hook":        name,
			"envelope_id": envelopeID,
		})
	}
}
