package pipeline

import (
	"context"

	"github.com/drblury/smsrelay/internal/runtime/delivery"
	"github.com/drblury/smsrelay/internal/runtime/envelope"
)

// Hooks are optional callbacks around each envelope. They run after the
// matching counter has been updated; a panicking hook is recovered and
// logged.
type Hooks struct {
	// OnReceived runs once per Process call, before enrichment.
	OnReceived func(ctx context.Context, env envelope.Envelope)
	// OnForwarded runs when the endpoint accepted the envelope.
	OnForwarded func(ctx context.Context, env envelope.Envelope, out delivery.Outcome)
	// OnFailed runs for every other outcome.
	OnFailed func(ctx context.Context, env envelope.Envelope, out delivery.Outcome)
}

// Merge returns hooks calling h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnReceived:  chainReceived(h.OnReceived, other.OnReceived),
		OnForwarded: chainOutcome(h.OnForwarded, other.OnForwarded),
		OnFailed:    chainOutcome(h.OnFailed, other.OnFailed),
	}
}

func chainReceived(a, b func(context.Context, envelope.Envelope)) func(context.Context, envelope.Envelope) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, env envelope.Envelope) {
		a(ctx, env)
		b(ctx, env)
	}
}

func chainOutcome(a, b func(context.Context, envelope.Envelope, delivery.Outcome)) func(context.Context, envelope.Envelope, delivery.Outcome) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, env envelope.Envelope, out delivery.Outcome) {
		a(ctx, env, out)
		b(ctx, env, out)
	}
}
