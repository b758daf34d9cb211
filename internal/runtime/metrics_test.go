package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/smsrelay/internal/runtime/delivery"
	"github.com/drblury/smsrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
)

// gathered returns the value of the sample of family name whose labels
// include want, reading counters, gauges and histogram sample counts.
func gathered(t *testing.T, g prometheus.Gatherer, name string, want map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestRelayMetricsHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	observers := 3
	m, err := NewRelayMetrics(reg, func() int { return observers })
	require.NoError(t, err)

	hooks := m.Hooks()
	ctx := context.Background()
	hooks.OnReceived(ctx, envelope.Envelope{})
	hooks.OnReceived(ctx, envelope.Envelope{})
	hooks.OnForwarded(ctx, envelope.Envelope{}, delivery.Outcome{Duration: 20 * time.Millisecond})
	hooks.OnFailed(ctx, envelope.Envelope{}, delivery.Outcome{Err: errspkg.ServerError{StatusCode: 500}})

	assert.Equal(t, 2.0, gathered(t, reg, "smsrelay_relay_envelopes_received_total", nil))
	assert.Equal(t, 1.0, gathered(t, reg, "smsrelay_relay_envelopes_forwarded_total", nil))
	assert.Equal(t, 1.0, gathered(t, reg, "smsrelay_relay_envelopes_failed_total", map[string]string{"reason": errspkg.ReasonServer}))
	assert.Equal(t, 0.0, gathered(t, reg, "smsrelay_relay_envelopes_failed_total", map[string]string{"reason": errspkg.ReasonTransport}))
	assert.Equal(t, 1.0, gathered(t, reg, "smsrelay_relay_delivery_duration_seconds", map[string]string{"result": "forwarded"}))
	assert.Equal(t, 1.0, gathered(t, reg, "smsrelay_relay_delivery_duration_seconds", map[string]string{"result": "failed"}))
	assert.Equal(t, 3.0, gathered(t, reg, "smsrelay_relay_observers", nil))
}

func TestRelayMetricsReuseRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRelayMetrics(reg, nil)
	require.NoError(t, err)
	second, err := NewRelayMetrics(reg, nil)
	require.NoError(t, err)

	second.Hooks().OnReceived(context.Background(), envelope.Envelope{})
	second.Hooks().OnReceived(context.Background(), envelope.Envelope{})
	assert.Equal(t, 2.0, gathered(t, reg, "smsrelay_relay_envelopes_received_total", nil))
}

type rejectingRegisterer struct{ prometheus.Registerer }

func (rejectingRegisterer) Register(prometheus.Collector) error { return errors.New("registry sealed") }

func TestRelayMetricsRegisterError(t *testing.T) {
	_, err := NewRelayMetrics(rejectingRegisterer{}, nil)
	assert.EqualError(t, err, "registry sealed")
}
