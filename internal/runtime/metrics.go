package runtime

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/smsrelay/internal/runtime/delivery"
	"github.com/drblury/smsrelay/internal/runtime/envelope"
	"github.com/drblury/smsrelay/internal/runtime/pipeline"
)

const (
	metricsNamespace = "smsrelay"
	metricsSubsystem = "relay"
)

// RelayMetrics exports the relay counters and delivery latency to Prometheus.
type RelayMetrics struct {
	received  prometheus.Counter
	forwarded prometheus.Counter
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewRelayMetrics registers the relay collectors on reg. Collectors already
// registered by an earlier service are reused. observerCount feeds the
// observers gauge and may be nil.
func NewRelayMetrics(reg prometheus.Registerer, observerCount func() int) (*RelayMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	received, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "envelopes_received_total",
		Help:      "Envelopes handed to the forwarding pipeline.",
	}))
	if err != nil {
		return nil, err
	}
	forwarded, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "envelopes_forwarded_total",
		Help:      "Envelopes accepted by the endpoint with a 2xx status.",
	}))
	if err != nil {
		return nil, err
	}
	failed, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "envelopes_failed_total",
		Help:      "Envelopes that could not be forwarded, by failure reason.",
	}, []string{"reason"}))
	if err != nil {
		return nil, err
	}
	duration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "delivery_duration_seconds",
		Help:      "Duration of delivery attempts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}

	if observerCount != nil {
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "observers",
			Help:      "Currently subscribed counter observers.",
		}, func() float64 { return float64(observerCount()) })
		if _, err := register[prometheus.Collector](reg, gauge); err != nil {
			return nil, err
		}
	}

	return &RelayMetrics{
		received:  received,
		forwarded: forwarded,
		failed:    failed,
		duration:  duration,
	}, nil
}

// Hooks updates the collectors from pipeline events.
func (m *RelayMetrics) Hooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnReceived: func(context.Context, envelope.Envelope) {
			m.received.Inc()
		},
		OnForwarded: func(_ context.Context, _ envelope.Envelope, out delivery.Outcome) {
			m.forwarded.Inc()
			m.duration.WithLabelValues(out.Result()).Observe(out.Duration.Seconds())
		},
		OnFailed: func(_ context.Context, _ envelope.Envelope, out delivery.Outcome) {
			m.failed.WithLabelValues(out.Reason()).Inc()
			m.duration.WithLabelValues(out.Result()).Observe(out.Duration.Seconds())
		},
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// instrumentRouter adds Watermill's handler and pub/sub metrics to router.
func instrumentRouter(reg prometheus.Registerer, router *message.Router) {
	builder := metrics.NewPrometheusMetricsBuilder(reg, metricsNamespace, "router")
	builder.AddPrometheusRouterMetrics(router)
	router.AddMiddleware(builder.NewRouterMiddleware().Middleware)
}
