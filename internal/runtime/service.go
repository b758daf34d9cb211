package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/smsrelay/internal/runtime/config"
	"github.com/drblury/smsrelay/internal/runtime/counters"
	"github.com/drblury/smsrelay/internal/runtime/delivery"
	"github.com/drblury/smsrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
	"github.com/drblury/smsrelay/internal/runtime/observers"
	"github.com/drblury/smsrelay/internal/runtime/pipeline"
	"github.com/drblury/smsrelay/internal/runtime/settings"
	"github.com/drblury/smsrelay/internal/runtime/source"
	transportpkg "github.com/drblury/smsrelay/internal/runtime/transport"
)

// ServiceDependencies holds optional collaborators. Nil fields fall back to
// what the config selects.
type ServiceDependencies struct {
	// SettingsStore overrides conf.SettingsBackend.
	SettingsStore    settings.Store
	TransportFactory transportpkg.Factory
	// HTTPTransport is the round tripper used for deliveries.
	HTTPTransport http.RoundTripper
	Hooks         pipeline.Hooks
	// Registerer receives the relay metrics when conf.MetricsEnabled is set.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
}

// Service wires the broker consumer, the forwarding pipeline and the status
// API of one relay process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	Settings  *settings.Settings
	Counters  *counters.Counters
	Observers *observers.Registry
	Delivery  *delivery.Client
	Pipeline  *pipeline.Pipeline

	transport transportpkg.Transport
	router    *message.Router
	status    *StatusServer
	closers   []io.Closer

	closeOnce sync.Once
	closeErr  error
}

// NewService builds every component. Call Start to begin consuming.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating relay service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{Conf: conf, Logger: log}

	store := deps.SettingsStore
	if store == nil {
		var err error
		store, err = OpenSettingsStore(ctx, conf)
		if err != nil {
			return nil, err
		}
		if c, ok := store.(io.Closer); ok {
			s.closers = append(s.closers, c)
		}
	}

	var err error
	s.Settings, err = settings.Load(ctx, store, log)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("load settings: %w", err)
	}
	s.Settings.Watch(settings.BaseURL, func(v string) {
		if _, err := delivery.NormalizeURL(v); err != nil {
			log.Info("Base URL is too short; envelopes will fail until it is fixed", loggingpkg.LogFields{"base_url": v})
		}
	})

	s.Observers = observers.NewRegistry(log)
	s.Counters = counters.New(s.Observers, log)
	s.Delivery = delivery.NewClient(delivery.Options{
		RequestTimeout: conf.RequestTimeout,
		MaxInFlight:    conf.MaxInFlight,
		Transport:      deps.HTTPTransport,
	}, log)

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	s.transport, err = factory.Build(ctx, conf, wmLogger)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("build transport: %w", err)
	}

	s.router, err = message.NewRouter(message.RouterConfig{CloseTimeout: s.shutdownTimeout()}, wmLogger)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("create router: %w", err)
	}
	s.router.AddPlugin(plugin.SignalsHandler)
	s.router.AddMiddleware(middleware.CorrelationID, middleware.Recoverer)

	hooks := deps.Hooks
	var metricsHandler http.Handler
	if conf.MetricsEnabled {
		reg := deps.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		metrics, err := NewRelayMetrics(reg, s.Observers.Len)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		hooks = hooks.Merge(metrics.Hooks())
		instrumentRouter(reg, s.router)
		metricsHandler = metricsHTTPHandler(reg)
	}
	if conf.OutcomeTopic != "" {
		hooks = hooks.Merge(NewOutcomePublisher(s.transport.Publisher, conf.OutcomeTopic, log).Hooks())
	}

	s.Pipeline, err = pipeline.New(pipeline.Options{
		Settings: s.Settings,
		Counters: s.Counters,
		Sender:   s.Delivery,
		Hooks:    hooks,
		Logger:   log,
		Tracer:   deps.Tracer,
	})
	if err != nil {
		s.closeAll()
		return nil, err
	}

	consumer, err := source.NewConsumer(s.transport.Subscriber, conf.InboundTopic, s.Pipeline, log)
	if err != nil {
		s.closeAll()
		return nil, err
	}
	consumer.Register(s.router)

	if conf.StatusEnabled {
		s.status = NewStatusServer(StatusServerOptions{
			Counters:           s.Counters,
			Settings:           s.Settings,
			Observers:          s.Observers,
			Logger:             log,
			CORSAllowedOrigins: conf.StatusCORSAllowedOrigins,
			MetricsHandler:     metricsHandler,
		})
	}

	return s, nil
}

// OpenSettingsStore returns the store conf.SettingsBackend selects. Stores
// holding a connection implement io.Closer.
func OpenSettingsStore(ctx context.Context, conf *configpkg.Config) (settings.Store, error) {
	switch strings.ToLower(conf.SettingsBackend) {
	case "", configpkg.SettingsBackendMemory:
		return settings.NewMemoryStore(nil), nil
	case configpkg.SettingsBackendFile:
		return settings.NewFileStore(conf.SettingsFile), nil
	case configpkg.SettingsBackendRedis:
		store, err := settings.NewRedisStore(ctx, conf.RedisURL, conf.RedisKey)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownSettingsBackend, conf.SettingsBackend)
	}
}

func metricsHTTPHandler(reg prometheus.Registerer) http.Handler {
	if gatherer, ok := reg.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Process forwards one envelope without going through the broker.
func (s *Service) Process(ctx context.Context, env envelope.Envelope) {
	s.Pipeline.Process(ctx, env)
}

// Publisher is the broker publisher, for in-process producers and tests.
func (s *Service) Publisher() message.Publisher { return s.transport.Publisher }

// Status returns the status server, nil when disabled.
func (s *Service) Status() *StatusServer { return s.status }

// Start serves the status API and runs the router until ctx is cancelled.
// In-flight deliveries are then drained for at most conf.ShutdownTimeout and
// every resource is closed.
func (s *Service) Start(ctx context.Context) error {
	if s.status != nil {
		if err := s.status.Start(fmt.Sprintf(":%d", s.Conf.StatusPort)); err != nil {
			s.closeAll()
			return err
		}
	}

	// HTTP subscribers register their routes on subscribe, so the server
	// can only start once the router is running.
	go func() {
		select {
		case <-s.router.Running():
			s.transport.StartServers(loggingpkg.NewWatermillAdapter(s.Logger))
		case <-ctx.Done():
		}
	}()

	runErr := s.router.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	s.Logger.Info("Draining in-flight deliveries", loggingpkg.LogFields{"timeout": s.Conf.ShutdownTimeout.String()})
	drainErr := s.Drain(context.WithoutCancel(ctx))

	return errors.Join(runErr, drainErr, s.Close())
}

// Drain waits for in-flight deliveries, bounded by conf.ShutdownTimeout
// when it is set.
func (s *Service) Drain(ctx context.Context) error {
	if s.Conf.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Conf.ShutdownTimeout)
		defer cancel()
	}
	if err := s.Pipeline.Shutdown(ctx); err != nil {
		return fmt.Errorf("drain deliveries: %w", err)
	}
	return nil
}

// Close stops the status server and releases the broker and settings
// store. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeAll()
	return s.closeErr
}

func (s *Service) closeAll() {
	s.closeOnce.Do(func() {
		var errs []error
		if s.router != nil {
			errs = append(errs, s.router.Close())
		}
		if s.status != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
			errs = append(errs, s.status.Close(ctx))
			cancel()
		}
		errs = append(errs, s.transport.Close())
		for _, c := range s.closers {
			errs = append(errs, c.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
}

func (s *Service) shutdownTimeout() time.Duration {
	if s.Conf.ShutdownTimeout > 0 {
		return s.Conf.ShutdownTimeout
	}
	return configpkg.Defaults().ShutdownTimeout
}
