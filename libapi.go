package smsrelay

import (
	runtimepkg "github.com/drblury/smsrelay/internal/runtime"
	"github.com/drblury/smsrelay/internal/runtime/codec"
	configpkg "github.com/drblury/smsrelay/internal/runtime/config"
	"github.com/drblury/smsrelay/internal/runtime/counters"
	"github.com/drblury/smsrelay/internal/runtime/delivery"
	"github.com/drblury/smsrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
	"github.com/drblury/smsrelay/internal/runtime/observers"
	"github.com/drblury/smsrelay/internal/runtime/pipeline"
	"github.com/drblury/smsrelay/internal/runtime/settings"
	transportpkg "github.com/drblury/smsrelay/internal/runtime/transport"
)

type (
	Config               = configpkg.Config
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	Transport            = transportpkg.Transport
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	Envelope = envelope.Envelope
	Outcome  = delivery.Outcome
	Hooks    = pipeline.Hooks

	// Settings
	Settings       = settings.Settings
	SettingsField  = settings.Field
	SettingsValues = settings.Values
	SettingsStore  = settings.Store

	// Counters and observers
	Counters         = counters.Counters
	Counter          = counters.Counter
	CounterValues    = counters.Values
	Observer         = observers.Observer
	ObserverFunc     = observers.ObserverFunc
	ObserverRegistry = observers.Registry

	StatusServer   = runtimepkg.StatusServer
	RelayMetrics   = runtimepkg.RelayMetrics
	DeliveryClient = delivery.Client

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Failure classification
	TransportError        = errspkg.TransportError
	ServerError           = errspkg.ServerError
	UnexpectedError       = errspkg.UnexpectedError
	ConfigValidationError = errspkg.ConfigValidationError
)

const (
	BaseURL       = settings.BaseURL
	APIKey        = settings.APIKey
	UserDefinedID = settings.UserDefinedID

	Received  = counters.Received
	Forwarded = counters.Forwarded
	Failed    = counters.Failed
)

var (
	NewService        = runtimepkg.NewService
	DefaultConfig     = configpkg.Defaults
	LoadConfig        = configpkg.Load
	ValidateConfig    = configpkg.ValidateConfig
	OpenSettingsStore = runtimepkg.OpenSettingsStore

	NewMemoryStore = settings.NewMemoryStore
	NewFileStore   = settings.NewFileStore
	NewRedisStore  = settings.NewRedisStore
	ParseField     = settings.ParseField

	NewObserverRegistry = observers.NewRegistry
	NewCounters         = counters.New

	DecodeEnvelopes = envelope.Decode
	NormalizeURL    = delivery.NormalizeURL
	FailureReason   = errspkg.Reason

	NewLogger                 = loggingpkg.NewLogger
	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger

	Marshal       = codec.Marshal
	MarshalIndent = codec.MarshalIndent
	Unmarshal     = codec.Unmarshal
)

var (
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrSettingsStoreRequired = errspkg.ErrSettingsStoreRequired
	ErrUnknownSettingsField  = errspkg.ErrUnknownSettingsField
	ErrURLTooShort           = errspkg.ErrURLTooShort
)
