// Package settings holds the runtime settings of the relay: the endpoint
// base URL, the API key and the user-defined installation id. Values are
// read on every forwarded envelope and may be changed at any time; every
// change is persisted through a Store.
package settings

import (
	"context"
	"fmt"
	"strings"
	"sync"

	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
)

// Field names one of the runtime settings.
type Field int

const (
	BaseURL Field = iota
	APIKey
	UserDefinedID
)

// Fields lists every field in display order.
var Fields = []Field{BaseURL, APIKey, UserDefinedID}

// Key is the name the field is persisted under.
func (f Field) Key() string {
	switch f {
	case BaseURL:
		return "base_url"
	case APIKey:
		return "api_key"
	case UserDefinedID:
		return "user_defined_id"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

func (f Field) String() string { return f.Key() }

func (f Field) valid() bool { return f >= BaseURL && f <= UserDefinedID }

// ParseField accepts the persisted key, with dashes or underscores.
func ParseField(name string) (Field, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for _, f := range Fields {
		if f.Key() == normalized {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", errspkg.ErrUnknownSettingsField, name)
}

// Values is a consistent copy of all settings.
type Values struct {
	BaseURL       string `json:"baseUrl"`
	APIKey        string `json:"apiKey"`
	UserDefinedID string `json:"userDefinedId"`
}

// Redacted hides the API key.
func (v Values) Redacted() Values {
	if v.APIKey != "" {
		v.APIKey = "***REDACTED***"
	}
	return v
}

// Settings is safe for concurrent readers and writers.
type Settings struct {
	store  Store
	logger loggingpkg.ServiceLogger

	mu     sync.RWMutex
	values [3]string

	watchersMu sync.RWMutex
	watchers   map[Field][]func(string)
}

// New returns empty settings persisted through store.
func New(store Store, logger loggingpkg.ServiceLogger) (*Settings, error) {
	if store == nil {
		return nil, errspkg.ErrSettingsStoreRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Settings{
		store:    store,
		logger:   logger.With(loggingpkg.LogFields{"component": "settings"}),
		watchers: make(map[Field][]func(string)),
	}, nil
}

// Load returns settings initialised from store; missing keys default to "".
func Load(ctx context.Context, store Store, logger loggingpkg.ServiceLogger) (*Settings, error) {
	s, err := New(store, logger)
	if err != nil {
		return nil, err
	}
	for _, f := range Fields {
		v, err := store.Load(ctx, f.Key(), "")
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", f.Key(), err)
		}
		s.values[f] = v
	}
	s.logger.Debug("Settings loaded", loggingpkg.LogFields{"settings": s.Snapshot().Redacted()})
	return s, nil
}

// Get returns the current value of f. Unknown fields read as "".
func (s *Settings) Get(f Field) string {
	if !f.valid() {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[f]
}

// Snapshot reads all fields under one lock.
func (s *Settings) Snapshot() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Values{
		BaseURL:       s.values[BaseURL],
		APIKey:        s.values[APIKey],
		UserDefinedID: s.values[UserDefinedID],
	}
}

// Set applies value in memory, persists it, logs the change and notifies the
// field's watchers, in that order. The value is not validated. A persistence
// failure is returned but the in-memory value stays applied.
func (s *Settings) Set(ctx context.Context, f Field, value string) error {
	if !f.valid() {
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownSettingsField, f)
	}

	s.mu.Lock()
	s.values[f] = value
	s.mu.Unlock()

	storeErr := s.store.Store(ctx, f.Key(), value)

	fields := loggingpkg.LogFields{"field": f.Key(), "value": displayValue(f, value)}
	if storeErr != nil {
		s.logger.Error("Setting changed but could not be persisted", storeErr, fields)
	} else {
		s.logger.Info("Setting changed", fields)
	}

	s.notify(f, value)

	if storeErr != nil {
		return fmt.Errorf("persist %s: %w", f.Key(), storeErr)
	}
	return nil
}

// Watch registers fn to be called with the new value after every Set of f.
func (s *Settings) Watch(f Field, fn func(value string)) {
	if fn == nil || !f.valid() {
		return
	}
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	s.watchers[f] = append(s.watchers[f], fn)
}

func (s *Settings) notify(f Field, value string) {
	s.watchersMu.RLock()
	watchers := append([](func(string))(nil), s.watchers[f]...)
	s.watchersMu.RUnlock()

	for _, fn := range watchers {
		s.callWatcher(f, fn, value)
	}
}

func (s *Settings) callWatcher(f Field, fn func(string), value string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Settings watcher panicked", errspkg.NewUnexpectedError(r), loggingpkg.LogFields{"field": f.Key()})
		}
	}()
	fn(value)
}

func displayValue(f Field, value string) string {
	if f == APIKey && value != "" {
		return "***REDACTED***"
	}
	return value
}
