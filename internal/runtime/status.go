package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/drblury/smsrelay/internal/runtime/codec"
	"github.com/drblury/smsrelay/internal/runtime/counters"
	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
	"github.com/drblury/smsrelay/internal/runtime/observers"
	"github.com/drblury/smsrelay/internal/runtime/settings"
)

// StatusServerOptions wires a StatusServer. MetricsHandler is mounted on
// /metrics when set.
type StatusServerOptions struct {
	Counters           *counters.Counters
	Settings           *settings.Settings
	Observers          *observers.Registry
	Logger             loggingpkg.ServiceLogger
	CORSAllowedOrigins []string
	MetricsHandler     http.Handler
}

// StatusServer is the HTTP view of the relay. It observes the counters and
// serves the values it last saw, and lets operators change settings.
type StatusServer struct {
	counters  *counters.Counters
	settings  *settings.Settings
	observers *observers.Registry
	logger    loggingpkg.ServiceLogger
	origins   []string
	handler   http.Handler

	viewMu sync.Mutex
	view   counters.Values

	serverMu sync.Mutex
	server   *http.Server
	listener net.Listener
}

func NewStatusServer(opts StatusServerOptions) *StatusServer {
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	s := &StatusServer{
		counters:  opts.Counters,
		settings:  opts.Settings,
		observers: opts.Observers,
		logger:    logger.With(loggingpkg.LogFields{"component": "status"}),
		origins:   opts.CORSAllowedOrigins,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/counters", s.handleGetCounters)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings/{field}", s.handlePutSetting)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	}
	s.handler = s.withCORS(mux)
	return s
}

// Handler exposes the routes without a listener.
func (s *StatusServer) Handler() http.Handler { return s.handler }

// OnCountersChanged refreshes the served view.
func (s *StatusServer) OnCountersChanged() {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	s.view = counters.Values{
		Received:  s.counters.Get(counters.Received),
		Forwarded: s.counters.Get(counters.Forwarded),
		Failed:    s.counters.Get(counters.Failed),
	}
}

// Counters returns the values the server last observed.
func (s *StatusServer) Counters() counters.Values {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	return s.view
}

// Attach subscribes to counter changes and primes the view.
func (s *StatusServer) Attach() {
	if s.observers != nil {
		s.observers.Subscribe(s)
	}
	s.OnCountersChanged()
}

// Detach stops observing the counters.
func (s *StatusServer) Detach() {
	if s.observers != nil {
		s.observers.Unsubscribe(s)
	}
}

// Start attaches and serves on addr in the background.
func (s *StatusServer) Start(addr string) error {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()
	if s.server != nil {
		return errors.New("status server already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.handler}
	s.Attach()

	s.logger.Info("Starting status server", loggingpkg.LogFields{"address": ln.Addr().String()})
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server stopped", err, loggingpkg.LogFields{"address": ln.Addr().String()})
		}
	}(s.server)
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *StatusServer) Addr() string {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close detaches and shuts the listener down.
func (s *StatusServer) Close(ctx context.Context) error {
	s.Detach()

	s.serverMu.Lock()
	srv := s.server
	s.server, s.listener = nil, nil
	s.serverMu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *StatusServer) handleGetCounters(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Counters())
}

func (s *StatusServer) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.settings.Snapshot().Redacted())
}

type settingUpdate struct {
	Value *string `json:"value"`
}

func (s *StatusServer) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	field, err := settings.ParseField(r.PathValue("field"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}

	var body settingUpdate
	if err := codec.Decode(r.Body, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if body.Value == nil {
		s.writeError(w, http.StatusBadRequest, errors.New(`"value" is required`))
		return
	}

	if err := s.settings.Set(r.Context(), field, *body.Value); err != nil {
		if errors.Is(err, errspkg.ErrUnknownSettingsField) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		// the value is applied in memory even when persisting failed
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.settings.Snapshot().Redacted())
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := codec.WriteJSON(w, status, v); err != nil {
		s.logger.Error("Failed to encode response", err, nil)
	}
}

func (s *StatusServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *StatusServer) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := s.allowedOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *StatusServer) allowedOrigin(requestOrigin string) string {
	for _, allowed := range s.origins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
