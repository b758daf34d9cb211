package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/drblury/smsrelay/internal/runtime/counters"
	"github.com/drblury/smsrelay/internal/runtime/delivery"
	"github.com/drblury/smsrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
	"github.com/drblury/smsrelay/internal/runtime/observers"
	"github.com/drblury/smsrelay/internal/runtime/settings"
)

type stubTransport struct {
	status int
	calls  atomic.Int64

	mu   sync.Mutex
	urls []string
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.urls = append(s.urls, req.URL.String())
	s.mu.Unlock()

	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

type countingObserver struct{ calls atomic.Int64 }

func (c *countingObserver) OnCountersChanged() { c.calls.Add(1) }

type fixture struct {
	settings *settings.Settings
	counters *counters.Counters
	registry *observers.Registry
	pipeline *Pipeline
}

func newFixture(t *testing.T, baseURL string, sender Sender, hooks Hooks) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := settings.Load(ctx, settings.NewMemoryStore(nil), loggingpkg.NopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, settings.BaseURL, baseURL))

	registry := observers.NewRegistry(nil)
	c := counters.New(registry, nil)

	p, err := New(Options{Settings: s, Counters: c, Sender: sender, Hooks: hooks})
	require.NoError(t, err)

	return &fixture{settings: s, counters: c, registry: registry, pipeline: p}
}

func stubClient(stub *stubTransport) *delivery.Client {
	return delivery.NewClient(delivery.Options{Transport: stub}, nil)
}

func sample() envelope.Envelope {
	return envelope.Envelope{
		TimestampMillis:      1700000000000,
		MessageBody:          "hi",
		OriginatingAddress:   "+15550001",
		ServiceCenterAddress: "+15559999",
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	s, _ := settings.Load(context.Background(), settings.NewMemoryStore(nil), loggingpkg.NopLogger())
	c := counters.New(nil, nil)
	sender := stubClient(&stubTransport{})

	_, err := New(Options{Counters: c, Sender: sender})
	assert.Error(t, err)
	_, err = New(Options{Settings: s, Sender: sender})
	assert.Error(t, err)
	_, err = New(Options{Settings: s, Counters: c})
	assert.Error(t, err)
}

func TestForwardedOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, delivery.NewClient(delivery.Options{}, nil), Hooks{})
	f.pipeline.Process(context.Background(), sample())
	f.pipeline.Wait()

	assert.Equal(t, counters.Values{Received: 1, Forwarded: 1}, f.counters.Snapshot())
}

func TestTooShortURLFailsWithoutRequest(t *testing.T) {
	stub := &stubTransport{}
	f := newFixture(t, "http://a", stubClient(stub), Hooks{})

	f.pipeline.Process(context.Background(), sample())

	// recorded synchronously, before Wait
	assert.Equal(t, counters.Values{Received: 1, Failed: 1}, f.counters.Snapshot())
	f.pipeline.Wait()
	assert.Equal(t, int64(0), stub.calls.Load())
}

func TestPaddedShortURLFails(t *testing.T) {
	stub := &stubTransport{}
	f := newFixture(t, "  http://ab \t ", stubClient(stub), Hooks{})

	f.pipeline.Process(context.Background(), sample())
	f.pipeline.Wait()

	assert.Equal(t, int64(1), f.counters.Get(counters.Failed))
	assert.Equal(t, int64(0), stub.calls.Load())
}

func TestExampleURLIsNormalized(t *testing.T) {
	stub := &stubTransport{status: http.StatusOK}
	f := newFixture(t, "http://x.test", stubClient(stub), Hooks{})

	f.pipeline.Process(context.Background(), sample())
	f.pipeline.Wait()

	assert.Equal(t, []string{"http://x.test/"}, stub.urls)
	assert.Equal(t, counters.Values{Received: 1, Forwarded: 1}, f.counters.Snapshot())
}

func TestTrailingSlashIsKept(t *testing.T) {
	stub := &stubTransport{}
	f := newFixture(t, "http://x.test/", stubClient(stub), Hooks{})

	f.pipeline.Process(context.Background(), sample())
	f.pipeline.Wait()

	assert.Equal(t, []string{"http://x.test/"}, stub.urls)
}

func TestServerErrorCountsAsFailed(t *testing.T) {
	stub := &stubTransport{status: http.StatusInternalServerError}
	var got delivery.Outcome
	f := newFixture(t, "http://x.test", stubClient(stub), Hooks{
		OnFailed: func(_ context.Context, _ envelope.Envelope, out delivery.Outcome) { got = out },
	})

	f.pipeline.Process(context.Background(), sample())
	f.pipeline.Wait()

	assert.Equal(t, counters.Values{Received: 1, Failed: 1}, f.counters.Snapshot())
	var serverErr errspkg.ServerError
	require.ErrorAs(t, got.Err, &serverErr)
	assert.Equal(t, http.StatusInternalServerError, serverErr.StatusCode)
}

func TestConnectionRefusedCountsAsFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := newFixture(t, addr, delivery.NewClient(delivery.Options{}, nil), Hooks{})

	assert.NotPanics(t, func() {
		f.pipeline.Process(context.Background(), sample())
		f.pipeline.Wait()
	})
	assert.Equal(t, counters.Values{Received: 1, Failed: 1}, f.counters.Snapshot())
}

func TestDuplicateSubscribeNotifiesOncePerChange(t *testing.T) {
	stub := &stubTransport{}
	f := newFixture(t, "http://x.test", stubClient(stub), Hooks{})

	o := &countingObserver{}
	f.registry.Subscribe(o)
	f.registry.Subscribe(o)

	f.pipeline.Process(context.Background(), sample())
	f.pipeline.Wait()

	// received + forwarded
	assert.Equal(t, int64(2), o.calls.Load())
}

func TestConcurrentProcessing(t *testing.T) {
	stub := &stubTransport{status: http.StatusOK}
	f := newFixture(t, "http://x.test", stubClient(stub), Hooks{})

	const n = 150
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			f.pipeline.Process(context.Background(), sample())
		}()
	}
	wg.Wait()
	f.pipeline.Wait()

	assert.Equal(t, counters.Values{Received: n, Forwarded: n}, f.counters.Snapshot())
	assert.Equal(t, int64(n), stub.calls.Load())
}

type captureSender struct {
	mu   sync.Mutex
	envs []envelope.Envelope
	urls []string
	ctxs []context.Context
}

func (c *captureSender) Send(ctx context.Context, env envelope.Envelope, baseURL string, done func(delivery.Outcome)) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.urls = append(c.urls, baseURL)
	c.ctxs = append(c.ctxs, ctx)
	c.mu.Unlock()
	done(delivery.Outcome{EnvelopeID: env.ID})
}

func TestEnrichesWithCurrentSettings(t *testing.T) {
	sender := &captureSender{}
	f := newFixture(t, "http://x.test", sender, Hooks{})

	f.pipeline.Process(context.Background(), sample())

	require.NoError(t, f.settings.Set(context.Background(), settings.UserDefinedID, "phone-9"))
	require.NoError(t, f.settings.Set(context.Background(), settings.APIKey, "key-9"))
	f.pipeline.Process(context.Background(), sample())
	f.pipeline.Wait()

	require.Len(t, sender.envs, 2)

	first := sender.envs[0]
	require.NotNil(t, first.UserDefinedID)
	require.NotNil(t, first.APIKey)
	assert.Equal(t, "", *first.UserDefinedID)
	assert.Equal(t, "", *first.APIKey)
	assert.NotEmpty(t, first.ID)

	second := sender.envs[1]
	assert.Equal(t, "phone-9", *second.UserDefinedID)
	assert.Equal(t, "key-9", *second.APIKey)
	assert.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, []string{"http://x.test", "http://x.test"}, sender.urls)
}

func TestSenderContextIsDetached(t *testing.T) {
	sender := &captureSender{}
	f := newFixture(t, "http://x.test", sender, Hooks{})

	type key struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	cancel()

	f.pipeline.Process(ctx, sample())
	f.pipeline.Wait()

	require.Len(t, sender.ctxs, 1)
	assert.NoError(t, sender.ctxs[0].Err())
	assert.Equal(t, "v", sender.ctxs[0].Value(key{}))
	assert.Equal(t, int64(1), f.counters.Get(counters.Forwarded))
}

type senderFunc func(ctx context.Context, env envelope.Envelope, baseURL string, done func(delivery.Outcome))

func (f senderFunc) Send(ctx context.Context, env envelope.Envelope, baseURL string, done func(delivery.Outcome)) {
	f(ctx, env, baseURL, done)
}

func TestSenderPanicIsRecordedAsUnexpected(t *testing.T) {
	var got delivery.Outcome
	f := newFixture(t, "http://x.test", senderFunc(func(context.Context, envelope.Envelope, string, func(delivery.Outcome)) {
		panic("sender exploded")
	}), Hooks{
		OnFailed: func(_ context.Context, _ envelope.Envelope, out delivery.Outcome) { got = out },
	})

	assert.NotPanics(t, func() { f.pipeline.Process(context.Background(), sample()) })
	f.pipeline.Wait()

	assert.Equal(t, counters.Values{Received: 1, Failed: 1}, f.counters.Snapshot())
	var unexpected errspkg.UnexpectedError
	require.ErrorAs(t, got.Err, &unexpected)
}

func TestSenderPanicAfterDoneIsNotDoubleCounted(t *testing.T) {
	f := newFixture(t, "http://x.test", senderFunc(func(_ context.Context, env envelope.Envelope, _ string, done func(delivery.Outcome)) {
		done(delivery.Outcome{EnvelopeID: env.ID})
		panic("late panic")
	}), Hooks{})

	assert.NotPanics(t, func() { f.pipeline.Process(context.Background(), sample()) })
	f.pipeline.Wait()

	assert.Equal(t, counters.Values{Received: 1, Forwarded: 1}, f.counters.Snapshot())
}

func TestDoneCalledTwiceRecordsOnce(t *testing.T) {
	f := newFixture(t, "http://x.test", senderFunc(func(_ context.Context, env envelope.Envelope, _ string, done func(delivery.Outcome)) {
		done(delivery.Outcome{EnvelopeID: env.ID, Err: errspkg.TransportError{Err: errors.New("reset")}})
		done(delivery.Outcome{EnvelopeID: env.ID})
	}), Hooks{})

	f.pipeline.Process(context.Background(), sample())
	f.pipeline.Wait()

	assert.Equal(t, counters.Values{Received: 1, Failed: 1}, f.counters.Snapshot())
}

func TestHooksRunAfterCounters(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	var f *fixture
	hooks := Hooks{
		OnReceived: func(context.Context, envelope.Envelope) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, "received")
			assert.Equal(t, int64(1), f.counters.Get(counters.Received))
		},
		OnForwarded: func(context.Context, envelope.Envelope, delivery.Outcome) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, "forwarded")
			assert.Equal(t, int64(1), f.counters.Get(counters.Forwarded))
		},
	}
	f = newFixture(t, "http://x.test", stubClient(&stubTransport{}), hooks)

	f.pipeline.Process(context.Background(), sample())
	f.pipeline.Wait()

	assert.Equal(t, []string{"received", "forwarded"}, order)
}

func TestPanickingHooksAreContained(t *testing.T) {
	hooks := Hooks{
		OnReceived:  func(context.Context, envelope.Envelope) { panic("received hook") },
		OnForwarded: func(context.Context, envelope.Envelope, delivery.Outcome) { panic("forwarded hook") },
	}
	f := newFixture(t, "http://x.test", stubClient(&stubTransport{}), hooks)

	assert.NotPanics(t, func() {
		f.pipeline.Process(context.Background(), sample())
		f.pipeline.Wait()
	})
	assert.Equal(t, counters.Values{Received: 1, Forwarded: 1}, f.counters.Snapshot())
}

func TestHooksMerge(t *testing.T) {
	var calls []string
	a := Hooks{
		OnReceived: func(context.Context, envelope.Envelope) { calls = append(calls, "a.received") },
		OnFailed:   func(context.Context, envelope.Envelope, delivery.Outcome) { calls = append(calls, "a.failed") },
	}
	b := Hooks{
		OnReceived:  func(context.Context, envelope.Envelope) { calls = append(calls, "b.received") },
		OnForwarded: func(context.Context, envelope.Envelope, delivery.Outcome) { calls = append(calls, "b.forwarded") },
	}

	merged := a.Merge(b)
	merged.OnReceived(context.Background(), envelope.Envelope{})
	merged.OnForwarded(context.Background(), envelope.Envelope{}, delivery.Outcome{})
	merged.OnFailed(context.Background(), envelope.Envelope{}, delivery.Outcome{})

	assert.Equal(t, []string{"a.received", "b.received", "b.forwarded", "a.failed"}, calls)
	assert.Nil(t, Hooks{}.Merge(Hooks{}).OnFailed)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, "http://x.test", senderFunc(func(_ context.Context, env envelope.Envelope, _ string, done func(delivery.Outcome)) {
		go func() {
			<-release
			done(delivery.Outcome{EnvelopeID: env.ID})
		}()
	}), Hooks{})

	f.pipeline.Process(context.Background(), sample())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.pipeline.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, f.pipeline.Shutdown(context.Background()))
	assert.Equal(t, int64(1), f.counters.Get(counters.Forwarded))
}

type recordingTracer struct {
	noop.Tracer
	mu    sync.Mutex
	names []string
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

func TestStartsOneSpanPerEnvelope(t *testing.T) {
	tracer := &recordingTracer{}
	s, err := settings.Load(context.Background(), settings.NewMemoryStore(map[string]string{"base_url": "http://a"}), loggingpkg.NopLogger())
	require.NoError(t, err)

	p, err := New(Options{
		Settings: s,
		Counters: counters.New(nil, nil),
		Sender:   stubClient(&stubTransport{}),
		Tracer:   tracer,
	})
	require.NoError(t, err)

	p.Process(context.Background(), sample())
	p.Process(context.Background(), sample())
	p.Wait()

	assert.Equal(t, []string{"smsrelay.forward", "smsrelay.forward"}, tracer.names)
}

func TestProcessWhileDraining(t *testing.T) {
	f := newFixture(t, "http://x.test", senderFunc(func(_ context.Context, env envelope.Envelope, _ string, done func(delivery.Outcome)) {
		go done(delivery.Outcome{EnvelopeID: env.ID})
	}), Hooks{})

	const producers, perProducer = 8, 200
	var wg sync.WaitGroup
	wg.Add(producers)
	for i := 0; i < producers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				f.pipeline.Process(context.Background(), sample())
			}
		}()
	}

	stop := make(chan struct{})
	var drainers sync.WaitGroup
	drainers.Add(2)
	go func() {
		defer drainers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.pipeline.Wait()
			}
		}
	}()
	go func() {
		defer drainers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
				_ = f.pipeline.Shutdown(ctx)
				cancel()
			}
		}
	}()

	assert.NotPanics(t, wg.Wait)
	close(stop)
	drainers.Wait()

	require.NoError(t, f.pipeline.Shutdown(context.Background()))
	const total = producers * perProducer
	assert.Equal(t, counters.Values{Received: total, Forwarded: total}, f.counters.Snapshot())
}

func TestWaitWithNothingInFlight(t *testing.T) {
	f := newFixture(t, "http://x.test", &captureSender{}, Hooks{})

	f.pipeline.Wait()
	assert.NoError(t, f.pipeline.Shutdown(context.Background()))
}

type recordingClient struct {
	captureSender
	client *delivery.Client
}

func (r *recordingClient) Send(ctx context.Context, env envelope.Envelope, baseURL string, done func(delivery.Outcome)) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.urls = append(r.urls, baseURL)
	r.mu.Unlock()
	r.client.Send(ctx, env, baseURL, done)
}

func TestTooShortURLStillEnrichesEnvelope(t *testing.T) {
	stub := &stubTransport{}
	sender := &recordingClient{client: stubClient(stub)}
	var failed delivery.Outcome
	f := newFixture(t, "http://a", sender, Hooks{
		OnFailed: func(_ context.Context, _ envelope.Envelope, out delivery.Outcome) { failed = out },
	})
	require.NoError(t, f.settings.Set(context.Background(), settings.UserDefinedID, "phone-1"))
	require.NoError(t, f.settings.Set(context.Background(), settings.APIKey, "key-1"))

	f.pipeline.Process(context.Background(), sample())
	f.pipeline.Wait()

	require.Len(t, sender.envs, 1)
	env := sender.envs[0]
	require.NotNil(t, env.UserDefinedID)
	require.NotNil(t, env.APIKey)
	assert.Equal(t, "phone-1", *env.UserDefinedID)
	assert.Equal(t, "key-1", *env.APIKey)
	assert.Equal(t, []string{"http://a"}, sender.urls)

	assert.ErrorIs(t, failed.Err, errspkg.ErrURLTooShort)
	assert.Equal(t, int64(0), stub.calls.Load())
	assert.Equal(t, counters.Values{Received: 1, Failed: 1}, f.counters.Snapshot())
}
