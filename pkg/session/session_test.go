package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/germanamz/vitalscan/pkg/capture"
	"github.com/germanamz/vitalscan/pkg/capture/capturetest"
	"github.com/germanamz/vitalscan/pkg/capture/embedded"
	"github.com/germanamz/vitalscan/pkg/capture/remote"
	"github.com/germanamz/vitalscan/pkg/classify"
	"github.com/germanamz/vitalscan/pkg/license"
	"github.com/germanamz/vitalscan/pkg/scanconfig"
	"github.com/germanamz/vitalscan/pkg/vitals"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives warning expiry in tests.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}

func testConfig() scanconfig.Config {
	return scanconfig.Config{
		ServiceHost:  "api.vendor.test",
		LicenseKey:   "LK1",
		StudyID:      "S1",
		SocketHost:   "wss://vendor.test",
		Transport:    scanconfig.TransportEmbedded,
		HTTPTimeout:  30 * time.Second,
		DeviceTypeID: "LINUX",
	}
}

type harness struct {
	s     *Session
	tr    *capturetest.Transport
	reg   *capturetest.Registrar
	clock *fakeClock
}

func newHarness(t *testing.T, cfg scanconfig.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		tr:    &capturetest.Transport{},
		reg:   &capturetest.Registrar{},
		clock: &fakeClock{},
	}
	opts = append([]Option{WithTransport(h.tr), WithRegistrar(h.reg)}, opts...)
	h.s = New(cfg, opts...)
	h.s.afterFunc = h.clock.AfterFunc
	t.Cleanup(func() { h.s.Close(context.Background()) })
	return h
}

// started mounts the session and starts a capture.
func (h *harness) started(t *testing.T) *capturetest.Engine {
	t.Helper()
	require.NoError(t, h.s.Mount(context.Background()))
	require.NoError(t, h.s.Start(context.Background()))
	return h.tr.Last()
}

func TestSession_ExampleScenario(t *testing.T) {
	h := newHarness(t, testConfig())

	eng := h.started(t)
	assert.True(t, h.s.Snapshot().Scanning)

	eng.EmitError(&classify.RawError{Message: "websocket disconnected"})

	st := h.s.Snapshot()
	require.NotNil(t, st.Warning)
	assert.Equal(t, "Reconectando...", st.Warning.Message)
	assert.Equal(t, classify.Transient, st.Warning.Category)
	assert.True(t, st.Scanning)

	h.clock.Advance(1999 * time.Millisecond)
	assert.NotNil(t, h.s.Snapshot().Warning)
	h.clock.Advance(time.Millisecond)
	st = h.s.Snapshot()
	assert.Nil(t, st.Warning)
	assert.True(t, st.Scanning)

	eng.EmitResults(vitals.RawResult{
		StatusID: vitals.StatusComplete,
		Points:   map[string]vitals.Point{"HR_BPM": {Value: 72.0}},
	})

	st = h.s.Snapshot()
	assert.False(t, st.Scanning)
	assert.Nil(t, st.Err)
	require.NotNil(t, st.Results)
	require.NotNil(t, st.Results.HeartRate)
	assert.InDelta(t, 72, *st.Results.HeartRate, 1e-9)
	for _, r := range st.Results.Readings() {
		if r.Point != "HR_BPM" {
			assert.Nil(t, r.Value, r.Point)
		}
	}
	assert.Equal(t, 1, h.reg.Calls())
}

func TestSession_MissingConfigNeverTouchesNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	for _, key := range []string{scanconfig.KeyServiceHost, scanconfig.KeyLicenseKey, scanconfig.KeyStudyID, scanconfig.KeySocketHost} {
		t.Run(key, func(t *testing.T) {
			cfg := testConfig()
			cfg.ServiceHost = srv.URL
			cfg.SocketHost = srv.URL
			cfg.Transport = scanconfig.TransportRemote
			switch key {
			case scanconfig.KeyServiceHost:
				cfg.ServiceHost = ""
			case scanconfig.KeyLicenseKey:
				cfg.LicenseKey = ""
			case scanconfig.KeyStudyID:
				cfg.StudyID = ""
			case scanconfig.KeySocketHost:
				cfg.SocketHost = ""
			}

			s := New(cfg)
			err := s.Mount(context.Background())

			var serr *Error
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, KindConfiguration, serr.Kind)

			var cfgErr *scanconfig.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, []string{key}, cfgErr.Missing)

			assert.Equal(t, serr, s.Snapshot().Err)
			assert.False(t, s.Snapshot().Initializing)

			var nie *Error
			require.True(t, errors.As(s.Start(context.Background()), &nie))
			assert.Equal(t, KindNotInitialized, nie.Kind)

			s.Stop(context.Background())
			s.Close(context.Background())
		})
	}

	assert.Zero(t, hits.Load())
}

func TestSession_MountTwiceRegistersOnce(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.s.Mount(context.Background()))
	require.NoError(t, h.s.Mount(context.Background()))

	assert.Equal(t, 1, h.reg.Calls())
	assert.Equal(t, 1, h.tr.Prepares())
	assert.Equal(t, 1, h.tr.Opens())
	assert.False(t, h.s.Snapshot().Initializing)
}

func TestSession_ConcurrentMountSharesRegistration(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.Gate = make(chan struct{})

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() { assert.NoError(t, h.s.Mount(context.Background())) })
	}

	require.Eventually(t, func() bool { return h.s.Snapshot().Initializing }, time.Second, time.Millisecond)
	close(h.tr.Gate)
	wg.Wait()

	assert.Equal(t, 1, h.reg.Calls())
	assert.Equal(t, 1, h.tr.Opens())
}

func TestSession_RegistrationFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Err = &license.RegistrationError{StatusCode: http.StatusUnauthorized, Status: "Unauthorized"}

	err := h.s.Mount(context.Background())

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindRegistration, serr.Kind)
	assert.Equal(t, MessageInitFailed, serr.Message)
	assert.ErrorContains(t, err, "401 Unauthorized")

	err = h.s.Start(context.Background())
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindNotInitialized, serr.Kind)
	assert.False(t, h.s.Snapshot().Scanning)
}

func TestSession_PrepareFailureIsInitError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.PrepareErr = errors.New("module unavailable")

	err := h.s.Mount(context.Background())

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindFatal, serr.Kind)
	assert.Equal(t, MessageInitFailed, serr.Message)
	assert.Zero(t, h.reg.Calls())
}

func TestSession_StartBeforeMount(t *testing.T) {
	h := newHarness(t, testConfig())

	err := h.s.Start(context.Background())

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindNotInitialized, serr.Kind)
	assert.Equal(t, MessageNotInitialized, serr.Message)

	var nie *capture.NotInitializedError
	assert.True(t, errors.As(err, &nie))
	assert.False(t, h.s.Snapshot().Scanning)
}

func TestSession_LowSNRWarningClearsAfter3s(t *testing.T) {
	h := newHarness(t, testConfig())
	eng := h.started(t)

	eng.EmitError(&classify.RawError{Code: classify.CodeLowSNR, Message: "signal too weak"})

	w := h.s.Snapshot().Warning
	require.NotNil(t, w)
	assert.Equal(t, classify.QualityWarning, w.Category)
	assert.Equal(t, classify.MessageLowLight, w.Message)

	h.clock.Advance(2999 * time.Millisecond)
	assert.NotNil(t, h.s.Snapshot().Warning)
	h.clock.Advance(time.Millisecond)
	assert.Nil(t, h.s.Snapshot().Warning)
	assert.True(t, h.s.Snapshot().Scanning)
}

func TestSession_NewerWarningRestartsExpiry(t *testing.T) {
	h := newHarness(t, testConfig())
	eng := h.started(t)

	eng.EmitError(&classify.RawError{Message: "please stay still"})
	assert.Equal(t, classify.MessageStayStill, h.s.Snapshot().Warning.Message)

	h.clock.Advance(time.Second)
	eng.EmitError(&classify.RawError{Code: classify.CodeLowSNR})

	h.clock.Advance(time.Second)
	w := h.s.Snapshot().Warning
	require.NotNil(t, w)
	assert.Equal(t, classify.MessageLowLight, w.Message)

	h.clock.Advance(2 * time.Second)
	assert.Nil(t, h.s.Snapshot().Warning)
}

func TestSession_IgnorableErrorChangesNothing(t *testing.T) {
	h := newHarness(t, testConfig())
	eng := h.started(t)
	before := h.s.Snapshot()

	eng.EmitError(nil)
	eng.EmitError(&classify.RawError{})
	eng.EmitError(&classify.RawError{Message: "   "})

	assert.Equal(t, before, h.s.Snapshot())
}

func TestSession_FatalErrorAbortsCapture(t *testing.T) {
	h := newHarness(t, testConfig())
	eng := h.started(t)

	eng.EmitError(&classify.RawError{Code: "CAMERA", Message: "camera permission denied"})

	st := h.s.Snapshot()
	assert.False(t, st.Scanning)
	require.NotNil(t, st.Err)
	assert.Equal(t, KindFatal, st.Err.Kind)
	assert.Equal(t, "camera permission denied", st.Err.Message)
	assert.Equal(t, 1, eng.Counts().Cancels)

	require.NoError(t, h.s.Retry(context.Background()))
	st = h.s.Snapshot()
	assert.Nil(t, st.Err)
	assert.True(t, st.Scanning)
	assert.Equal(t, 1, h.reg.Calls())
	assert.Equal(t, 2, eng.Counts().Starts)
}

func TestSession_PartialResultIsQualityFailure(t *testing.T) {
	cases := map[string]vitals.RawResult{
		"partial": {
			StatusID: vitals.StatusPartial,
			Points:   map[string]vitals.Point{"HR_BPM": {Value: 70.0}},
		},
		"liveness": {
			StatusID: vitals.StatusComplete,
			Points:   map[string]vitals.Point{"HR_BPM": {Value: 70.0}},
			Error:    &vitals.ResultError{Code: classify.CodeLivenessFailure},
		},
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			eng := h.started(t)

			eng.EmitResults(raw)

			st := h.s.Snapshot()
			assert.False(t, st.Scanning)
			assert.Nil(t, st.Results)
			require.NotNil(t, st.Err)
			assert.Equal(t, KindQuality, st.Err.Kind)
			assert.Equal(t, classify.MessageLowQuality, st.Err.Message)
		})
	}
}

func TestSession_LateCallbacksAfterStop(t *testing.T) {
	h := newHarness(t, testConfig())
	eng := h.started(t)

	h.s.Stop(context.Background())
	assert.False(t, h.s.Snapshot().Scanning)
	assert.Equal(t, 1, eng.Counts().Cancels)

	eng.EmitEvent(capture.Event{Kind: classify.EventMeasurementStarted})
	eng.EmitError(&classify.RawError{Message: "engine crashed"})
	eng.EmitError(&classify.RawError{Message: "network lost"})
	eng.EmitEvent(capture.Event{Kind: classify.EventProgress, Progress: 50})
	eng.EmitResults(vitals.RawResult{
		StatusID: vitals.StatusComplete,
		Points:   map[string]vitals.Point{"HR_BPM": {Value: 72.0}},
	})

	st := h.s.Snapshot()
	assert.False(t, st.Scanning)
	assert.Nil(t, st.Err)
	assert.Nil(t, st.Warning)
	assert.Nil(t, st.Results)
	assert.Zero(t, st.Progress)
}

func TestSession_CompletedEventBeforeResults(t *testing.T) {
	h := newHarness(t, testConfig())
	eng := h.started(t)

	eng.EmitEvent(capture.Event{Kind: classify.EventMeasurementCompleted})
	assert.False(t, h.s.Snapshot().Scanning)

	eng.EmitResults(vitals.RawResult{
		StatusID: vitals.StatusComplete,
		Points:   map[string]vitals.Point{"BR_BPM": {Value: 14.0}},
	})

	st := h.s.Snapshot()
	require.NotNil(t, st.Results)
	require.NotNil(t, st.Results.RespirationRate)
	assert.InDelta(t, 14, *st.Results.RespirationRate, 1e-9)
}

func TestSession_CancelledEventEndsCapture(t *testing.T) {
	h := newHarness(t, testConfig())
	eng := h.started(t)

	eng.EmitEvent(capture.Event{Kind: classify.EventMeasurementCancelled})
	eng.EmitResults(vitals.RawResult{StatusID: vitals.StatusComplete})

	st := h.s.Snapshot()
	assert.False(t, st.Scanning)
	assert.Nil(t, st.Results)
}

func TestSession_StartedEventSetsScanning(t *testing.T) {
	h := newHarness(t, testConfig())
	eng := h.started(t)

	eng.EmitEvent(capture.Event{Kind: classify.EventMeasurementCompleted})
	assert.False(t, h.s.Snapshot().Scanning)

	eng.EmitEvent(capture.Event{Kind: classify.EventMeasurementStarted})
	assert.True(t, h.s.Snapshot().Scanning)
}

func TestSession_Progress(t *testing.T) {
	h := newHarness(t, testConfig())
	eng := h.started(t)

	eng.EmitEvent(capture.Event{Kind: classify.EventProgress, Progress: 42.5})
	assert.InDelta(t, 42.5, h.s.Snapshot().Progress, 1e-9)

	eng.EmitEvent(capture.Event{Kind: classify.EventProgress, Progress: 140})
	assert.InDelta(t, 100, h.s.Snapshot().Progress, 1e-9)

	eng.EmitEvent(capture.Event{Kind: "FACE_DETECTED"})
	assert.InDelta(t, 100, h.s.Snapshot().Progress, 1e-9)
}

func TestSession_RetryDoesNotRegisterAgain(t *testing.T) {
	h := newHarness(t, testConfig())
	eng := h.started(t)

	eng.EmitResults(vitals.RawResult{StatusID: vitals.StatusPartial})
	require.NotNil(t, h.s.Snapshot().Err)

	require.NoError(t, h.s.Retry(context.Background()))

	assert.Equal(t, 1, h.reg.Calls())
	assert.Equal(t, 1, h.tr.Opens())
	assert.Equal(t, capturetest.Counts{Starts: 2, Cancels: 1}, eng.Counts())

	st := h.s.Snapshot()
	assert.True(t, st.Scanning)
	assert.Nil(t, st.Err)
	assert.Nil(t, st.Results)
}

func TestSession_CloseIsIdempotentAndAllowsRemount(t *testing.T) {
	h := newHarness(t, testConfig())

	h.s.Close(context.Background())
	h.s.Close(context.Background())

	eng := h.started(t)
	h.s.Close(context.Background())
	h.s.Close(context.Background())
	assert.Equal(t, 1, eng.Counts().Destroys)
	assert.False(t, h.s.Snapshot().Scanning)

	require.NoError(t, h.s.Mount(context.Background()))
	assert.Equal(t, 2, h.reg.Calls())
	assert.Equal(t, 2, h.tr.Opens())
}

func TestSession_ResultHookIsAsync(t *testing.T) {
	release := make(chan struct{})
	got := make(chan vitals.Result, 1)
	var hookSession string

	h := newHarness(t, testConfig(), WithResultHook(func(_ context.Context, id string, res vitals.Result) error {
		hookSession = id
		<-release
		got <- res
		return errors.New("insights service down")
	}))
	eng := h.started(t)

	eng.EmitResults(vitals.RawResult{
		StatusID: vitals.StatusComplete,
		Points:   map[string]vitals.Point{"HR_BPM": {Value: 66.0}},
	})

	st := h.s.Snapshot()
	require.NotNil(t, st.Results)
	assert.Nil(t, st.Err)

	close(release)
	select {
	case res := <-got:
		require.NotNil(t, res.HeartRate)
		assert.InDelta(t, 66, *res.HeartRate, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("hook did not run")
	}

	h.s.Close(context.Background())
	assert.Equal(t, h.s.ID(), hookSession)
	assert.Nil(t, h.s.Snapshot().Err)
}

func TestSession_ResultHookPanicIsContained(t *testing.T) {
	done := make(chan struct{})
	h := newHarness(t, testConfig(),
		WithResultHook(func(context.Context, string, vitals.Result) error { panic("boom") }),
		WithResultHook(func(context.Context, string, vitals.Result) error { close(done); return nil }),
	)
	eng := h.started(t)

	eng.EmitResults(vitals.RawResult{StatusID: vitals.StatusComplete})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second hook did not run")
	}
	h.s.Close(context.Background())
	assert.NotNil(t, h.s.Snapshot().Results)
}

func TestSession_Watch(t *testing.T) {
	h := newHarness(t, testConfig())
	v := h.s.Snapshot().Version

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.s.Watch(ctx, v)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	type result struct {
		st  State
		err error
	}
	ch := make(chan result, 1)
	go func() {
		st, err := h.s.Watch(context.Background(), v)
		ch <- result{st, err}
	}()

	require.NoError(t, h.s.Mount(context.Background()))

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		assert.Greater(t, r.st.Version, v)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not wake")
	}
}

func TestSession_PublishesEvents(t *testing.T) {
	h := newHarness(t, testConfig())
	sub := h.s.Events().Subscribe(16)
	defer h.s.Events().Unsubscribe(sub)

	eng := h.started(t)
	eng.EmitError(&classify.RawError{Message: "network glitch"})
	eng.EmitResults(vitals.RawResult{StatusID: vitals.StatusComplete})

	var kinds []EventKind
	for range 4 {
		select {
		case ev := <-sub.C:
			assert.Equal(t, h.s.ID(), ev.SessionID)
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []EventKind{EventInitialized, EventScanStarted, EventWarning, EventResults}, kinds)
}

func TestSession_RulesFileExtendsClassifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rules:
  - name: camera-busy
    category: quality-warning
    patterns: ["camera is in use"]
    message: "Feche outros aplicativos que usam a câmera"
    auto_dismiss: 5s
`), 0o600))

	cfg := testConfig()
	cfg.RulesFile = path
	h := newHarness(t, cfg)
	eng := h.started(t)

	eng.EmitError(&classify.RawError{Message: "Camera is in use by another application"})

	w := h.s.Snapshot().Warning
	require.NotNil(t, w)
	assert.Equal(t, "Feche outros aplicativos que usam a câmera", w.Message)

	h.clock.Advance(5 * time.Second)
	assert.Nil(t, h.s.Snapshot().Warning)
}

func TestSession_BadRulesFileIsConfigurationError(t *testing.T) {
	cfg := testConfig()
	cfg.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	h := newHarness(t, cfg)

	err := h.s.Mount(context.Background())

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindConfiguration, serr.Kind)
	assert.Zero(t, h.reg.Calls())
}

func TestSession_DefaultTransportFollowsConfig(t *testing.T) {
	cfg := testConfig()
	s := New(cfg)
	require.NoError(t, s.setup())
	assert.IsType(t, &embedded.Transport{}, s.transport)
	assert.IsType(t, &license.Broker{}, s.registrar)

	cfg.Transport = scanconfig.TransportRemote
	s = New(cfg)
	require.NoError(t, s.setup())
	assert.IsType(t, &remote.Transport{}, s.transport)
}

func TestSession_DefaultRegistrarPostsOnce(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/organizations/register" {
			posts.Add(1)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.ServiceHost = srv.URL
	cfg.SocketHost = srv.URL
	cfg.Transport = scanconfig.TransportRemote
	s := New(cfg)
	t.Cleanup(func() { s.Close(context.Background()) })

	start := time.Now()
	err := s.Mount(context.Background())

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindRegistration, serr.Kind)

	var regErr *license.RegistrationError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, http.StatusServiceUnavailable, regErr.StatusCode)

	assert.Equal(t, int32(1), posts.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestSession_RequiredFieldsOnlyConfig(t *testing.T) {
	h := newHarness(t, scanconfig.Config{
		ServiceHost: "api.vendor.test",
		LicenseKey:  "LK1",
		StudyID:     "S1",
		SocketHost:  "wss://vendor.test",
	})

	require.NoError(t, h.s.Mount(context.Background()))
	assert.Nil(t, h.s.Snapshot().Err)
	assert.Equal(t, 1, h.reg.Calls())

	req := h.tr.Last().Request()
	assert.Equal(t, scanconfig.TransportEmbedded, req.Config.Transport)
	assert.Equal(t, scanconfig.DefaultHTTPTimeout, req.Config.HTTPTimeout)
}

func TestSession_CloseWaitsForRunningHooks(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool

	h := newHarness(t, testConfig(), WithResultHook(func(context.Context, string, vitals.Result) error {
		<-release
		finished.Store(true)
		return nil
	}))
	eng := h.started(t)
	eng.EmitResults(vitals.RawResult{StatusID: vitals.StatusComplete})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	h.s.Close(ctx)
	assert.False(t, finished.Load())

	time.AfterFunc(10*time.Millisecond, func() { close(release) })
	h.s.Close(context.Background())
	assert.True(t, finished.Load())

	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	assert.Zero(t, h.s.hooksRunning)
	assert.Nil(t, h.s.hooksDone)
}

func TestSession_ResultsRacingCloseAreCounted(t *testing.T) {
	var ran atomic.Int32
	h := newHarness(t, testConfig(), WithResultHook(func(context.Context, string, vitals.Result) error {
		ran.Add(1)
		return nil
	}))

	for range 20 {
		eng := h.started(t)

		var wg sync.WaitGroup
		wg.Go(func() { eng.EmitResults(vitals.RawResult{StatusID: vitals.StatusComplete}) })
		wg.Go(func() { h.s.Close(context.Background()) })
		wg.Wait()

		// Whatever order they ran in, no hook may outlive a full Close.
		h.s.Close(context.Background())
		h.s.mu.Lock()
		assert.Zero(t, h.s.hooksRunning)
		h.s.mu.Unlock()
	}
	assert.LessOrEqual(t, ran.Load(), int32(20))
}
