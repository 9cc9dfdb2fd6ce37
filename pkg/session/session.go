package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/germanamz/vitalscan/pkg/capture"
	"github.com/germanamz/vitalscan/pkg/capture/embedded"
	"github.com/germanamz/vitalscan/pkg/capture/remote"
	"github.com/germanamz/vitalscan/pkg/classify"
	"github.com/germanamz/vitalscan/pkg/license"
	"github.com/germanamz/vitalscan/pkg/metrics"
	"github.com/germanamz/vitalscan/pkg/scanconfig"
	"github.com/germanamz/vitalscan/pkg/vitals"
	"github.com/google/uuid"
)

// DefaultContainer is the capture target used when none is configured.
const DefaultContainer = "vitalscan-capture"

// ResultHook runs after a successful measurement, e.g. to look up
// benefits or insights for the result. Hooks run concurrently with the
// caller; their errors are logged and never change the session state.
type ResultHook func(ctx context.Context, sessionID string, res vitals.Result) error

type timer interface {
	Stop() bool
}

// Option configures a Session.
type Option func(*Session)

// WithRegistrar overrides the license registrar. Defaults to a Broker,
// which registers exactly once per Mount; wrap it with license.WithRetry
// for a retry policy.
func WithRegistrar(r license.Registrar) Option {
	return func(s *Session) { s.registrar = r }
}

// WithTransport overrides the capture transport selected by the
// configuration.
func WithTransport(t capture.Transport) Option {
	return func(s *Session) { s.transport = t }
}

// WithClassifier overrides the classifier. Defaults to the built-in rules
// plus the configured rules file.
func WithClassifier(c *classify.Classifier) Option {
	return func(s *Session) { s.classifier = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithResultHook adds a post-success hook.
func WithResultHook(h ResultHook) Option {
	return func(s *Session) { s.hooks = append(s.hooks, h) }
}

// WithContainer sets the capture target handed to the engine.
func WithContainer(container string) Option {
	return func(s *Session) { s.container = container }
}

// WithProfile sets the subject profile.
func WithProfile(p capture.Profile) Option {
	return func(s *Session) { s.profile = p }
}

// WithEventBus publishes session events on b instead of a private bus.
func WithEventBus(b *EventBus) Option {
	return func(s *Session) { s.bus = b }
}

// Session is one measurement session. It is safe for concurrent use.
type Session struct {
	id         string
	cfg        scanconfig.Config
	registrar  license.Registrar
	transport  capture.Transport
	classifier *classify.Classifier
	log        *slog.Logger
	hooks      []ResultHook
	container  string
	profile    capture.Profile
	bus        *EventBus

	// afterFunc schedules warning expiry; replaced in tests.
	afterFunc func(d time.Duration, f func()) timer

	setupOnce sync.Once
	setupErr  error
	adapter   *capture.Adapter

	mu         sync.Mutex
	state      State
	signal     chan struct{}
	active     bool // a capture was started and has not ended
	hookCtx    context.Context
	hookCancel context.CancelFunc
	warnSeq    uint64
	warnTimer  timer

	// hooksRunning counts result hooks in flight; hooksDone is closed when
	// it drops back to zero.
	hooksRunning int
	hooksDone    chan struct{}
}

// New creates a Session for cfg. Collaborators are resolved on the first
// Mount; nothing touches the network before that.
func New(cfg scanconfig.Config, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		log:       slog.Default(),
		container: DefaultContainer,
		signal:    make(chan struct{}),
		afterFunc: func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
	}
	for _, o := range opts {
		o(s)
	}

	s.log = s.log.With("session", s.id)
	if s.bus == nil {
		s.bus = NewEventBus()
	}
	s.hookCtx, s.hookCancel = context.WithCancel(context.Background())

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events returns the bus session events are published on.
func (s *Session) Events() *EventBus { return s.bus }

// setup resolves collaborators once. Every failure here is a configuration
// problem.
func (s *Session) setup() error {
	s.setupOnce.Do(func() {
		s.cfg = s.cfg.WithDefaults()
		if err := s.cfg.Validate(); err != nil {
			s.setupErr = err
			return
		}

		if s.classifier == nil {
			c, err := loadClassifier(s.cfg.RulesFile)
			if err != nil {
				s.setupErr = err
				return
			}
			s.classifier = c
		}
		if s.registrar == nil {
			s.registrar = defaultRegistrar(s.cfg, s.log)
		}
		if s.transport == nil {
			s.transport = defaultTransport(s.cfg, s.log)
		}

		s.adapter = capture.NewAdapter(s.cfg, s.registrar, s.transport, capture.WithLogger(s.log))
	})
	return s.setupErr
}

func loadClassifier(path string) (*classify.Classifier, error) {
	if path == "" {
		return classify.Default(), nil
	}

	rules, err := classify.LoadRules(path)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	c, err := classify.New(rules...)
	if err != nil {
		return nil, fmt.Errorf("session: rules %s: %w", path, err)
	}
	return c, nil
}

func defaultRegistrar(cfg scanconfig.Config, log *slog.Logger) license.Registrar {
	return license.NewBroker(
		license.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		license.WithLogger(log),
	)
}

func defaultTransport(cfg scanconfig.Config, log *slog.Logger) capture.Transport {
	if cfg.Transport == scanconfig.TransportRemote {
		return remote.New(remote.WithLogger(log))
	}
	return embedded.New(embedded.WithLogger(log))
}

// currentAdapter returns the adapter, or nil when setup failed.
func (s *Session) currentAdapter() *capture.Adapter {
	if s.setup() != nil {
		return nil
	}
	return s.adapter
}

// Mount initializes the capture engine. It is safe to call repeatedly and
// concurrently; only the first call registers the license.
func (s *Session) Mount(ctx context.Context) error {
	if err := s.setup(); err != nil {
		serr := &Error{Kind: KindConfiguration, Message: MessageConfiguration, Err: err}
		s.log.ErrorContext(ctx, "session configuration invalid", "error", err)
		s.update(func(st *State) { st.Err = serr })
		s.publish(EventError, serr)
		return serr
	}

	s.update(func(st *State) { st.Initializing = true })

	err := s.adapter.Initialize(ctx, s.container, s.profile, capture.Sink{
		OnResults: s.onResults,
		OnError:   s.onError,
		OnEvent:   s.onEvent,
	})
	if err != nil {
		serr := initError(err)
		s.log.ErrorContext(ctx, "session initialization failed", "kind", serr.Kind, "error", err)
		s.update(func(st *State) {
			st.Initializing = false
			st.Err = serr
		})
		s.publish(EventError, serr)
		return serr
	}

	s.update(func(st *State) { st.Initializing = false })
	s.publish(EventInitialized, nil)
	return nil
}

func initError(err error) *Error {
	var (
		cfgErr *scanconfig.ConfigurationError
		regErr *license.RegistrationError
	)
	switch {
	case errors.As(err, &cfgErr):
		return &Error{Kind: KindConfiguration, Message: MessageConfiguration, Err: err}
	case errors.As(err, &regErr):
		return &Error{Kind: KindRegistration, Message: MessageInitFailed, Err: err}
	default:
		return &Error{Kind: KindFatal, Message: MessageInitFailed, Err: err}
	}
}

// Start begins a measurement. Error, warning and results from a previous
// run are cleared first.
func (s *Session) Start(ctx context.Context) error {
	a := s.currentAdapter()

	s.mu.Lock()
	s.resetLocked()
	s.active = true
	s.state.Scanning = true
	s.commitLocked()
	s.mu.Unlock()

	var err error
	if a == nil {
		err = &capture.NotInitializedError{State: capture.StateUninitialized}
	} else {
		err = a.Start(ctx)
	}
	if err == nil {
		s.log.InfoContext(ctx, "scan started")
		s.publish(EventScanStarted, nil)
		return nil
	}

	serr := &Error{Kind: KindFatal, Message: err.Error(), Err: err}
	var nie *capture.NotInitializedError
	if errors.As(err, &nie) {
		serr = &Error{Kind: KindNotInitialized, Message: MessageNotInitialized, Err: err}
	}

	s.mu.Lock()
	s.active = false
	s.state.Scanning = false
	s.state.Err = serr
	s.commitLocked()
	s.mu.Unlock()

	s.log.WarnContext(ctx, "scan start failed", "kind", serr.Kind, "error", err)
	s.publish(EventError, serr)
	return serr
}

// Stop cancels the running measurement. It never fails; callbacks that
// arrive afterwards cannot restart scanning and late results are dropped.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	wasScanning := s.state.Scanning
	s.active = false
	s.state.Scanning = false
	s.dropWarningLocked()
	s.commitLocked()
	s.mu.Unlock()

	if a := s.currentAdapter(); a != nil {
		a.Stop(ctx)
	}
	if wasScanning {
		s.log.InfoContext(ctx, "scan stopped")
		s.publish(EventScanStopped, nil)
	}
}

// Retry clears the outcome of the previous run and restarts the capture on
// the existing engine. The license is not registered again.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	s.resetLocked()
	s.commitLocked()
	s.mu.Unlock()

	s.Stop(ctx)
	return s.Start(ctx)
}

// Close destroys the engine and waits, bounded by ctx, for running result
// hooks. The session can be mounted again afterwards.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	s.active = false
	s.state.Scanning = false
	s.state.Initializing = false
	s.dropWarningLocked()
	s.commitLocked()
	cancel := s.hookCancel
	s.hookCtx, s.hookCancel = context.WithCancel(context.Background())
	hooksDone := s.hooksDone
	s.mu.Unlock()

	if a := s.currentAdapter(); a != nil {
		a.Destroy(ctx)
	}

	if hooksDone != nil {
		select {
		case <-hooksDone:
		case <-ctx.Done():
			s.log.WarnContext(ctx, "result hooks still running at close")
		}
	}
	cancel()
}

// Snapshot returns the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watch blocks until the state version exceeds version or ctx is done. It
// returns the latest state in both cases.
func (s *Session) Watch(ctx context.Context, version uint64) (State, error) {
	for {
		s.mu.Lock()
		st := s.state
		sig := s.signal
		s.mu.Unlock()

		if st.Version > version {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-sig:
		}
	}
}

func (s *Session) onEvent(ev capture.Event) {
	switch classify.MapLifecycle(ev.Kind) {
	case classify.ScanningOn:
		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			s.log.Debug("start event outside a capture dropped", "event", ev.Kind)
			return
		}
		s.state.Scanning = true
		s.commitLocked()
		s.mu.Unlock()

	case classify.ScanningOff:
		s.mu.Lock()
		wasScanning := s.state.Scanning
		s.state.Scanning = false
		// A completed measurement may still deliver its results.
		if ev.Kind == classify.EventMeasurementCancelled {
			s.active = false
		}
		s.commitLocked()
		s.mu.Unlock()
		if wasScanning {
			s.publish(EventScanStopped, ev.Kind)
		}

	default:
		if ev.Kind != classify.EventProgress {
			s.log.Debug("engine event", "event", ev.Kind)
			return
		}
		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			return
		}
		s.state.Progress = min(max(ev.Progress, 0), 100)
		progress := s.state.Progress
		s.commitLocked()
		s.mu.Unlock()
		s.publish(EventProgress, progress)
	}
}

func (s *Session) onError(raw *classify.RawError) {
	ev := s.classifier.Classify(raw)
	metrics.RecordEvent(string(ev.Category))

	switch {
	case ev.Category == classify.Ignorable:
		s.log.Debug("ignorable engine error", "rule", ev.Rule)

	case ev.Category.Warning():
		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			s.log.Debug("warning outside a capture dropped", "category", ev.Category, "code", ev.Code)
			return
		}
		w := &Warning{Category: ev.Category, Message: ev.Message, Code: ev.Code}
		s.showWarningLocked(w, ev.AutoDismiss)
		s.commitLocked()
		s.mu.Unlock()

		s.log.Info("engine warning", "category", ev.Category, "rule", ev.Rule, "code", ev.Code)
		s.publish(EventWarning, w)

	default:
		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			s.log.Warn("engine error after capture ended dropped", "error", raw)
			return
		}
		s.active = false
		s.state.Scanning = false
		s.dropWarningLocked()
		serr := &Error{Kind: KindFatal, Message: ev.Message, Err: raw}
		s.state.Err = serr
		s.commitLocked()
		s.mu.Unlock()

		s.log.Error("engine error", "rule", ev.Rule, "code", ev.Code, "error", raw)
		s.publish(EventError, serr)
		if a := s.currentAdapter(); a != nil {
			a.Abort(context.Background(), raw)
		}
	}
}

func (s *Session) onResults(raw vitals.RawResult) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		s.log.Debug("results after capture ended dropped", "status", raw.StatusID)
		return
	}
	s.active = false
	s.state.Scanning = false
	s.dropWarningLocked()

	if a := classify.AssessResult(raw); a.QualityFailure {
		serr := &Error{Kind: KindQuality, Message: a.Message}
		s.state.Err = serr
		s.commitLocked()
		s.mu.Unlock()

		s.log.Warn("measurement quality too low", "reason", a.Reason, "status", raw.StatusID)
		s.publish(EventError, serr)
		return
	}

	res := vitals.Normalize(raw)
	s.state.Results = &res
	s.state.Progress = 100
	s.commitLocked()
	hookCtx := s.hookCtx
	// Hooks are counted under the lock so Close, which takes the same lock
	// after clearing active, always sees them.
	if len(s.hooks) > 0 {
		if s.hooksRunning == 0 {
			s.hooksDone = make(chan struct{})
		}
		s.hooksRunning += len(s.hooks)
	}
	s.mu.Unlock()

	s.log.Info("measurement completed", "measurement", res.MeasurementID, "status", res.StatusID)
	s.publish(EventResults, &res)
	s.runHooks(hookCtx, res)
}

// runHooks starts every result hook. The caller has already counted them
// in hooksRunning.
func (s *Session) runHooks(ctx context.Context, res vitals.Result) {
	for _, h := range s.hooks {
		go func() {
			defer s.hookFinished()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("result hook panicked", "panic", r)
				}
			}()
			if err := h(ctx, s.id, res); err != nil {
				s.log.WarnContext(ctx, "result hook failed", "error", err)
			}
		}()
	}
}

func (s *Session) hookFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooksRunning--
	if s.hooksRunning == 0 {
		close(s.hooksDone)
		s.hooksDone = nil
	}
}

// resetLocked clears the outcome of the previous run.
func (s *Session) resetLocked() {
	s.dropWarningLocked()
	s.state.Err = nil
	s.state.Results = nil
	s.state.Progress = 0
}

func (s *Session) showWarningLocked(w *Warning, ttl time.Duration) {
	s.dropWarningLocked()
	s.state.Warning = w
	if ttl <= 0 {
		return
	}
	seq := s.warnSeq
	s.warnTimer = s.afterFunc(ttl, func() { s.expireWarning(seq) })
}

func (s *Session) dropWarningLocked() {
	s.warnSeq++
	if s.warnTimer != nil {
		s.warnTimer.Stop()
		s.warnTimer = nil
	}
	s.state.Warning = nil
}

func (s *Session) expireWarning(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.warnSeq || s.state.Warning == nil {
		return
	}
	s.state.Warning = nil
	s.warnTimer = nil
	s.commitLocked()
}

// update applies fn to the state and notifies watchers.
func (s *Session) update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.commitLocked()
}

func (s *Session) commitLocked() {
	s.state.Version++
	close(s.signal)
	s.signal = make(chan struct{})
}

func (s *Session) publish(kind EventKind, data any) {
	s.bus.Publish(Event{
		Kind:      kind,
		SessionID: s.id,
		Timestamp: time.Now(),
		Data:      data,
	})
}
