package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/germanamz/vitalscan/pkg/classify"
	"github.com/germanamz/vitalscan/pkg/license"
	"github.com/germanamz/vitalscan/pkg/metrics"
	"github.com/germanamz/vitalscan/pkg/scanconfig"
	"github.com/germanamz/vitalscan/pkg/vitals"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("github.com/germanamz/vitalscan/pkg/capture")

// State is the adapter lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateCapturing     State = "capturing"
	StateCompleted     State = "completed"
	StateCancelled     State = "cancelled"
	StateError         State = "error"
	StateDestroyed     State = "destroyed"
)

// startable reports whether Start is accepted in s. Terminal capture
// states fall back to ready.
func (s State) startable() bool {
	switch s {
	case StateReady, StateCompleted, StateCancelled, StateError:
		return true
	default:
		return false
	}
}

// NotInitializedError is returned by Start when no engine is ready.
type NotInitializedError struct {
	State State
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("capture: engine not initialized (state %s)", e.State)
}

// ErrDestroyed is returned by an Initialize that was overtaken by Destroy.
var ErrDestroyed = errors.New("capture: adapter destroyed during initialization")

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.log = l }
}

// WithOptions overrides the capture options passed to the engine.
func WithOptions(o Options) AdapterOption {
	return func(a *Adapter) { a.opts = o }
}

// Adapter owns at most one live engine. It is safe for concurrent use.
type Adapter struct {
	cfg       scanconfig.Config
	registrar license.Registrar
	transport Transport
	opts      Options
	log       *slog.Logger

	init singleflight.Group

	mu     sync.Mutex
	state  State
	engine Engine
	gen    uint64 // bumped by Destroy; stale engines and callbacks are ignored
}

// NewAdapter creates an Adapter. Nothing touches the network until
// Initialize.
func NewAdapter(cfg scanconfig.Config, registrar license.Registrar, transport Transport, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		cfg:       cfg,
		registrar: registrar,
		transport: transport,
		opts:      DefaultOptions(),
		log:       slog.Default(),
		state:     StateUninitialized,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Initialize prepares the transport, registers the license and opens an
// engine bound to sink. It is a no-op when an engine is already open;
// concurrent calls share a single in-flight initialization.
func (a *Adapter) Initialize(ctx context.Context, container string, profile Profile, sink Sink) error {
	a.mu.Lock()
	if a.engine != nil {
		a.mu.Unlock()
		return nil
	}
	gen := a.gen
	a.state = StateInitializing
	a.mu.Unlock()

	_, err, shared := a.init.Do("init", func() (any, error) {
		return nil, a.initialize(ctx, gen, container, profile, sink)
	})
	if shared {
		a.log.DebugContext(ctx, "capture initialize joined in-flight call")
	}
	return err
}

func (a *Adapter) initialize(ctx context.Context, gen uint64, container string, profile Profile, sink Sink) (err error) {
	a.mu.Lock()
	ready := a.engine != nil
	a.mu.Unlock()
	if ready {
		return nil
	}

	ctx, span := tracer.Start(ctx, "capture.Initialize", trace.WithAttributes(
		attribute.String("vitalscan.transport", a.cfg.Transport),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.resetAfterFailedInit(gen)
		}
		span.End()
	}()

	if p, ok := a.transport.(Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			return fmt.Errorf("capture: prepare transport: %w", err)
		}
	}

	creds, err := a.registrar.Register(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("capture: initialize: %w", err)
	}

	eng, err := a.transport.Open(ctx, InitRequest{
		Config:      a.cfg,
		Credentials: creds,
		Container:   container,
		Profile:     profile,
		Options:     a.opts,
	}, a.bind(gen, sink))
	if err != nil {
		return fmt.Errorf("capture: open engine: %w", err)
	}

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		a.safeCall(ctx, "destroy", func() error { return eng.Destroy(ctx) })
		return ErrDestroyed
	}
	a.engine = eng
	a.state = StateReady
	a.mu.Unlock()

	a.log.InfoContext(ctx, "capture engine ready", "transport", a.cfg.Transport, "container", container)
	return nil
}

func (a *Adapter) resetAfterFailedInit(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen == gen && a.engine == nil {
		a.state = StateUninitialized
	}
}

// Start begins a measurement. It fails with *NotInitializedError unless
// Initialize has completed.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	eng := a.engine
	state := a.state
	if eng == nil || (!state.startable() && state != StateCapturing) {
		a.mu.Unlock()
		return &NotInitializedError{State: state}
	}
	if state == StateCapturing {
		a.mu.Unlock()
		return nil
	}
	a.state = StateCapturing
	a.mu.Unlock()

	metrics.RecordCaptureStart()

	s, ok := eng.(Starter)
	if !ok {
		return nil
	}
	if err := s.Start(ctx); err != nil {
		a.finish(eng, StateError)
		return fmt.Errorf("capture: start: %w", err)
	}
	return nil
}

// Stop cancels the running measurement. It prefers the engine's forced
// cancel and falls back to stop. Failures are logged, never returned.
func (a *Adapter) Stop(ctx context.Context) {
	a.halt(ctx, StateCancelled)
}

// Abort stops the running measurement and leaves the adapter in the error
// state. cause is logged.
func (a *Adapter) Abort(ctx context.Context, cause error) {
	a.log.WarnContext(ctx, "capture aborted", "error", cause)
	a.halt(ctx, StateError)
}

func (a *Adapter) halt(ctx context.Context, to State) {
	a.mu.Lock()
	eng := a.engine
	a.mu.Unlock()

	if eng == nil {
		return
	}

	a.finish(eng, to)

	switch e := eng.(type) {
	case Canceler:
		a.safeCall(ctx, "cancel", func() error { return e.Cancel(ctx, true) })
	case Stopper:
		a.safeCall(ctx, "stop", func() error { return e.Stop(ctx) })
	}
}

// Destroy tears down the engine. It is idempotent and always clears the
// handle so Initialize can run again.
func (a *Adapter) Destroy(ctx context.Context) {
	a.mu.Lock()
	eng := a.engine
	wasCapturing := a.state == StateCapturing
	a.engine = nil
	a.gen++
	a.state = StateDestroyed
	a.mu.Unlock()

	a.init.Forget("init")

	if wasCapturing {
		metrics.RecordCaptureEnd(string(StateCancelled))
	}
	if eng == nil {
		return
	}

	a.safeCall(ctx, "destroy", func() error { return eng.Destroy(ctx) })
	a.log.InfoContext(ctx, "capture engine destroyed")
}

// finish moves a capturing adapter to a terminal state. It returns false
// when eng is stale or no capture was running.
func (a *Adapter) finish(eng Engine, to State) bool {
	a.mu.Lock()
	if a.engine != eng || a.state != StateCapturing {
		a.mu.Unlock()
		return false
	}
	a.state = to
	a.mu.Unlock()

	metrics.RecordCaptureEnd(string(to))
	return true
}

// current reports whether callbacks from generation gen are still live.
func (a *Adapter) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen && a.state != StateDestroyed
}

// bind wraps sink so that callbacks from a destroyed engine are dropped and
// terminal events advance the adapter state.
func (a *Adapter) bind(gen uint64, sink Sink) Sink {
	return Sink{
		OnResults: func(r vitals.RawResult) {
			if !a.current(gen) {
				return
			}
			a.finishCurrent(StateCompleted)
			sink.EmitResults(r)
		},
		OnError: func(e *classify.RawError) {
			if !a.current(gen) {
				return
			}
			sink.EmitError(e)
		},
		OnEvent: func(ev Event) {
			if !a.current(gen) {
				return
			}
			switch ev.Kind {
			case classify.EventMeasurementCompleted:
				a.finishCurrent(StateCompleted)
			case classify.EventMeasurementCancelled:
				a.finishCurrent(StateCancelled)
			}
			sink.EmitEvent(ev)
		},
	}
}

func (a *Adapter) finishCurrent(to State) {
	a.mu.Lock()
	eng := a.engine
	a.mu.Unlock()
	if eng != nil {
		a.finish(eng, to)
	}
}

// safeCall runs fn, logging any error or panic instead of propagating it.
func (a *Adapter) safeCall(ctx context.Context, op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.ErrorContext(ctx, "capture engine panicked", "op", op, "panic", r)
		}
	}()

	if err := fn(); err != nil {
		a.log.WarnContext(ctx, "capture engine call failed", "op", op, "error", err)
	}
}
