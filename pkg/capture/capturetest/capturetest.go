// Package capturetest provides in-memory capture engines, transports and
// registrars for tests of code built on the capture adapter.
package capturetest

import (
	"context"
	"sync"

	"github.com/germanamz/vitalscan/pkg/capture"
	"github.com/germanamz/vitalscan/pkg/classify"
	"github.com/germanamz/vitalscan/pkg/license"
	"github.com/germanamz/vitalscan/pkg/scanconfig"
	"github.com/germanamz/vitalscan/pkg/vitals"
)

// Counts is a snapshot of engine primitive invocations.
type Counts struct {
	Starts   int
	Cancels  int
	Stops    int
	Destroys int
}

// Engine is a scriptable engine implementing Starter and Canceler.
type Engine struct {
	StartErr   error
	CancelErr  error
	DestroyErr error
	// PanicOnCancel makes Cancel panic, to exercise teardown recovery.
	PanicOnCancel bool

	mu     sync.Mutex
	counts Counts
	sink   capture.Sink
	req    capture.InitRequest
}

var (
	_ capture.Starter  = (*Engine)(nil)
	_ capture.Canceler = (*Engine)(nil)
)

// Start records the call.
func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.Starts++
	return e.StartErr
}

// Cancel records the call.
func (e *Engine) Cancel(context.Context, bool) error {
	e.mu.Lock()
	e.counts.Cancels++
	e.mu.Unlock()
	if e.PanicOnCancel {
		panic("engine exploded")
	}
	return e.CancelErr
}

// Destroy records the call.
func (e *Engine) Destroy(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.Destroys++
	return e.DestroyErr
}

// Counts returns the invocation counters.
func (e *Engine) Counts() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts
}

// Request returns the request the engine was opened with.
func (e *Engine) Request() capture.InitRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req
}

func (e *Engine) bind(req capture.InitRequest, sink capture.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req = req
	e.sink = sink
}

func (e *Engine) boundSink() capture.Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink
}

// EmitError delivers a raw error through the bound sink.
func (e *Engine) EmitError(err *classify.RawError) {
	if s := e.boundSink(); s.OnError != nil {
		s.OnError(err)
	}
}

// EmitResults delivers a raw result through the bound sink.
func (e *Engine) EmitResults(r vitals.RawResult) {
	if s := e.boundSink(); s.OnResults != nil {
		s.OnResults(r)
	}
}

// EmitEvent delivers a lifecycle event through the bound sink.
func (e *Engine) EmitEvent(ev capture.Event) {
	if s := e.boundSink(); s.OnEvent != nil {
		s.OnEvent(ev)
	}
}

// StopOnlyEngine implements Stopper but not Canceler or Starter.
type StopOnlyEngine struct {
	mu       sync.Mutex
	Stops    int
	Destroys int
}

// Stop records the call.
func (e *StopOnlyEngine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Stops++
	return nil
}

// Destroy records the call.
func (e *StopOnlyEngine) Destroy(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Destroys++
	return nil
}

// Transport opens the configured engine and counts calls.
type Transport struct {
	// Engine is returned by Open. When nil a fresh *Engine is created.
	Engine     capture.Engine
	OpenErr    error
	PrepareErr error
	// Gate, when non-nil, blocks Open until it is closed.
	Gate chan struct{}

	mu       sync.Mutex
	opens    int
	prepares int
	last     *Engine
}

var (
	_ capture.Transport = (*Transport)(nil)
	_ capture.Preparer  = (*Transport)(nil)
)

// Prepare records the call.
func (t *Transport) Prepare(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prepares++
	return t.PrepareErr
}

// Open returns the configured engine bound to sink.
func (t *Transport) Open(ctx context.Context, req capture.InitRequest, sink capture.Sink) (capture.Engine, error) {
	if t.Gate != nil {
		select {
		case <-t.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}

	eng := t.Engine
	if eng == nil {
		eng = &Engine{}
	}
	if e, ok := eng.(*Engine); ok {
		e.bind(req, sink)
		t.last = e
	}
	return eng, nil
}

// Opens returns how many times Open was called.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// Prepares returns how many times Prepare was called.
func (t *Transport) Prepares() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prepares
}

// Last returns the most recently opened *Engine, or nil.
func (t *Transport) Last() *Engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Registrar counts registrations and returns fixed credentials.
type Registrar struct {
	Credentials license.Credentials
	Err         error

	mu    sync.Mutex
	calls int
}

var _ license.Registrar = (*Registrar)(nil)

// Register records the call.
func (r *Registrar) Register(context.Context, scanconfig.Config) (license.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.Err != nil {
		return license.Credentials{}, r.Err
	}
	creds := r.Credentials
	if creds.Token == "" {
		creds.Token = "test-token"
	}
	return creds, nil
}

// Calls returns how many registrations were performed.
func (r *Registrar) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
