package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/germanamz/vitalscan/pkg/capture"
	"github.com/germanamz/vitalscan/pkg/classify"
	"github.com/germanamz/vitalscan/pkg/vitals"
)

// CodeDecode is the error code emitted when an engine payload cannot be
// decoded.
const CodeDecode = "DECODE"

// Option configures a Transport.
type Option func(*Transport)

// WithModuleURL overrides DefaultModuleURL.
func WithModuleURL(url string) Option {
	return func(t *Transport) { t.url = url }
}

// WithLoader overrides DefaultLoader().
func WithLoader(l Loader) Option {
	return func(t *Transport) { t.loader = l }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// Transport opens engines from a vendor module.
type Transport struct {
	url    string
	loader Loader
	log    *slog.Logger

	mu  sync.Mutex
	mod Module
}

var (
	_ capture.Transport = (*Transport)(nil)
	_ capture.Preparer  = (*Transport)(nil)
)

// New creates a Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		url: DefaultModuleURL,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.loader == nil {
		t.loader = DefaultLoader()
	}
	return t
}

// Prepare loads the vendor module.
func (t *Transport) Prepare(ctx context.Context) error {
	_, err := t.module(ctx)
	return err
}

func (t *Transport) module(ctx context.Context) (Module, error) {
	t.mu.Lock()
	mod := t.mod
	t.mu.Unlock()
	if mod != nil {
		return mod, nil
	}

	mod, err := t.loader.Load(ctx, t.url)
	if err != nil {
		return nil, fmt.Errorf("embedded: load module: %w", err)
	}

	t.mu.Lock()
	t.mod = mod
	t.mu.Unlock()
	return mod, nil
}

// Open constructs and initializes a vendor app bound to sink.
func (t *Transport) Open(ctx context.Context, req capture.InitRequest, sink capture.Sink) (capture.Engine, error) {
	mod, err := t.module(ctx)
	if err != nil {
		return nil, err
	}

	app, err := mod.NewApp()
	if err != nil {
		return nil, fmt.Errorf("embedded: new app: %w", err)
	}

	cb := app.Callbacks()
	cb.OnResults(func(p any) { t.deliverResults(sink, p) })
	cb.OnError(func(p any) { sink.EmitError(decodeError(p)) })
	cb.OnEvent(func(p any) { t.deliverEvent(sink, p) })

	err = app.Init(ctx, InitOptions{
		Container:    req.Container,
		Token:        req.Credentials.Token,
		RefreshToken: req.Credentials.RefreshToken,
		StudyID:      req.Config.StudyID,
		Profile:      req.Profile,
		Options:      req.Options,
	})
	if err != nil {
		_ = app.Destroy(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("embedded: init app: %w", err)
	}

	t.log.DebugContext(ctx, "embedded engine initialized", "module", t.url)
	return &engine{app: app}, nil
}

func (t *Transport) deliverResults(sink capture.Sink, p any) {
	var r vitals.RawResult
	switch v := p.(type) {
	case vitals.RawResult:
		r = v
	case *vitals.RawResult:
		if v != nil {
			r = *v
		}
	default:
		if err := decode(p, &r); err != nil {
			t.log.Warn("embedded: undecodable results payload", "error", err)
			sink.EmitError(&classify.RawError{Code: CodeDecode, Message: "undecodable results payload: " + err.Error()})
			return
		}
	}
	sink.EmitResults(r)
}

func (t *Transport) deliverEvent(sink capture.Sink, p any) {
	switch v := p.(type) {
	case string:
		sink.EmitEvent(capture.Event{Kind: v})
		return
	case capture.Event:
		sink.EmitEvent(v)
		return
	}

	var wire struct {
		Kind     string         `json:"kind"`
		Type     string         `json:"type"`
		Progress float64        `json:"progress"`
		Data     map[string]any `json:"data"`
	}
	if err := decode(p, &wire); err != nil {
		t.log.Warn("embedded: undecodable event payload", "error", err)
		return
	}

	kind := wire.Kind
	if kind == "" {
		kind = wire.Type
	}
	sink.EmitEvent(capture.Event{Kind: kind, Progress: wire.Progress, Data: wire.Data})
}

func decodeError(p any) *classify.RawError {
	switch v := p.(type) {
	case nil:
		return nil
	case *classify.RawError:
		return v
	case string:
		return &classify.RawError{Message: v}
	case error:
		return &classify.RawError{Message: v.Error()}
	}

	var e classify.RawError
	if err := decode(p, &e); err != nil {
		return &classify.RawError{Code: CodeDecode, Message: fmt.Sprintf("%v", p)}
	}
	return &e
}

// decode converts an untyped payload into dest through its JSON form.
func decode(p any, dest any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// engine adapts an App to the capture engine capabilities.
type engine struct {
	app App
}

var (
	_ capture.Starter  = (*engine)(nil)
	_ capture.Canceler = (*engine)(nil)
)

func (e *engine) Start(ctx context.Context) error {
	if s, ok := e.app.(capture.Starter); ok {
		return s.Start(ctx)
	}
	return nil
}

// Cancel uses the app's cancel primitive and falls back to its stop.
func (e *engine) Cancel(ctx context.Context, force bool) error {
	switch a := e.app.(type) {
	case capture.Canceler:
		return a.Cancel(ctx, force)
	case capture.Stopper:
		return a.Stop(ctx)
	default:
		return nil
	}
}

func (e *engine) Destroy(ctx context.Context) error {
	return e.app.Destroy(ctx)
}
