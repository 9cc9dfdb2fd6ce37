package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/germanamz/vitalscan/pkg/capture"
	"github.com/germanamz/vitalscan/pkg/classify"
	"github.com/germanamz/vitalscan/pkg/vendorapi"
	"github.com/germanamz/vitalscan/pkg/vitals"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/germanamz/vitalscan/pkg/capture/remote")

// Error codes emitted by the transport itself.
const (
	CodeSocketClosed       = "SOCKET_CLOSED"
	CodeDecode             = "DECODE"
	CodeResultsUnavailable = "RESULTS_UNAVAILABLE"
)

const (
	frameEvent    = "event"
	frameProgress = "progress"
	frameError    = "error"
	frameResult   = "result"

	readLimit = 1 << 20
)

var (
	// ErrDestroyed is returned by Start on a destroyed engine.
	ErrDestroyed = errors.New("remote: engine destroyed")
	// ErrNotStreaming is returned by Send when no subscription is open.
	ErrNotStreaming = errors.New("remote: no measurement stream open")
)

// frame is one message on the subscription socket.
type frame struct {
	Type     string             `json:"type"`
	Event    string             `json:"event,omitempty"`
	Progress float64            `json:"progress,omitempty"`
	Error    *classify.RawError `json:"error,omitempty"`
	Result   *vitals.RawResult  `json:"result,omitempty"`
	Data     map[string]any     `json:"data,omitempty"`
}

type createRequest struct {
	StudyID string          `json:"studyId"`
	Profile capture.Profile `json:"profile"`
}

type createResponse struct {
	ID string `json:"ID"`
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient sets the HTTP client used for REST calls and the socket
// handshake. Defaults to a client with the configured HTTP timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithReconnect sets how often a dropped subscription is re-established
// and the initial backoff between attempts. Defaults to 3 and 500ms.
func WithReconnect(maxAttempts int, baseDelay time.Duration) Option {
	return func(t *Transport) {
		t.maxReconnects = maxAttempts
		t.baseDelay = baseDelay
	}
}

// Transport opens engines that talk to the vendor measurement API.
type Transport struct {
	client        *http.Client
	log           *slog.Logger
	maxReconnects int
	baseDelay     time.Duration
}

var _ capture.Transport = (*Transport)(nil)

// New creates a Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		log:           slog.Default(),
		maxReconnects: 3,
		baseDelay:     500 * time.Millisecond,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Open returns an engine for req. No network traffic happens until Start.
func (t *Transport) Open(_ context.Context, req capture.InitRequest, sink capture.Sink) (capture.Engine, error) {
	client := t.client
	if client == nil && req.Config.HTTPTimeout > 0 {
		client = &http.Client{Timeout: req.Config.HTTPTimeout}
	}

	return &Engine{
		api:           vendorapi.New(req.Config.ServiceHost, client).WithAuth(vendorapi.Auth{Key: req.Credentials.Token}),
		socketHost:    req.Config.SocketHost,
		token:         req.Credentials.Token,
		studyID:       req.Config.StudyID,
		profile:       req.Profile,
		sink:          sink,
		log:           t.log,
		maxReconnects: t.maxReconnects,
		baseDelay:     t.baseDelay,
		sleepFunc:     contextSleep,
	}, nil
}

// Engine is one remote measurement engine. Each Start creates a new
// measurement; Cancel abandons the current one.
type Engine struct {
	api           *vendorapi.Client
	socketHost    string
	token         string
	studyID       string
	profile       capture.Profile
	sink          capture.Sink
	log           *slog.Logger
	maxReconnects int
	baseDelay     time.Duration
	sleepFunc     func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	run       uint64 // bumped by Start and Cancel; stale runs stop quietly
	id        string
	conn      *websocket.Conn
	cancel    context.CancelFunc
	destroyed bool
}

var (
	_ capture.Starter  = (*Engine)(nil)
	_ capture.Canceler = (*Engine)(nil)
	_ capture.Stopper  = (*Engine)(nil)
)

// MeasurementID returns the id of the current measurement, if any.
func (e *Engine) MeasurementID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

// Start creates a measurement and subscribes to its stream.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	e.run++
	run := e.run
	prev, cancel := e.detachLocked()
	e.mu.Unlock()
	closeStream(prev, cancel, true)

	id, err := e.createMeasurement(ctx)
	if err != nil {
		return err
	}

	conn, err := e.subscribe(ctx, id)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e.mu.Lock()
	if e.run != run || e.destroyed {
		e.mu.Unlock()
		closeStream(conn, cancel, true)
		return nil
	}
	e.id = id
	e.conn = conn
	e.cancel = cancel
	e.mu.Unlock()

	e.log.InfoContext(ctx, "measurement started", "measurement", id)
	e.sink.EmitEvent(capture.Event{
		Kind: classify.EventMeasurementStarted,
		Data: map[string]any{"measurementId": id},
	})

	go e.read(runCtx, run, id, conn)
	return nil
}

// Cancel abandons the running measurement. A forced cancel drops the socket
// without the close handshake.
func (e *Engine) Cancel(_ context.Context, force bool) error {
	e.mu.Lock()
	e.run++
	conn, cancel := e.detachLocked()
	e.mu.Unlock()

	closeStream(conn, cancel, force)
	return nil
}

// Stop closes the stream gracefully.
func (e *Engine) Stop(ctx context.Context) error {
	return e.Cancel(ctx, false)
}

// Destroy cancels any measurement and rejects further starts.
func (e *Engine) Destroy(_ context.Context) error {
	e.mu.Lock()
	e.destroyed = true
	e.run++
	conn, cancel := e.detachLocked()
	e.mu.Unlock()

	closeStream(conn, cancel, true)
	return nil
}

// Send forwards a captured media chunk as a binary frame.
func (e *Engine) Send(ctx context.Context, chunk []byte) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		return ErrNotStreaming
	}
	if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("remote: send chunk: %w", err)
	}
	return nil
}

func (e *Engine) detachLocked() (*websocket.Conn, context.CancelFunc) {
	conn, cancel := e.conn, e.cancel
	e.conn, e.cancel = nil, nil
	return conn, cancel
}

func closeStream(conn *websocket.Conn, cancel context.CancelFunc, force bool) {
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return
	}
	if force {
		_ = conn.CloseNow()
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "measurement cancelled")
}

func (e *Engine) createMeasurement(ctx context.Context) (_ string, err error) {
	ctx, span := tracer.Start(ctx, "remote.CreateMeasurement", trace.WithAttributes(
		attribute.String("vitalscan.study_id", e.studyID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var out createResponse
	if err := e.api.PostJSON(ctx, "/measurements", createRequest{StudyID: e.studyID, Profile: e.profile}, &out); err != nil {
		return "", fmt.Errorf("remote: create measurement: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("remote: create measurement: response carried no id")
	}

	span.SetAttributes(attribute.String("vitalscan.measurement_id", out.ID))
	return out.ID, nil
}

func (e *Engine) subscribe(ctx context.Context, id string) (*websocket.Conn, error) {
	u := vendorapi.SocketURL(e.socketHost, "/measurements/"+url.PathEscape(id)+"/subscribe?token="+url.QueryEscape(e.token))

	conn, _, err := e.api.DialWS(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("remote: subscribe: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func (e *Engine) fetchResults(ctx context.Context, id string) (*vitals.RawResult, error) {
	var r vitals.RawResult
	if err := e.api.GetJSON(ctx, "/measurements/"+url.PathEscape(id)+"/results", &r); err != nil {
		return nil, fmt.Errorf("remote: fetch results: %w", err)
	}
	return &r, nil
}

func (e *Engine) live(run uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run == run && !e.destroyed
}

// read pumps frames from conn until the measurement ends or the run is
// cancelled. The reconnect budget is restored once a frame gets through.
func (e *Engine) read(ctx context.Context, run uint64, id string, conn *websocket.Conn) {
	failures := 0
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || !e.live(run) {
				return
			}

			e.log.WarnContext(ctx, "measurement stream dropped", "measurement", id, "error", err)
			e.sink.EmitError(&classify.RawError{Message: "websocket disconnected: " + err.Error()})

			conn, err = e.reconnect(ctx, run, id, &failures)
			if err != nil {
				if ctx.Err() == nil && e.live(run) {
					e.log.ErrorContext(ctx, "measurement stream lost", "measurement", id, "error", err)
					e.sink.EmitError(&classify.RawError{Code: CodeSocketClosed, Message: "measurement stream closed"})
				}
				return
			}
			continue
		}

		if !e.live(run) {
			return
		}
		failures = 0
		if e.handle(ctx, id, data) {
			var cancel context.CancelFunc
			e.mu.Lock()
			if e.run == run {
				_, cancel = e.detachLocked()
			}
			e.mu.Unlock()
			closeStream(conn, nil, false)
			if cancel != nil {
				cancel()
			}
			return
		}
	}
}

func (e *Engine) reconnect(ctx context.Context, run uint64, id string, failures *int) (*websocket.Conn, error) {
	var lastErr error
	for *failures < e.maxReconnects {
		attempt := *failures
		*failures++
		if err := e.sleepFunc(ctx, e.backoff(attempt)); err != nil {
			return nil, err
		}

		conn, err := e.subscribe(ctx, id)
		if err != nil {
			lastErr = err
			e.log.WarnContext(ctx, "measurement stream reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}

		e.mu.Lock()
		if e.run != run {
			e.mu.Unlock()
			_ = conn.CloseNow()
			return nil, context.Canceled
		}
		e.conn = conn
		e.mu.Unlock()

		e.log.InfoContext(ctx, "measurement stream reconnected", "measurement", id, "attempt", attempt+1)
		return conn, nil
	}
	if lastErr == nil {
		lastErr = errors.New("remote: reconnect attempts exhausted")
	}
	return nil, lastErr
}

// backoff returns baseDelay * 2^attempt.
func (e *Engine) backoff(attempt int) time.Duration {
	return time.Duration(float64(e.baseDelay) * math.Pow(2, float64(attempt)))
}

// handle dispatches one frame and reports whether the measurement ended.
func (e *Engine) handle(ctx context.Context, id string, data []byte) bool {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		e.sink.EmitError(&classify.RawError{Code: CodeDecode, Message: "undecodable frame: " + err.Error()})
		return false
	}

	switch f.Type {
	case frameProgress:
		e.sink.EmitEvent(capture.Event{Kind: classify.EventProgress, Progress: f.Progress, Data: f.Data})
	case frameError:
		e.sink.EmitError(f.Error)
	case frameResult:
		e.deliverResults(ctx, id, f.Result)
		return true
	case frameEvent:
		switch f.Event {
		case classify.EventMeasurementCompleted:
			e.deliverResults(ctx, id, f.Result)
			e.sink.EmitEvent(capture.Event{Kind: f.Event, Data: f.Data})
			return true
		case classify.EventMeasurementCancelled:
			e.sink.EmitEvent(capture.Event{Kind: f.Event, Data: f.Data})
			return true
		default:
			e.sink.EmitEvent(capture.Event{Kind: f.Event, Progress: f.Progress, Data: f.Data})
		}
	default:
		e.log.DebugContext(ctx, "ignoring measurement frame", "type", f.Type)
	}
	return false
}

func (e *Engine) deliverResults(ctx context.Context, id string, r *vitals.RawResult) {
	if r == nil {
		var err error
		if r, err = e.fetchResults(ctx, id); err != nil {
			e.log.ErrorContext(ctx, "measurement results unavailable", "measurement", id, "error", err)
			e.sink.EmitError(&classify.RawError{Code: CodeResultsUnavailable, Message: "measurement results unavailable"})
			return
		}
	}
	e.sink.EmitResults(*r)
}

// contextSleep sleeps for d or until ctx is cancelled.
func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
