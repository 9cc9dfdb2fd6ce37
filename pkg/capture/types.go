package capture

import (
	"context"

	"github.com/germanamz/vitalscan/pkg/classify"
	"github.com/germanamz/vitalscan/pkg/license"
	"github.com/germanamz/vitalscan/pkg/scanconfig"
	"github.com/germanamz/vitalscan/pkg/vitals"
)

// Gender of the subject, as understood by the vendor.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Profile is optional biometric context about the subject. Unset fields
// are passed to the engine as absent, never defaulted.
type Profile struct {
	Age                     *int     `json:"age,omitempty"`
	Gender                  Gender   `json:"gender,omitempty"`
	Height                  *float64 `json:"height,omitempty"` // centimetres
	Weight                  *float64 `json:"weight,omitempty"` // kilograms
	Smoker                  *bool    `json:"smoker,omitempty"`
	Diabetic                *bool    `json:"diabetic,omitempty"`
	BloodPressureMedication *bool    `json:"bloodPressureMedication,omitempty"`
}

// Event is a lifecycle or progress notification from the engine.
type Event struct {
	Kind     string         `json:"kind"`
	Progress float64        `json:"progress,omitempty"` // 0-100, for PROGRESS events
	Data     map[string]any `json:"data,omitempty"`
}

// Sink receives translated engine callbacks. Nil slots are skipped.
// Callbacks may run on any goroutine.
type Sink struct {
	OnResults func(vitals.RawResult)
	OnError   func(*classify.RawError)
	OnEvent   func(Event)
}

// EmitResults calls OnResults when set.
func (s Sink) EmitResults(r vitals.RawResult) {
	if s.OnResults != nil {
		s.OnResults(r)
	}
}

// EmitError calls OnError when set.
func (s Sink) EmitError(e *classify.RawError) {
	if s.OnError != nil {
		s.OnError(e)
	}
}

// EmitEvent calls OnEvent when set.
func (s Sink) EmitEvent(e Event) {
	if s.OnEvent != nil {
		s.OnEvent(e)
	}
}

// Options is the capture configuration handed to the engine on init.
type Options struct {
	FacingMode       string `json:"facingMode"`
	StartCapture     bool   `json:"startCapture"`
	StartMeasurement bool   `json:"startMeasurement"`
	CheckConstraints bool   `json:"checkConstraints"`
	CancelOnLowSNR   bool   `json:"cancelOnLowSNR"`
}

// DefaultOptions returns the capture configuration used by Adapter: user
// facing camera, nothing auto-started, constraint checking on, and low
// signal handled as a warning instead of an abort.
func DefaultOptions() Options {
	return Options{
		FacingMode:       "user",
		StartCapture:     false,
		StartMeasurement: false,
		CheckConstraints: true,
		CancelOnLowSNR:   false,
	}
}

// InitRequest carries everything a Transport needs to open an engine.
type InitRequest struct {
	Config      scanconfig.Config
	Credentials license.Credentials
	Container   string
	Profile     Profile
	Options     Options
}

// Transport opens capture engines. Implementations translate vendor
// callbacks into calls on the given Sink.
type Transport interface {
	Open(ctx context.Context, req InitRequest, sink Sink) (Engine, error)
}

// Preparer is implemented by transports with a setup step that must
// succeed before a license is registered (e.g. loading the engine module).
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Engine is a live capture engine handle.
type Engine interface {
	Destroy(ctx context.Context) error
}

// Starter is implemented by engines with a start primitive.
type Starter interface {
	Start(ctx context.Context) error
}

// Canceler is implemented by engines that can cancel a measurement.
type Canceler interface {
	Cancel(ctx context.Context, force bool) error
}

// Stopper is implemented by engines with a plain stop primitive.
type Stopper interface {
	Stop(ctx context.Context) error
}
