package session

import (
	"github.com/germanamz/vitalscan/pkg/classify"
	"github.com/germanamz/vitalscan/pkg/vitals"
)

// ErrorKind classifies a surfaced session error.
type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration"
	KindRegistration   ErrorKind = "registration"
	KindNotInitialized ErrorKind = "not-initialized"
	KindQuality        ErrorKind = "quality"
	KindFatal          ErrorKind = "fatal"
)

// User-facing messages for errors the session raises itself.
const (
	MessageInitFailed     = "falha ao inicializar o scanner"
	MessageNotInitialized = "scanner não inicializado"
	MessageConfiguration  = "configuração do scanner incompleta"
)

// Error is the session's user-visible error. Err holds the underlying
// cause, if any.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Warning is an advisory that clears itself.
type Warning struct {
	Category classify.Category
	Message  string
	Code     string
}

// State is the observable session state. Version increases on every
// change.
type State struct {
	Initializing bool
	Scanning     bool
	Err          *Error
	Warning      *Warning
	Progress     float64
	Results      *vitals.Result
	Version      uint64
}
