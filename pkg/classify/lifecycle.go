package classify

import (
	"github.com/germanamz/vitalscan/pkg/vitals"
)

// Engine lifecycle event names.
const (
	EventMeasurementStarted   = "MEASUREMENT_STARTED"
	EventMeasurementCompleted = "MEASUREMENT_COMPLETED"
	EventMeasurementCancelled = "MEASUREMENT_CANCELLED"
	EventProgress             = "PROGRESS"
)

// Scanning is the effect of a lifecycle event on the scanning flag.
type Scanning int

const (
	ScanningUnchanged Scanning = iota
	ScanningOn
	ScanningOff
)

// MapLifecycle maps an engine lifecycle event to its effect on the
// scanning flag. Unknown events leave it unchanged.
func MapLifecycle(kind string) Scanning {
	switch kind {
	case EventMeasurementStarted:
		return ScanningOn
	case EventMeasurementCompleted, EventMeasurementCancelled:
		return ScanningOff
	default:
		return ScanningUnchanged
	}
}

// Assessment is the verdict on a terminal result payload.
type Assessment struct {
	// QualityFailure is set when the result must not be normalized.
	QualityFailure bool
	Message        string
	Reason         string
}

// AssessResult decides whether raw is a usable result. PARTIAL results and
// liveness failures are quality failures; everything else is a success.
func AssessResult(raw vitals.RawResult) Assessment {
	switch {
	case raw.StatusID == vitals.StatusPartial:
		return Assessment{QualityFailure: true, Message: MessageLowQuality, Reason: "partial"}
	case raw.Error != nil && raw.Error.Code == CodeLivenessFailure:
		return Assessment{QualityFailure: true, Message: MessageLowQuality, Reason: "liveness"}
	default:
		return Assessment{}
	}
}
