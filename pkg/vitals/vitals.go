package vitals

import (
	"encoding/json"
	"math"
	"sort"
)

// Status identifiers reported by the vendor.
const (
	StatusComplete = "COMPLETE"
	StatusNormal   = "NORMAL"
	StatusPartial  = "PARTIAL"
)

// Point is a single named vendor data point.
type Point struct {
	Value any `json:"value"`
}

// ResultError is the optional error embedded in a vendor result.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RawResult is the vendor payload delivered at the end of a measurement.
// It is transient and discarded once normalized.
type RawResult struct {
	StatusID      string           `json:"statusId"`
	MeasurementID string           `json:"measurementId,omitempty"`
	ResultID      string           `json:"resultId,omitempty"`
	Points        map[string]Point `json:"points"`
	Error         *ResultError     `json:"error,omitempty"`
}

// Result is the normalized measurement. Numeric fields are nil when the
// vendor did not report a usable value; 0 is a real reading.
type Result struct {
	HeartRate       *float64 `json:"heartRate"`
	RespirationRate *float64 `json:"respirationRate"`
	BPSystolic      *float64 `json:"bpSystolic"`
	BPDiastolic     *float64 `json:"bpDiastolic"`
	SDNN            *float64 `json:"sdnn"`
	RMSSD           *float64 `json:"rmssd"`
	StressIndex     *float64 `json:"stressIndex"`
	MentalScore     *float64 `json:"mentalScore"`
	BMI             *float64 `json:"bmi"`
	FacialSkinAge   *float64 `json:"facialSkinAge"`
	CVDRisk         *float64 `json:"cvdRisk"`
	HeartAttackRisk *float64 `json:"heartAttackRisk"`
	StrokeRisk      *float64 `json:"strokeRisk"`
	HealthScore     *float64 `json:"healthScore"`
	VitalScore      *float64 `json:"vitalScore"`
	PhysioScore     *float64 `json:"physioScore"`
	RisksScore      *float64 `json:"risksScore"`

	MeasurementID string `json:"measurementId"`
	ResultID      string `json:"resultId"`
	StatusID      string `json:"statusId"`

	// Points is the complete raw point map.
	Points map[string]Point `json:"points"`
	// Extra holds points whose names are not mapped to a field above.
	Extra map[string]Point `json:"extra"`
}

// field binds a vendor point name to a Result field.
type field struct {
	point string
	label string
	ref   func(*Result) **float64
}

var fields = []field{
	{"HR_BPM", "Heart rate", func(r *Result) **float64 { return &r.HeartRate }},
	{"BR_BPM", "Respiration rate", func(r *Result) **float64 { return &r.RespirationRate }},
	{"BP_SYSTOLIC", "Systolic pressure", func(r *Result) **float64 { return &r.BPSystolic }},
	{"BP_DIASTOLIC", "Diastolic pressure", func(r *Result) **float64 { return &r.BPDiastolic }},
	{"HRV_SDNN", "SDNN", func(r *Result) **float64 { return &r.SDNN }},
	{"HRV_RMSSD", "RMSSD", func(r *Result) **float64 { return &r.RMSSD }},
	{"MSI", "Stress index", func(r *Result) **float64 { return &r.StressIndex }},
	{"MENTAL_SCORE", "Mental score", func(r *Result) **float64 { return &r.MentalScore }},
	{"BMI_CALC", "BMI", func(r *Result) **float64 { return &r.BMI }},
	{"AGE", "Facial skin age", func(r *Result) **float64 { return &r.FacialSkinAge }},
	{"BP_CVD", "Cardiovascular risk", func(r *Result) **float64 { return &r.CVDRisk }},
	{"BP_HEART_ATTACK", "Heart attack risk", func(r *Result) **float64 { return &r.HeartAttackRisk }},
	{"BP_STROKE", "Stroke risk", func(r *Result) **float64 { return &r.StrokeRisk }},
	{"HEALTH_SCORE", "Health score", func(r *Result) **float64 { return &r.HealthScore }},
	{"VITAL_SCORE", "Vital score", func(r *Result) **float64 { return &r.VitalScore }},
	{"PHYSIO_SCORE", "Physiological score", func(r *Result) **float64 { return &r.PhysioScore }},
	{"RISKS_SCORE", "Risks score", func(r *Result) **float64 { return &r.RisksScore }},
}

var knownPoints = func() map[string]struct{} {
	m := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		m[f.point] = struct{}{}
	}
	return m
}()

// KnownPoints returns the vendor point names mapped to Result fields, in
// field order.
func KnownPoints() []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.point
	}
	return names
}

// Normalize maps a raw vendor result into a Result. It has no side effects
// and does not modify raw.
func Normalize(raw RawResult) Result {
	res := Result{
		MeasurementID: raw.MeasurementID,
		ResultID:      raw.ResultID,
		StatusID:      raw.StatusID,
		Points:        make(map[string]Point, len(raw.Points)),
		Extra:         make(map[string]Point),
	}

	for name, p := range raw.Points {
		res.Points[name] = p
		if _, ok := knownPoints[name]; !ok {
			res.Extra[name] = p
		}
	}

	for _, f := range fields {
		p, ok := raw.Points[f.point]
		if !ok {
			continue
		}
		if v, ok := numeric(p.Value); ok {
			*f.ref(&res) = &v
		}
	}

	return res
}

// numeric reports v as a finite float64. Strings, booleans, nil and
// non-finite numbers are not numeric.
func numeric(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Reading is one labelled value of a Result, used for display.
type Reading struct {
	Point string
	Label string
	Value *float64
}

// Readings lists every known field of r in a stable order, followed by
// numeric extra points sorted by name.
func (r Result) Readings() []Reading {
	out := make([]Reading, 0, len(fields)+len(r.Extra))
	for _, f := range fields {
		out = append(out, Reading{Point: f.point, Label: f.label, Value: *f.ref(&r)})
	}

	names := make([]string, 0, len(r.Extra))
	for name := range r.Extra {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if v, ok := numeric(r.Extra[name].Value); ok {
			out = append(out, Reading{Point: name, Label: name, Value: &v})
		}
	}

	return out
}
