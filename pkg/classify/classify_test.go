package classify

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/germanamz/vitalscan/pkg/vitals"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Table(t *testing.T) {
	c := Default()

	tests := []struct {
		name     string
		in       *RawError
		category Category
		message  string
		dismiss  time.Duration
	}{
		{"nil payload", nil, Ignorable, "", 0},
		{"empty payload", &RawError{}, Ignorable, "", 0},
		{"blank message", &RawError{Message: "   "}, Ignorable, "", 0},
		{"websocket", &RawError{Message: "websocket disconnected"}, Transient, MessageReconnecting, 2 * time.Second},
		{"network", &RawError{Message: "Network unreachable"}, Transient, MessageReconnecting, 2 * time.Second},
		{"connection", &RawError{Code: "X", Message: "Connection lost"}, Transient, MessageReconnecting, 2 * time.Second},
		{"low snr", &RawError{Code: CodeLowSNR, Message: "signal too weak"}, QualityWarning, MessageLowLight, 3 * time.Second},
		{"motion", &RawError{Message: "Too much MOVEMENT detected"}, MotionWarning, MessageStayStill, 2 * time.Second},
		{"moving", &RawError{Message: "user is moving"}, MotionWarning, MessageStayStill, 2 * time.Second},
		{"fatal verbatim", &RawError{Code: "CAMERA", Message: "Camera permission denied"}, Fatal, "Camera permission denied", 0},
		{"fatal code only", &RawError{Code: "E42"}, Fatal, "E42", 0},
		{"details only", &RawError{Details: map[string]any{"x": 1}}, Fatal, MessageUnknownError + " (map[x:1])", 0},
		{"hold still", &RawError{Message: "Please hold still"}, MotionWarning, MessageStayStill, 2 * time.Second},
		{"still as adverb", &RawError{Message: "camera still initializing"}, Fatal, "camera still initializing", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := c.Classify(tt.in)
			assert.Equal(t, tt.category, ev.Category)
			assert.Equal(t, tt.message, ev.Message)
			assert.Equal(t, tt.dismiss, ev.AutoDismiss)
		})
	}
}

func TestClassify_ConnectivityBeatsLowSNR(t *testing.T) {
	ev := Default().Classify(&RawError{Code: CodeLowSNR, Message: "network jitter"})
	assert.Equal(t, Transient, ev.Category)
	assert.Equal(t, CodeLowSNR, ev.Code)
}

func TestClassify_LowSNRBeatsMotion(t *testing.T) {
	ev := Default().Classify(&RawError{Code: CodeLowSNR, Message: "movement"})
	assert.Equal(t, QualityWarning, ev.Category)
}

func TestNew_ExtraRulesBeforeFallback(t *testing.T) {
	c, err := New(Rule{
		Name:     "camera-busy",
		Category: Fatal,
		Patterns: []string{`camera is in use`},
		Message:  "Feche outros aplicativos",
	})
	require.NoError(t, err)

	rules := c.Rules()
	assert.Equal(t, "camera-busy", rules[len(rules)-2].Name)
	assert.Equal(t, "fatal", rules[len(rules)-1].Name)

	ev := c.Classify(&RawError{Message: "Camera is in use by another app"})
	assert.Equal(t, "camera-busy", ev.Rule)
	assert.Equal(t, "Feche outros aplicativos", ev.Message)
}

func TestNew_InvalidRule(t *testing.T) {
	_, err := New(Rule{Name: "bad", Category: "nope", Patterns: []string{"x"}})
	assert.ErrorContains(t, err, "unknown category")

	_, err = New(Rule{Name: "bad", Category: Fatal, Patterns: []string{"("}})
	assert.ErrorContains(t, err, "pattern")
}

func TestNewWithRules_RequiresCatchAll(t *testing.T) {
	_, err := NewWithRules([]Rule{{Name: "only", Category: Transient, Patterns: []string{"x"}}})
	assert.ErrorContains(t, err, "catch-all")

	_, err = NewWithRules(nil)
	assert.Error(t, err)
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(`
rules:
  - name: glare
    category: quality-warning
    patterns: ["glare", "overexposed"]
    message: "Evite luz direta"
    auto_dismiss: 3s
  - name: face-lost
    category: motion-warning
    codes: ["FACE_NONE"]
    message: "Centralize o rosto"
    auto_dismiss: 1500ms
`))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 3*time.Second, rules[0].AutoDismiss)
	assert.Equal(t, 1500*time.Millisecond, rules[1].AutoDismiss)

	c, err := New(rules...)
	require.NoError(t, err)

	ev := c.Classify(&RawError{Message: "image overexposed"})
	assert.Equal(t, QualityWarning, ev.Category)
	assert.Equal(t, "Evite luz direta", ev.Message)

	ev = c.Classify(&RawError{Code: "FACE_NONE"})
	assert.Equal(t, MotionWarning, ev.Category)
}

func TestParseRules_Errors(t *testing.T) {
	_, err := ParseRules([]byte(`rules: [{category: fatal, patterns: [x]}]`))
	assert.ErrorContains(t, err, "name is required")

	_, err = ParseRules([]byte(`rules: [{name: all, category: fatal}]`))
	assert.ErrorContains(t, err, "needs codes")

	_, err = ParseRules([]byte(`rules: {`))
	assert.ErrorContains(t, err, "parse rules")
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: glare\n    category: quality-warning\n    patterns: [glare]\n"), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "load rules")
}

func TestMapLifecycle(t *testing.T) {
	assert.Equal(t, ScanningOn, MapLifecycle(EventMeasurementStarted))
	assert.Equal(t, ScanningOff, MapLifecycle(EventMeasurementCompleted))
	assert.Equal(t, ScanningOff, MapLifecycle(EventMeasurementCancelled))
	assert.Equal(t, ScanningUnchanged, MapLifecycle(EventProgress))
	assert.Equal(t, ScanningUnchanged, MapLifecycle("FACE_DETECTED"))
}

func TestAssessResult(t *testing.T) {
	a := AssessResult(vitals.RawResult{StatusID: vitals.StatusPartial})
	assert.True(t, a.QualityFailure)
	assert.Equal(t, MessageLowQuality, a.Message)

	a = AssessResult(vitals.RawResult{StatusID: vitals.StatusComplete, Error: &vitals.ResultError{Code: CodeLivenessFailure}})
	assert.True(t, a.QualityFailure)
	assert.Equal(t, "liveness", a.Reason)

	a = AssessResult(vitals.RawResult{StatusID: vitals.StatusComplete, Error: &vitals.ResultError{Code: "OTHER"}})
	assert.False(t, a.QualityFailure)

	assert.False(t, AssessResult(vitals.RawResult{StatusID: vitals.StatusNormal}).QualityFailure)
}
