package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRegistration(t *testing.T) {
	registrationsTotal.Reset()

	RecordRegistration(0.2, nil)
	RecordRegistration(0.4, nil)
	RecordRegistration(1.0, errors.New("boom"))

	assert.InDelta(t, 2, testutil.ToFloat64(registrationsTotal.WithLabelValues("success")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(registrationsTotal.WithLabelValues("error")), 1e-9)
	assert.Positive(t, testutil.CollectAndCount(registrationDuration))
}

func TestRecordModuleLoad(t *testing.T) {
	moduleLoadsTotal.Reset()

	RecordModuleLoad(nil)

	assert.InDelta(t, 1, testutil.ToFloat64(moduleLoadsTotal.WithLabelValues("success")), 1e-9)
}

func TestRecordEvent(t *testing.T) {
	eventsTotal.Reset()

	RecordEvent("motion-warning")
	RecordEvent("motion-warning")

	assert.InDelta(t, 2, testutil.ToFloat64(eventsTotal.WithLabelValues("motion-warning")), 1e-9)
}

func TestRecordCaptureStartEnd(t *testing.T) {
	capturesActive.Set(0)
	scansTotal.Reset()

	RecordCaptureStart()
	assert.InDelta(t, 1, testutil.ToFloat64(capturesActive), 1e-9)

	RecordCaptureEnd("success")
	assert.InDelta(t, 0, testutil.ToFloat64(capturesActive), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(scansTotal.WithLabelValues("success")), 1e-9)
}

func TestHandler(t *testing.T) {
	eventsTotal.Reset()
	RecordEvent("fatal")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vitalscan_classified_events_total{category="fatal"} 1`)
}
