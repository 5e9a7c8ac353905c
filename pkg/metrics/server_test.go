package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starfail/fixgate/pkg/sampling"
	"github.com/starfail/fixgate/pkg/telem"
)

func TestRecordDecision(t *testing.T) {
	r := NewRecorder()

	r.RecordDecision(true, "first_fix", 0)
	r.RecordDecision(false, "insignificant", 12.5)
	r.RecordDecision(false, "insignificant", 20)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.decisions.WithLabelValues("accepted", "first_fix")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.decisions.WithLabelValues("rejected", "insignificant")))
	assert.Equal(t, 20.0, testutil.ToFloat64(r.lastDistance))
}

func TestCounters(t *testing.T) {
	r := NewRecorder()

	r.RecordReported("filter")
	r.RecordReported("single")
	r.RecordReported("filter")
	r.RecordFixError()
	r.RecordSinkError("position")
	r.RecordPowerTransition(sampling.ModeOnCharging)
	r.RecordIgnitionReset()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.reported.WithLabelValues("filter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reported.WithLabelValues("single")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.fixErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sinkErrors.WithLabelValues("position")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.powerChanges.WithLabelValues("on_charging")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ignitionResets))
}

func TestSetPolicyState(t *testing.T) {
	r := NewRecorder()

	r.SetPolicyState(sampling.State{Charging: true, EffectiveInterval: time.Minute, TriggersAllowed: true}, time.Second)

	assert.Equal(t, 60.0, testutil.ToFloat64(r.effectiveSecs))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.targetSecs))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.charging))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.triggersAllowed))

	r.SetPolicyState(sampling.State{EffectiveInterval: 10 * time.Minute}, 10*time.Minute)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.charging))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.triggersAllowed))
}

func TestUpdateTelemetryMetrics(t *testing.T) {
	r := NewRecorder()
	store, err := telem.NewStore(telem.Config{})
	require.NoError(t, err)

	store.AddSample(telem.Sample{Accepted: true})
	store.AddEvent(telem.Event{Type: "notice"})
	store.AddEvent(telem.Event{Type: "notice"})
	store.AddEvent(telem.Event{Type: "fix_error"})

	r.UpdateTelemetryMetrics(store)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.telemetrySamples))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.telemetryEvents.WithLabelValues("notice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.telemetryEvents.WithLabelValues("fix_error")))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.RecordDecision(true, "interval", 1)
	r.RecordReported("filter")
	r.RecordFixError()
	r.RecordSinkError("error")
	r.RecordPowerTransition(sampling.ModeOnBattery)
	r.RecordIgnitionReset()
	r.SetPolicyState(sampling.State{}, 0)
	r.UpdateTelemetryMetrics(nil)
	r.UpdateDaemonMetrics()
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRecorder()
	r.RecordFixError()
	r.UpdateDaemonMetrics()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), "fixgate_fix_errors_total 1"))
	assert.True(t, strings.Contains(string(body), "fixgate_daemon_version_info"))
}
