package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starfail/fixgate/pkg/metrics"
	"github.com/starfail/fixgate/pkg/telem"
	"github.com/starfail/fixgate/pkg/tracking"
)

type staticStatus tracking.Status

func (s staticStatus) Status() tracking.Status { return tracking.Status(s) }

func newTestServer(t *testing.T, running bool) (*Server, *telem.Store) {
	t.Helper()
	store, err := telem.NewStore(telem.Config{})
	require.NoError(t, err)

	status := staticStatus{SessionID: "abc", DeviceID: "dev", Running: running, Mode: "on_battery"}
	status.Counters.Accepted = 3
	return NewServer(status, store, metrics.NewRecorder(), nil), store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, store := newTestServer(t, true)
	store.AddEvent(telem.Event{Type: "fix_error", Level: "warn", Message: "provider disabled"})

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, uint64(3), status.Statistics.Accepted)
	assert.Equal(t, 1, status.Statistics.TotalEvents)
	require.NotNil(t, status.LastError)
	assert.Equal(t, "provider disabled", status.LastError.Message)
	assert.Equal(t, 1.0, status.Telemetry["total_events"])
}

func TestHealthCheckMessage(t *testing.T) {
	s, _ := newTestServer(t, true)
	s.AddCheck("mqtt", func() (string, error) { return "last publish 2s ago", nil })

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, Component{Status: "healthy", Message: "last publish 2s ago"}, status.Components["mqtt"])
}

func TestHealthUnhealthy(t *testing.T) {
	stopped, _ := newTestServer(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, stopped, "/health").Code)

	s, _ := newTestServer(t, true)
	s.AddCheck("mqtt", func() (string, error) { return "", errors.New("not connected") })
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "not connected", status.Components["mqtt"].Message)
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, true)

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status tracking.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "abc", status.SessionID)
	assert.True(t, status.Running)
}

func TestEventsEndpoint(t *testing.T) {
	s, store := newTestServer(t, true)
	for _, typ := range []string{"a", "b", "c"} {
		store.AddEvent(telem.Event{Type: typ})
	}

	rec := get(t, s, "/events?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []telem.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	require.Len(t, events, 2)
	assert.Equal(t, "c", events[1].Type)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/events?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/events?limit=-1").Code)
}

func TestEventsSince(t *testing.T) {
	s, store := newTestServer(t, true)
	store.AddEvent(telem.Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	store.AddEvent(telem.Event{Type: "new"})

	rec := get(t, s, "/events?since=10m")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []telem.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].Type)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/events?since=soon").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/events?since=-5m").Code)
}

func TestExportEndpoint(t *testing.T) {
	s, store := newTestServer(t, true)
	store.AddSample(telem.Sample{Accepted: true, Reason: "first_fix"})
	store.AddEvent(telem.Event{Type: "notice"})

	rec := get(t, s, "/export")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var export struct {
		Samples []telem.Sample         `json:"samples"`
		Events  []telem.Event          `json:"events"`
		Stats   map[string]interface{} `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&export))
	assert.Len(t, export.Samples, 1)
	assert.Len(t, export.Events, 1)
	assert.Equal(t, 1.0, export.Stats["accepted_samples"])
}

func TestDecisionsEndpoint(t *testing.T) {
	s, store := newTestServer(t, true)
	store.AddSample(telem.Sample{Accepted: true, Reason: "first_fix"})

	rec := get(t, s, "/decisions")
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []telem.Sample
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&samples))
	require.Len(t, samples, 1)
	assert.Equal(t, "first_fix", samples[0].Reason)
}

func TestMetricsEndpoint(t *testing.T) {
	s, store := newTestServer(t, true)
	store.AddEvent(telem.Event{Type: "notice"})

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `fixgate_telemetry_events{type="notice"} 1`))
	assert.True(t, strings.Contains(body, "fixgate_daemon_uptime_seconds"))
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
