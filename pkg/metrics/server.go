// Package metrics exposes Prometheus metrics for fixgated
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starfail/fixgate/pkg/sampling"
	"github.com/starfail/fixgate/pkg/telem"
)

// Version is reported by the version info gauge
var Version = "dev"

// Recorder owns a private registry and the fixgate collectors. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry
	started  time.Time

	decisions       *prometheus.CounterVec
	reported        *prometheus.CounterVec
	fixErrors       prometheus.Counter
	sinkErrors      *prometheus.CounterVec
	powerChanges    *prometheus.CounterVec
	ignitionResets  prometheus.Counter
	lastDistance    prometheus.Gauge
	effectiveSecs   prometheus.Gauge
	targetSecs      prometheus.Gauge
	charging        prometheus.Gauge
	triggersAllowed prometheus.Gauge

	telemetrySamples prometheus.Gauge
	telemetryEvents  *prometheus.GaugeVec

	daemonUptime  prometheus.Gauge
	daemonVersion *prometheus.GaugeVec
}

// NewRecorder creates and registers all collectors
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}
	r.registerMetrics()
	return r
}

func (r *Recorder) registerMetrics() {
	r.decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixgate_fix_decisions_total",
			Help: "Total number of filter decisions by result and reason",
		},
		[]string{"result", "reason"},
	)

	r.reported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixgate_positions_reported_total",
			Help: "Total number of positions handed to the reporting sink",
		},
		[]string{"source"},
	)

	r.fixErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fixgate_fix_errors_total",
		Help: "Total number of acquisition errors from the fix source",
	})

	r.sinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixgate_sink_errors_total",
			Help: "Total number of reporting sink failures",
		},
		[]string{"type"},
	)

	r.powerChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixgate_power_transitions_total",
			Help: "Total number of charging state transitions",
		},
		[]string{"mode"},
	)

	r.ignitionResets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fixgate_ignition_resets_total",
		Help: "Total number of filter resets caused by the ignition proxy",
	})

	r.lastDistance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixgate_last_fix_distance_meters",
		Help: "Distance of the last evaluated fix from the last accepted fix",
	})

	r.effectiveSecs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixgate_effective_interval_seconds",
		Help: "Current reporting cadence",
	})

	r.targetSecs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixgate_target_interval_seconds",
		Help: "Polling interval requested from the fix source",
	})

	r.charging = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixgate_charging",
		Help: "Charging state (1=charging, 0=battery)",
	})

	r.triggersAllowed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixgate_triggers_allowed",
		Help: "Whether distance and angle triggers are enabled (1=yes)",
	})

	r.telemetrySamples = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixgate_telemetry_samples",
		Help: "Number of decision samples in the telemetry store",
	})

	r.telemetryEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fixgate_telemetry_events",
			Help: "Number of events in the telemetry store by type",
		},
		[]string{"type"},
	)

	r.daemonUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixgate_daemon_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	r.daemonVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fixgate_daemon_version_info",
			Help: "Daemon version information",
		},
		[]string{"version", "go_version"},
	)

	r.registry.MustRegister(
		r.decisions,
		r.reported,
		r.fixErrors,
		r.sinkErrors,
		r.powerChanges,
		r.ignitionResets,
		r.lastDistance,
		r.effectiveSecs,
		r.targetSecs,
		r.charging,
		r.triggersAllowed,
		r.telemetrySamples,
		r.telemetryEvents,
		r.daemonUptime,
		r.daemonVersion,
	)
}

// Registry returns the private registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordDecision records a filter decision
func (r *Recorder) RecordDecision(accepted bool, reason string, distance float64) {
	if r == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	r.decisions.With(prometheus.Labels{"result": result, "reason": reason}).Inc()
	r.lastDistance.Set(distance)
}

// RecordReported records a position handed to the sink. source is
// "filter" or "single".
func (r *Recorder) RecordReported(source string) {
	if r == nil {
		return
	}
	r.reported.With(prometheus.Labels{"source": source}).Inc()
}

// RecordFixError records an acquisition error
func (r *Recorder) RecordFixError() {
	if r == nil {
		return
	}
	r.fixErrors.Inc()
}

// RecordSinkError records a sink failure. errorType is "position" or "error".
func (r *Recorder) RecordSinkError(errorType string) {
	if r == nil {
		return
	}
	r.sinkErrors.With(prometheus.Labels{"type": errorType}).Inc()
}

// RecordPowerTransition records a charging transition
func (r *Recorder) RecordPowerTransition(mode sampling.Mode) {
	if r == nil {
		return
	}
	r.powerChanges.With(prometheus.Labels{"mode": mode.String()}).Inc()
}

// RecordIgnitionReset records a filter reset caused by the ignition proxy
func (r *Recorder) RecordIgnitionReset() {
	if r == nil {
		return
	}
	r.ignitionResets.Inc()
}

// SetPolicyState publishes the derived policy state
func (r *Recorder) SetPolicyState(state sampling.State, target time.Duration) {
	if r == nil {
		return
	}
	r.effectiveSecs.Set(state.EffectiveInterval.Seconds())
	r.targetSecs.Set(target.Seconds())
	r.charging.Set(boolGauge(state.Charging))
	r.triggersAllowed.Set(boolGauge(state.TriggersAllowed))
}

// UpdateTelemetryMetrics refreshes the store gauges
func (r *Recorder) UpdateTelemetryMetrics(store *telem.Store) {
	if r == nil || store == nil {
		return
	}
	r.telemetrySamples.Set(float64(len(store.GetSamples(0))))

	counts := make(map[string]int)
	for _, event := range store.GetEvents(0) {
		counts[event.Type]++
	}
	r.telemetryEvents.Reset()
	for eventType, count := range counts {
		r.telemetryEvents.With(prometheus.Labels{"type": eventType}).Set(float64(count))
	}
}

// UpdateDaemonMetrics refreshes uptime and version info
func (r *Recorder) UpdateDaemonMetrics() {
	if r == nil {
		return
	}
	r.daemonUptime.Set(time.Since(r.started).Seconds())
	r.daemonVersion.With(prometheus.Labels{
		"version":    Version,
		"go_version": runtime.Version(),
	}).Set(1)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
