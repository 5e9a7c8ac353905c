// Package tracking runs one tracking session: it owns the sampling policy
// and significance filter, serializes inbound events and emits enriched
// positions to the reporting sink.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/starfail/fixgate/pkg"
	"github.com/starfail/fixgate/pkg/gps"
	"github.com/starfail/fixgate/pkg/logx"
	"github.com/starfail/fixgate/pkg/metrics"
	"github.com/starfail/fixgate/pkg/sampling"
	"github.com/starfail/fixgate/pkg/telem"
	"github.com/starfail/fixgate/pkg/thermal"
)

// ErrNotStarted is returned by operations that need a running session
var ErrNotStarted = errors.New("tracking session not started")

// Dependencies are the platform collaborators of a session. Source and
// Sink are required; everything else is optional.
type Dependencies struct {
	Source             pkg.FixSource
	Sink               pkg.ReportSink
	Battery            pkg.BatterySource
	Power              pkg.PowerMonitor
	AmbientTemperature pkg.TemperatureSource
	BatteryTemperature pkg.TemperatureSource
	Store              *telem.Store
	Metrics            *metrics.Recorder
}

// Session is one period of active tracking
type Session struct {
	config   sampling.Config
	deviceID string
	deps     Dependencies
	logger   *logx.Logger
	thermal  *thermal.Reader

	// serializes Start and Stop
	lifecycle sync.Mutex

	// serializes calls into the fix source; taken before mu
	sourceMu sync.Mutex

	id atomic.Value // string

	mu           sync.Mutex
	running      bool
	startedAt    time.Time
	policy       *sampling.Policy
	filter       *gps.Filter
	lastDecision *gps.Decision
	lastPosition *pkg.Position
	counters     Counters
}

// Counters are the running totals of a session
type Counters struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Reported uint64 `json:"reported"`
	Errors   uint64 `json:"errors"`
}

// NewSession creates a stopped session
func NewSession(config sampling.Config, deviceID string, deps Dependencies, logger *logx.Logger) (*Session, error) {
	if deps.Source == nil {
		return nil, errors.New("tracking session requires a fix source")
	}
	if deps.Sink == nil {
		return nil, errors.New("tracking session requires a report sink")
	}
	if logger == nil {
		logger = logx.Discard()
	}

	s := &Session{
		config:   config,
		deviceID: deviceID,
		deps:     deps,
		logger:   logger,
	}
	s.id.Store("")

	if config.TemperatureMonitoring {
		s.thermal = thermal.NewReader(deps.AmbientTemperature, deps.BatteryTemperature, logger.With("component", "thermal"))
		s.thermal.OnNotice(func(msg string) {
			s.addEvent(pkg.EventNotice, "info", msg, nil)
		})
	}
	return s, nil
}

// ID returns the current session ID, empty before the first Start
func (s *Session) ID() string {
	return s.id.Load().(string)
}

// Start begins tracking. A fix source start failure is forwarded to the
// sink as an acquisition error and returned; the session stays running so
// the next power transition retries the source.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return nil
	}

	charging := false
	if s.config.NeedsPowerMonitor() && s.deps.Power != nil {
		charging = s.deps.Power.IsCharging(ctx)
	}

	id := uuid.NewString()
	log := s.logger.With("session", id)
	policy := sampling.NewPolicy(s.config, charging, log.With("component", "sampling"))
	filter := gps.NewFilter(policy, log.With("component", "filter"))
	policy.OnIgnitionReset(func() {
		s.deps.Metrics.RecordIgnitionReset()
		s.addEvent(pkg.EventNotice, "info", "ignition changed, next fix will be reported", nil)
	})

	s.mu.Lock()
	s.id.Store(id)
	s.running = true
	s.startedAt = time.Now()
	s.policy = policy
	s.filter = filter
	s.lastDecision = nil
	s.lastPosition = nil
	s.counters = Counters{}
	s.mu.Unlock()

	req := policy.Request()
	s.deps.Metrics.SetPolicyState(policy.State(), req.Interval)
	s.addEvent(pkg.EventSessionStarted, "info", "tracking session started", map[string]interface{}{
		"charging":    charging,
		"interval_ms": req.Interval.Milliseconds(),
		"provider":    req.Provider,
	})
	s.logger.Info("tracking session started",
		"session", id,
		"device_id", s.deviceID,
		"mode", policy.State().Mode().String(),
		"request_interval", req.Interval.String(),
		"provider", req.Provider,
	)

	// a power change may already have moved the policy on
	s.sourceMu.Lock()
	s.mu.Lock()
	req = policy.Request()
	s.mu.Unlock()
	err := s.deps.Source.Start(ctx, req)
	s.sourceMu.Unlock()
	if err != nil {
		s.HandleFixError(ctx, err)
		return fmt.Errorf("start fix source: %w", err)
	}
	return nil
}

// Stop ends tracking. Events delivered after Stop are ignored.
func (s *Session) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	counters := s.counters
	s.mu.Unlock()

	s.addEvent(pkg.EventSessionStopped, "info", "tracking session stopped", counters)
	s.logger.Info("tracking session stopped",
		"session", s.ID(),
		"accepted", counters.Accepted,
		"rejected", counters.Rejected,
	)

	s.sourceMu.Lock()
	defer s.sourceMu.Unlock()
	if err := s.deps.Source.Stop(ctx); err != nil {
		return fmt.Errorf("stop fix source: %w", err)
	}
	return nil
}

// HandleFix runs a raw fix through the filter and reports it when significant
func (s *Session) HandleFix(ctx context.Context, fix *pkg.Fix) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("fix ignored, session not running")
		return
	}
	d := s.filter.Evaluate(fix)
	s.lastDecision = &d
	if d.Accepted {
		s.counters.Accepted++
	} else {
		s.counters.Rejected++
	}
	s.mu.Unlock()

	s.deps.Metrics.RecordDecision(d.Accepted, string(d.Reason), d.Distance)
	if s.deps.Store != nil {
		sample := telem.Sample{
			Session:      s.ID(),
			Accepted:     d.Accepted,
			Reason:       string(d.Reason),
			Distance:     d.Distance,
			BearingDelta: d.BearingDelta,
			Interval:     d.State.EffectiveInterval.Milliseconds(),
		}
		if fix != nil {
			sample.Latitude = fix.Latitude
			sample.Longitude = fix.Longitude
		}
		s.deps.Store.AddSample(sample)
	}

	if !d.Accepted {
		return
	}
	pos := s.enrich(ctx, d.Fix, s.ignitionFor(d.State))
	s.report(ctx, pos, "filter")
}

// HandlePowerChange applies a charging transition and restarts the fix
// source with the new request. Repeated reports of the current state are
// not transitions and are ignored.
func (s *Session) HandlePowerChange(ctx context.Context, charging bool) {
	if !s.config.NeedsPowerMonitor() {
		s.logger.Debug("power change ignored, no setting depends on charging")
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.policy.State().Charging == charging {
		s.mu.Unlock()
		return
	}
	s.policy.OnPowerStateChanged(charging)
	state := s.policy.State()
	target := s.policy.CurrentTargetInterval()
	s.mu.Unlock()

	eventType, msg := pkg.EventPowerDisconnected, "power disconnected"
	if charging {
		eventType, msg = pkg.EventPowerConnected, "power connected"
	}
	s.addEvent(eventType, "info", msg, map[string]interface{}{
		"effective_interval_ms": state.EffectiveInterval.Milliseconds(),
		"triggers_allowed":      state.TriggersAllowed,
	})
	s.deps.Metrics.RecordPowerTransition(state.Mode())
	s.deps.Metrics.SetPolicyState(state, target)

	s.restartSource(ctx)
}

// restartSource stops the fix source and starts it again with the request
// of the policy state current at restart time. Overlapping restarts are
// serialized, so the last one always applies the latest state.
func (s *Session) restartSource(ctx context.Context) {
	s.sourceMu.Lock()
	defer s.sourceMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	req := s.policy.Request()
	s.mu.Unlock()

	if err := s.deps.Source.Stop(ctx); err != nil {
		s.logger.Warn("failed to stop fix source", "error", err)
	}
	if err := s.deps.Source.Start(ctx, req); err != nil {
		s.HandleFixError(ctx, err)
	}
}

// HandleTemperature caches an ambient temperature reading
func (s *Session) HandleTemperature(celsius float64) {
	if s.thermal == nil {
		return
	}
	s.thermal.Update(celsius)
}

// HandleFixError forwards an acquisition error to the sink. The filter is
// left untouched.
func (s *Session) HandleFixError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.counters.Errors++
	s.mu.Unlock()

	s.logger.Warn("location error", "session", s.ID(), "error", err)
	s.deps.Metrics.RecordFixError()
	s.addEvent(pkg.EventFixError, "warn", err.Error(), nil)

	if sinkErr := s.deps.Sink.ReportError(ctx, err); sinkErr != nil {
		s.logger.Error("failed to report location error", "error", sinkErr)
		s.deps.Metrics.RecordSinkError("error")
	}
}

// RequestSingle asks the source for one fix and reports it without
// consulting the filter. The last accepted fix is left intact.
func (s *Session) RequestSingle(ctx context.Context) (*pkg.Position, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	policy := s.policy
	s.mu.Unlock()

	fix, err := s.deps.Source.RequestSingle(ctx)
	if err != nil {
		s.HandleFixError(ctx, err)
		return nil, fmt.Errorf("request single fix: %w", err)
	}
	if fix == nil {
		return nil, pkg.ErrNoFix
	}

	pos := s.enrich(ctx, fix, policy.Ignition())
	if err := s.report(ctx, pos, "single"); err != nil {
		return &pos, err
	}
	return &pos, nil
}

// Status is a point-in-time view of the session
type Status struct {
	SessionID      string          `json:"session_id"`
	DeviceID       string          `json:"device_id"`
	Running        bool            `json:"running"`
	StartedAt      time.Time       `json:"started_at"`
	Mode           string          `json:"mode"`
	State          sampling.State  `json:"state"`
	TargetInterval time.Duration   `json:"target_interval"`
	Ignition       pkg.Ignition    `json:"ignition"`
	Config         sampling.Config `json:"config"`
	Counters       Counters        `json:"counters"`
	LastAccepted   *pkg.Fix        `json:"last_accepted,omitempty"`
	LastDecision   *gps.Decision   `json:"last_decision,omitempty"`
	LastPosition   *pkg.Position   `json:"last_position,omitempty"`
}

// Status returns a snapshot for the status endpoint
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		SessionID: s.ID(),
		DeviceID:  s.deviceID,
		Running:   s.running,
		StartedAt: s.startedAt,
		Config:    s.config,
		Counters:  s.counters,
		Ignition:  pkg.IgnitionUnknown,
	}
	if s.policy != nil {
		status.State = s.policy.State()
		status.Mode = status.State.Mode().String()
		status.TargetInterval = s.policy.CurrentTargetInterval()
		status.Ignition = s.policy.Ignition()
		status.LastAccepted = s.filter.LastAccepted()
	}
	if s.lastDecision != nil {
		d := *s.lastDecision
		status.LastDecision = &d
	}
	if s.lastPosition != nil {
		p := *s.lastPosition
		status.LastPosition = &p
	}
	return status
}

func (s *Session) ignitionFor(state sampling.State) pkg.Ignition {
	if !s.config.PowerAsIgnition {
		return pkg.IgnitionUnknown
	}
	if state.Charging {
		return pkg.IgnitionOn
	}
	return pkg.IgnitionOff
}

// enrich attaches the device context. Must be called without s.mu held.
func (s *Session) enrich(ctx context.Context, fix *pkg.Fix, ignition pkg.Ignition) pkg.Position {
	pos := pkg.Position{
		Fix:         *fix,
		DeviceID:    s.deviceID,
		Ignition:    ignition,
		Temperature: pkg.TemperatureUnavailable,
	}
	if s.deps.Battery != nil {
		pos.Battery = s.deps.Battery.BatteryLevel(ctx)
	}
	if s.thermal != nil {
		pos.Temperature = s.thermal.Temperature(ctx)
	}
	return pos
}

func (s *Session) report(ctx context.Context, pos pkg.Position, source string) error {
	if err := s.deps.Sink.Report(ctx, pos); err != nil {
		s.logger.Error("failed to report position", "session", s.ID(), "error", err)
		s.deps.Metrics.RecordSinkError("position")
		s.addEvent(pkg.EventReportError, "error", err.Error(), nil)
		return fmt.Errorf("report position: %w", err)
	}

	s.mu.Lock()
	s.counters.Reported++
	s.lastPosition = &pos
	s.mu.Unlock()

	s.deps.Metrics.RecordReported(source)
	s.logger.Debug("position reported",
		"source", source,
		"latitude", pos.Latitude,
		"longitude", pos.Longitude,
		"battery", pos.Battery,
		"ignition", pos.Ignition.String(),
	)
	return nil
}

// addEvent records an event. It never takes s.mu so it is safe from policy
// listeners.
func (s *Session) addEvent(eventType, level, msg string, data interface{}) {
	if s.deps.Store == nil {
		return
	}
	s.deps.Store.AddEvent(telem.Event{
		Level:   level,
		Type:    eventType,
		Session: s.ID(),
		Message: msg,
		Data:    data,
	})
}
