// Package sampling decides the fix polling cadence from the device power state
package sampling

import (
	"sync"
	"time"

	"github.com/starfail/fixgate/pkg"
	"github.com/starfail/fixgate/pkg/logx"
)

// MinimumInterval is the polling interval used while distance or angle
// triggers are active, so threshold crossings are seen promptly.
const MinimumInterval = time.Second

// Config holds the sampling configuration. It is immutable for a session.
type Config struct {
	BaseInterval                   time.Duration    `json:"base_interval"`
	ChargingInterval               time.Duration    `json:"charging_interval"` // 0 disables
	DistanceThreshold              float64          `json:"distance_threshold_m"`
	AngleThreshold                 float64          `json:"angle_threshold_deg"`
	DistanceAngleOnlyWhileCharging bool             `json:"distance_angle_only_while_charging"`
	PowerAsIgnition                bool             `json:"power_as_ignition"`
	TemperatureMonitoring          bool             `json:"temperature_monitoring"`
	Accuracy                       pkg.AccuracyTier `json:"accuracy"`
}

// NeedsPowerMonitor reports whether any setting depends on the charging state
func (c Config) NeedsPowerMonitor() bool {
	return c.ChargingInterval > 0 || c.DistanceAngleOnlyWhileCharging || c.PowerAsIgnition
}

// Mode is the power state of the policy state machine
type Mode int

const (
	ModeOnBattery Mode = iota
	ModeOnCharging
)

func (m Mode) String() string {
	if m == ModeOnCharging {
		return "on_charging"
	}
	return "on_battery"
}

// State is the policy state derived from the power context
type State struct {
	Charging          bool          `json:"charging"`
	EffectiveInterval time.Duration `json:"effective_interval"`
	TriggersAllowed   bool          `json:"triggers_allowed"`
}

// Mode returns the state machine mode
func (s State) Mode() Mode {
	if s.Charging {
		return ModeOnCharging
	}
	return ModeOnBattery
}

// derive computes the state for the given charging flag
func derive(cfg Config, charging bool) State {
	state := State{
		Charging:          charging,
		EffectiveInterval: cfg.BaseInterval,
		TriggersAllowed:   true,
	}
	if cfg.DistanceAngleOnlyWhileCharging {
		state.TriggersAllowed = charging
	}
	if cfg.ChargingInterval > 0 && charging {
		state.EffectiveInterval = cfg.ChargingInterval
	}
	return state
}

// Policy maintains the derived sampling state
type Policy struct {
	config Config
	logger *logx.Logger

	mu      sync.RWMutex
	state   State
	onReset []func()
}

// NewPolicy creates a policy with the initial charging state
func NewPolicy(config Config, charging bool, logger *logx.Logger) *Policy {
	if logger == nil {
		logger = logx.Discard()
	}
	return &Policy{
		config: config,
		logger: logger,
		state:  derive(config, charging),
	}
}

// OnIgnitionReset registers fn to be called when a charging transition
// must force the next fix to be accepted.
func (p *Policy) OnIgnitionReset(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReset = append(p.onReset, fn)
}

// OnPowerStateChanged applies a charging transition. Reset listeners run
// after the lock is released.
func (p *Policy) OnPowerStateChanged(charging bool) {
	p.mu.Lock()
	old := p.state
	p.state = derive(p.config, charging)
	newState := p.state
	var listeners []func()
	if p.config.PowerAsIgnition {
		listeners = append(listeners, p.onReset...)
	}
	p.mu.Unlock()

	p.logger.Info("power state changed",
		"old_mode", old.Mode().String(),
		"new_mode", newState.Mode().String(),
		"effective_interval", newState.EffectiveInterval.String(),
		"triggers_allowed", newState.TriggersAllowed,
	)

	for _, fn := range listeners {
		fn()
	}
}

// State returns a consistent snapshot of the derived state
func (p *Policy) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Config returns the sampling configuration
func (p *Policy) Config() Config {
	return p.config
}

// CurrentTargetInterval returns the interval to request from the fix source
func (p *Policy) CurrentTargetInterval() time.Duration {
	return targetInterval(p.config, p.State())
}

func targetInterval(cfg Config, state State) time.Duration {
	if state.TriggersAllowed && (cfg.DistanceThreshold > 0 || cfg.AngleThreshold > 0) {
		return MinimumInterval
	}
	return state.EffectiveInterval
}

// AccuracyTier returns the configured accuracy tier
func (p *Policy) AccuracyTier() pkg.AccuracyTier {
	return p.config.Accuracy
}

// Ignition returns the ignition proxy state for the current power context
func (p *Policy) Ignition() pkg.Ignition {
	if !p.config.PowerAsIgnition {
		return pkg.IgnitionUnknown
	}
	if p.State().Charging {
		return pkg.IgnitionOn
	}
	return pkg.IgnitionOff
}

// Request builds the fix source request for the current state
func (p *Policy) Request() pkg.FixRequest {
	return pkg.FixRequest{
		Interval: p.CurrentTargetInterval(),
		Accuracy: p.config.Accuracy,
		Provider: p.config.Accuracy.Provider(),
		Power:    p.config.Accuracy.PowerRequirement(),
	}
}
