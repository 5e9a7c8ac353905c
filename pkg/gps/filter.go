// Package gps decides which raw location fixes are significant enough to report
package gps

import (
	"sync"
	"time"

	"github.com/starfail/fixgate/pkg"
	"github.com/starfail/fixgate/pkg/logx"
	"github.com/starfail/fixgate/pkg/sampling"
)

// Reason explains a filter decision
type Reason string

const (
	ReasonFirstFix      Reason = "first_fix"
	ReasonInterval      Reason = "interval"
	ReasonDistance      Reason = "distance"
	ReasonAngle         Reason = "angle"
	ReasonInsignificant Reason = "insignificant"
	ReasonNilFix        Reason = "nil_fix"
)

// Decision is the outcome of evaluating one fix
type Decision struct {
	Accepted bool     `json:"accepted"`
	Reason   Reason   `json:"reason"`
	Fix      *pkg.Fix `json:"fix,omitempty"`

	// Measured against the last accepted fix; zero for the first fix
	Elapsed      time.Duration `json:"elapsed"`
	Distance     float64       `json:"distance_m"`
	BearingDelta float64       `json:"bearing_delta"`

	// Policy state the decision was taken under
	State sampling.State `json:"state"`
}

// Filter holds the last accepted fix and applies the significance rules
type Filter struct {
	policy *sampling.Policy
	logger *logx.Logger

	mu   sync.Mutex
	last *pkg.Fix
}

// NewFilter creates a filter bound to policy. The filter registers itself
// for ignition resets so a charging transition forces the next fix through.
func NewFilter(policy *sampling.Policy, logger *logx.Logger) *Filter {
	if logger == nil {
		logger = logx.Discard()
	}
	f := &Filter{
		policy: policy,
		logger: logger,
	}
	policy.OnIgnitionReset(f.Reset)
	return f
}

// Evaluate decides whether fix is significant. Accepted fixes replace the
// last accepted fix; rejected fixes leave the filter untouched.
func (f *Filter) Evaluate(fix *pkg.Fix) Decision {
	state := f.policy.State()
	cfg := f.policy.Config()

	if fix == nil {
		f.logger.Debug("location nil")
		return Decision{Reason: ReasonNilFix, State: state}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d := Decision{Fix: fix, State: state}
	if f.last == nil {
		d.Accepted = true
		d.Reason = ReasonFirstFix
	} else {
		d.Elapsed = fix.Time.Sub(f.last.Time)
		d.Distance = Distance(f.last, fix)
		d.BearingDelta = BearingDelta(f.last, fix)

		switch {
		case d.Elapsed >= state.EffectiveInterval:
			d.Accepted, d.Reason = true, ReasonInterval
		case state.TriggersAllowed && cfg.DistanceThreshold > 0 && d.Distance >= cfg.DistanceThreshold:
			d.Accepted, d.Reason = true, ReasonDistance
		case state.TriggersAllowed && cfg.AngleThreshold > 0 && d.BearingDelta >= cfg.AngleThreshold:
			d.Accepted, d.Reason = true, ReasonAngle
		default:
			d.Reason = ReasonInsignificant
		}
	}

	if d.Accepted {
		accepted := *fix
		f.last = &accepted
		f.logger.Debug("location new",
			"reason", string(d.Reason),
			"elapsed", d.Elapsed.String(),
			"distance_m", d.Distance,
			"bearing_delta", d.BearingDelta,
		)
	} else {
		f.logger.Debug("location ignored",
			"elapsed", d.Elapsed.String(),
			"distance_m", d.Distance,
			"bearing_delta", d.BearingDelta,
		)
	}
	return d
}

// Reset forgets the last accepted fix so the next fix is accepted
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last != nil {
		f.logger.Debug("last accepted fix cleared")
	}
	f.last = nil
}

// LastAccepted returns a copy of the last accepted fix, or nil
func (f *Filter) LastAccepted() *pkg.Fix {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return nil
	}
	last := *f.last
	return &last
}
