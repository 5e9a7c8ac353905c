package pkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Fix represents one raw positioning observation delivered by a fix source
type Fix struct {
	Time       time.Time `json:"time"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	Speed      float64   `json:"speed"`       // m/s
	Bearing    float64   `json:"bearing"`     // degrees
	HasBearing bool      `json:"has_bearing"` // false when speed is near zero
	Accuracy   float64   `json:"accuracy"`    // meters
	Provider   string    `json:"provider,omitempty"`
}

// BearingValue returns the bearing used for comparisons. Fixes without a
// bearing compare as 0 degrees, like the platform location API does.
func (f *Fix) BearingValue() float64 {
	if !f.HasBearing {
		return 0
	}
	return f.Bearing
}

// Ignition is the ignition proxy state derived from charging
type Ignition int

const (
	IgnitionUnknown Ignition = -1 // ignition proxy disabled
	IgnitionOff     Ignition = 0
	IgnitionOn      Ignition = 1
)

func (i Ignition) String() string {
	switch i {
	case IgnitionOff:
		return "off"
	case IgnitionOn:
		return "on"
	default:
		return "unknown"
	}
}

// TemperatureUnavailable is the sentinel reading for "no temperature"
var TemperatureUnavailable = math.NaN()

// Position is an accepted fix enriched with the device context at emission time
type Position struct {
	Fix
	DeviceID    string   `json:"device_id"`
	Battery     float64  `json:"battery"`
	Ignition    Ignition `json:"ignition"`
	Temperature float64  `json:"-"`
}

// HasTemperature reports whether the position carries a temperature reading
func (p Position) HasTemperature() bool {
	return !math.IsNaN(p.Temperature)
}

// MarshalJSON encodes an unavailable temperature as an omitted field, since
// JSON has no NaN.
func (p Position) MarshalJSON() ([]byte, error) {
	type plain Position
	out := struct {
		plain
		Temperature *float64 `json:"temperature,omitempty"`
	}{plain: plain(p)}
	if p.HasTemperature() {
		t := p.Temperature
		out.Temperature = &t
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the NaN sentinel when the temperature is absent
func (p *Position) UnmarshalJSON(data []byte) error {
	type plain Position
	in := struct {
		*plain
		Temperature *float64 `json:"temperature,omitempty"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.Temperature = TemperatureUnavailable
	if in.Temperature != nil {
		p.Temperature = *in.Temperature
	}
	return nil
}

// AccuracyTier selects the power/precision tradeoff of the fix source
type AccuracyTier int

const (
	AccuracyMedium AccuracyTier = iota
	AccuracyHigh
	AccuracyLow
)

// ParseAccuracyTier converts a settings value to an AccuracyTier
func ParseAccuracyTier(s string) (AccuracyTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return AccuracyHigh, nil
	case "medium", "":
		return AccuracyMedium, nil
	case "low":
		return AccuracyLow, nil
	default:
		return AccuracyMedium, fmt.Errorf("unknown accuracy tier %q", s)
	}
}

func (a AccuracyTier) String() string {
	switch a {
	case AccuracyHigh:
		return "high"
	case AccuracyLow:
		return "low"
	default:
		return "medium"
	}
}

// Provider returns the location provider class matching the tier:
// satellite for high, network for medium, passive for low.
func (a AccuracyTier) Provider() string {
	switch a {
	case AccuracyHigh:
		return ProviderGPS
	case AccuracyLow:
		return ProviderPassive
	default:
		return ProviderNetwork
	}
}

// PowerRequirement returns the power budget matching the tier
func (a AccuracyTier) PowerRequirement() string {
	switch a {
	case AccuracyHigh:
		return "high"
	case AccuracyLow:
		return "low"
	default:
		return "medium"
	}
}

func (a AccuracyTier) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AccuracyTier) UnmarshalText(text []byte) error {
	tier, err := ParseAccuracyTier(string(text))
	if err != nil {
		return err
	}
	*a = tier
	return nil
}

// Location providers
const (
	ProviderGPS     = "gps"
	ProviderNetwork = "network"
	ProviderPassive = "passive"
)

// FixRequest is what the core asks of the fix source
type FixRequest struct {
	Interval time.Duration `json:"-"`
	Accuracy AccuracyTier  `json:"accuracy"`
	Provider string        `json:"provider"`
	Power    string        `json:"power"` // power budget of the tier
}

// MarshalJSON encodes the interval in milliseconds
func (r FixRequest) MarshalJSON() ([]byte, error) {
	type plain FixRequest
	return json.Marshal(struct {
		plain
		IntervalMs int64 `json:"interval_ms"`
	}{plain(r), r.Interval.Milliseconds()})
}

// ErrNoFix is returned when a fix source has no position to offer
var ErrNoFix = errors.New("no fix available")

// FixSource is the positioning collaborator
type FixSource interface {
	Start(ctx context.Context, req FixRequest) error
	Stop(ctx context.Context) error
	RequestSingle(ctx context.Context) (*Fix, error)
}

// PowerMonitor reports the current charging state
type PowerMonitor interface {
	IsCharging(ctx context.Context) bool
}

// TemperatureSource returns a temperature in Celsius or TemperatureUnavailable
type TemperatureSource interface {
	Temperature(ctx context.Context) float64
}

// BatterySource returns the battery level as a 0-100 percentage
type BatterySource interface {
	BatteryLevel(ctx context.Context) float64
}

// ReportSink receives accepted positions and acquisition errors
type ReportSink interface {
	Report(ctx context.Context, pos Position) error
	ReportError(ctx context.Context, err error) error
}

// EventHandler consumes the inbound event streams
type EventHandler interface {
	HandleFix(ctx context.Context, fix *Fix)
	HandlePowerChange(ctx context.Context, charging bool)
	HandleTemperature(celsius float64)
	HandleFixError(ctx context.Context, err error)
}

// Event types
const (
	EventFixAccepted       = "fix_accepted"
	EventFixRejected       = "fix_rejected"
	EventFixError          = "fix_error"
	EventPowerConnected    = "power_connected"
	EventPowerDisconnected = "power_disconnected"
	EventSessionStarted    = "session_started"
	EventSessionStopped    = "session_stopped"
	EventNotice            = "notice"
	EventReportError       = "report_error"
)
