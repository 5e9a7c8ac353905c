package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/starfail/fixgate/pkg"
	"github.com/starfail/fixgate/pkg/logx"
	"github.com/starfail/fixgate/pkg/metrics"
	"github.com/starfail/fixgate/pkg/sampling"
	"github.com/starfail/fixgate/pkg/telem"
	"github.com/starfail/fixgate/pkg/tracking"
)

// Result is what a replay produced
type Result struct {
	Positions []pkg.Position   `json:"positions"`
	Errors    []string         `json:"errors"`
	Requests  []pkg.FixRequest `json:"requests"`
	Decisions []telem.Sample   `json:"decisions"`
	Events    []telem.Event    `json:"events"`
	Status    tracking.Status  `json:"status"`
}

// Options configure a replay
type Options struct {
	DeviceID        string
	InitialCharging bool
	InitialBattery  float64
	Metrics         *metrics.Recorder
	Logger          *logx.Logger
}

// Player feeds trace events into a fresh session
type Player struct {
	config  sampling.Config
	options Options
}

// NewPlayer creates a player for config
func NewPlayer(config sampling.Config, options Options) *Player {
	if options.Logger == nil {
		options.Logger = logx.Discard()
	}
	if options.DeviceID == "" {
		options.DeviceID = "replay"
	}
	return &Player{config: config, options: options}
}

// Run replays events and returns the collected output
func (p *Player) Run(ctx context.Context, events []Event) (*Result, error) {
	store, err := telem.NewStore(telem.Config{MaxSamples: len(events) + 1, MaxEvents: 4*len(events) + 16})
	if err != nil {
		return nil, err
	}

	device := &device{
		charging: p.options.InitialCharging,
		battery:  p.options.InitialBattery,
	}
	sink := &recordingSink{}

	session, err := tracking.NewSession(p.config, p.options.DeviceID, tracking.Dependencies{
		Source:             device,
		Sink:               sink,
		Battery:            device,
		Power:              device,
		BatteryTemperature: device,
		Store:              store,
		Metrics:            p.options.Metrics,
	}, p.options.Logger)
	if err != nil {
		return nil, err
	}

	if err := session.Start(ctx); err != nil {
		return nil, err
	}

	for i, event := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.apply(ctx, session, device, event); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}

	status := session.Status()
	if err := session.Stop(ctx); err != nil {
		return nil, err
	}

	return &Result{
		Positions: sink.positions,
		Errors:    sink.errors,
		Requests:  device.requests,
		Decisions: store.GetSamples(0),
		Events:    store.GetEvents(0),
		Status:    status,
	}, nil
}

func (p *Player) apply(ctx context.Context, session *tracking.Session, d *device, event Event) error {
	switch event.Type {
	case EventFix:
		session.HandleFix(ctx, event.Fix)
	case EventPower:
		d.setCharging(*event.Charging)
		session.HandlePowerChange(ctx, *event.Charging)
	case EventTemperature:
		session.HandleTemperature(*event.Celsius)
	case EventBattery:
		d.setBattery(*event.Level)
	case EventError:
		session.HandleFixError(ctx, errors.New(event.Error))
	case EventSingle:
		d.setSingle(event.Fix)
		if _, err := session.RequestSingle(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
	return nil
}

// device stands in for the platform: it is the fix source, power monitor,
// battery and battery temperature source of a replayed session.
type device struct {
	mu       sync.Mutex
	charging bool
	battery  float64
	single   *pkg.Fix
	requests []pkg.FixRequest
}

func (d *device) Start(ctx context.Context, req pkg.FixRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return nil
}

func (d *device) Stop(ctx context.Context) error { return nil }

func (d *device) RequestSingle(ctx context.Context) (*pkg.Fix, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.single == nil {
		return nil, pkg.ErrNoFix
	}
	fix := *d.single
	return &fix, nil
}

func (d *device) IsCharging(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.charging
}

func (d *device) BatteryLevel(ctx context.Context) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.battery
}

// Temperature reports no battery temperature; traces carry ambient readings only
func (d *device) Temperature(ctx context.Context) float64 {
	return pkg.TemperatureUnavailable
}

func (d *device) setCharging(charging bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.charging = charging
}

func (d *device) setBattery(level float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.battery = level
}

func (d *device) setSingle(fix *pkg.Fix) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.single = fix
}

type recordingSink struct {
	mu        sync.Mutex
	positions []pkg.Position
	errors    []string
}

func (s *recordingSink) Report(ctx context.Context, pos pkg.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, pos)
	return nil
}

func (s *recordingSink) ReportError(ctx context.Context, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, err.Error())
	return nil
}
