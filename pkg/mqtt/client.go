// Package mqtt bridges the tracking session to the platform collaborators
// over a local MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/starfail/fixgate/pkg"
	"github.com/starfail/fixgate/pkg/logx"
	"github.com/starfail/fixgate/pkg/retry"
)

// ErrNotConnected is returned when publishing without a broker connection
var ErrNotConnected = errors.New("mqtt client not connected")

// Inbound topic suffixes
const (
	TopicFix         = "fix"
	TopicSingle      = "single"
	TopicFixError    = "fix_error"
	TopicPower       = "power"
	TopicTemperature = "temperature"
	TopicBattery     = "battery"
)

// Outbound topic suffixes
const (
	TopicRequest  = "request"
	TopicPosition = "position"
	TopicError    = "error"
)

// Config holds MQTT configuration
type Config struct {
	Broker         string        `json:"broker"`
	Port           int           `json:"port"`
	ClientID       string        `json:"client_id"`
	Username       string        `json:"username"`
	Password       string        `json:"-"`
	TopicPrefix    string        `json:"topic_prefix"`
	QoS            int           `json:"qos"`
	Retain         bool          `json:"retain"`
	SingleTimeout  time.Duration `json:"single_timeout"`
	PublishTimeout time.Duration `json:"publish_timeout"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:         "localhost",
		Port:           1883,
		ClientID:       "fixgated",
		TopicPrefix:    "fixgate",
		QoS:            1,
		SingleTimeout:  30 * time.Second,
		PublishTimeout: 10 * time.Second,
	}
}

// client is the subset of the paho client the bridge uses
type client interface {
	Connect() MQTT.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	Subscribe(topic string, qos byte, callback MQTT.MessageHandler) MQTT.Token
}

// Bridge is the fix source, power monitor, battery source and report sink
// of a tracking session. Inbound events are queued and handed to the
// handler by a single worker, in arrival order.
type Bridge struct {
	config   *Config
	deviceID string
	logger   *logx.Logger
	runner   *retry.Runner
	inbox    *inbox

	newClient func(opts *MQTT.ClientOptions) client
	client    client

	mu          sync.RWMutex
	ctx         context.Context
	handler     pkg.EventHandler
	connected   bool
	activeReq   *pkg.FixRequest
	charging    bool
	battery     float64
	batteryTemp float64
	lastPublish time.Time
	singles     []chan *pkg.Fix
	workerStop  chan struct{}
	workerDone  chan struct{}
}

// NewBridge creates a bridge for deviceID
func NewBridge(config *Config, deviceID string, logger *logx.Logger) *Bridge {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SingleTimeout <= 0 {
		config.SingleTimeout = 30 * time.Second
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logx.Discard()
	}
	return &Bridge{
		config:   config,
		deviceID: deviceID,
		logger:   logger,
		runner: retry.NewRunner(retry.Config{
			MaxAttempts:   5,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
		}),
		newClient: func(opts *MQTT.ClientOptions) client {
			return MQTT.NewClient(opts)
		},
		inbox:       newInbox(),
		ctx:         context.Background(),
		batteryTemp: pkg.TemperatureUnavailable,
	}
}

// SetHandler sets the receiver of inbound events. Call before Connect.
func (b *Bridge) SetHandler(h pkg.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Topic returns the full topic for suffix
func (b *Bridge) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", b.config.TopicPrefix, b.deviceID, suffix)
}

func (b *Bridge) options() *MQTT.ClientOptions {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", b.config.Broker, b.config.Port))
	opts.SetClientID(b.config.ClientID)

	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
		opts.SetPassword(b.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	return opts
}

// Connect establishes the broker connection, retrying with backoff. The
// subscriptions are (re)created on every connect.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.client = b.newClient(b.options())
	c := b.client
	if b.workerStop == nil {
		b.workerStop = make(chan struct{})
		b.workerDone = make(chan struct{})
		go b.inbox.run(b.workerStop, b.workerDone)
	}
	b.mu.Unlock()

	err := b.runner.Do(ctx, func(ctx context.Context) error {
		return waitToken(ctx, c.Connect())
	})
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("MQTT client connected",
		"broker", b.config.Broker,
		"port", b.config.Port,
	)
	return nil
}

// Disconnect disconnects from the broker and stops the inbound worker.
// Events still queued are dropped.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	c := b.client
	wasConnected := b.connected
	b.connected = false
	stop, done := b.workerStop, b.workerDone
	b.workerStop, b.workerDone = nil, nil
	b.mu.Unlock()

	if c != nil && wasConnected {
		c.Disconnect(250)
		b.logger.Info("MQTT client disconnected")
	}
	if stop != nil {
		close(stop)
		<-done
	}
}

// IsConnected returns whether the bridge has a live broker connection
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && b.client != nil && b.client.IsConnected()
}

// Check reports the connection state as a health check. The message
// carries the age of the last publish and the inbound backlog.
func (b *Bridge) Check() (string, error) {
	msg := "nothing published yet"
	if last := b.GetLastPublish(); !last.IsZero() {
		msg = fmt.Sprintf("last publish %s ago", time.Since(last).Round(time.Second))
	}
	if n := b.inbox.len(); n > 0 {
		msg = fmt.Sprintf("%s, %d inbound queued", msg, n)
	}
	if !b.IsConnected() {
		return msg, ErrNotConnected
	}
	return msg, nil
}

// GetLastPublish returns the timestamp of the last publish
func (b *Bridge) GetLastPublish() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPublish
}

func (b *Bridge) onConnect(_ MQTT.Client) {
	b.mu.Lock()
	b.connected = true
	ctx := b.ctx
	req := b.activeReq
	b.mu.Unlock()

	b.logger.Info("MQTT connection established")

	if err := b.subscribe(ctx); err != nil {
		b.logger.Error("MQTT subscribe failed", "error", err)
		return
	}
	if req != nil {
		if err := b.publishRequest(ctx, "start", req); err != nil {
			b.logger.Warn("failed to restore location request", "error", err)
		}
	}
}

func (b *Bridge) onConnectionLost(_ MQTT.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	b.logger.Error("MQTT connection lost", "error", err)
}

func (b *Bridge) subscribe(ctx context.Context) error {
	b.mu.RLock()
	c := b.client
	b.mu.RUnlock()

	// subscribed in order, each acknowledged before the next
	routes := []struct {
		suffix  string
		handler MQTT.MessageHandler
	}{
		{TopicFix, b.onFix},
		{TopicSingle, b.onSingle},
		{TopicFixError, b.onFixError},
		{TopicPower, b.onPower},
		{TopicTemperature, b.onTemperature},
		{TopicBattery, b.onBattery},
	}
	for _, route := range routes {
		topic := b.Topic(route.suffix)
		if err := waitToken(ctx, c.Subscribe(topic, byte(b.config.QoS), route.handler)); err != nil {
			return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
		}
		b.logger.Debug("MQTT subscription created", "topic", topic)
	}
	return nil
}

// dispatch queues fn for the inbound worker. The handler and context are
// resolved when the work runs.
func (b *Bridge) dispatch(fn func(ctx context.Context, h pkg.EventHandler)) {
	b.inbox.push(func() {
		b.mu.RLock()
		h, ctx := b.handler, b.ctx
		b.mu.RUnlock()
		if h != nil {
			fn(ctx, h)
		}
	})
}

func (b *Bridge) decode(msg MQTT.Message, v interface{}) bool {
	if err := json.Unmarshal(msg.Payload(), v); err != nil {
		b.logger.Warn("dropping malformed MQTT message", "topic", msg.Topic(), "error", err)
		return false
	}
	return true
}

func (b *Bridge) onFix(_ MQTT.Client, msg MQTT.Message) {
	var fix pkg.Fix
	if !b.decode(msg, &fix) {
		return
	}
	b.dispatch(func(ctx context.Context, h pkg.EventHandler) {
		h.HandleFix(ctx, &fix)
	})
}

func (b *Bridge) onSingle(_ MQTT.Client, msg MQTT.Message) {
	var fix pkg.Fix
	if !b.decode(msg, &fix) {
		return
	}
	b.mu.Lock()
	waiters := b.singles
	b.singles = nil
	b.mu.Unlock()

	for _, ch := range waiters {
		f := fix
		ch <- &f
	}
}

type errorPayload struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func (b *Bridge) onFixError(_ MQTT.Client, msg MQTT.Message) {
	var payload errorPayload
	if !b.decode(msg, &payload) {
		return
	}
	if payload.Error == "" {
		payload.Error = "unknown location error"
	}
	err := errors.New(payload.Error)
	b.dispatch(func(ctx context.Context, h pkg.EventHandler) {
		h.HandleFixError(ctx, err)
	})
}

type powerPayload struct {
	Charging bool `json:"charging"`
}

func (b *Bridge) onPower(_ MQTT.Client, msg MQTT.Message) {
	var payload powerPayload
	if !b.decode(msg, &payload) {
		return
	}
	b.mu.Lock()
	b.charging = payload.Charging
	b.mu.Unlock()

	charging := payload.Charging
	b.dispatch(func(ctx context.Context, h pkg.EventHandler) {
		h.HandlePowerChange(ctx, charging)
	})
}

// temperaturePayload carries either sensor; absent fields are unavailable
type temperaturePayload struct {
	Ambient *float64 `json:"ambient,omitempty"`
	Battery *float64 `json:"battery,omitempty"`
}

func (b *Bridge) onTemperature(_ MQTT.Client, msg MQTT.Message) {
	var payload temperaturePayload
	if !b.decode(msg, &payload) {
		return
	}
	if payload.Battery != nil {
		b.mu.Lock()
		b.batteryTemp = *payload.Battery
		b.mu.Unlock()
	}
	if payload.Ambient != nil {
		celsius := *payload.Ambient
		b.dispatch(func(_ context.Context, h pkg.EventHandler) {
			h.HandleTemperature(celsius)
		})
	}
}

type batteryPayload struct {
	Level float64 `json:"level"`
}

func (b *Bridge) onBattery(_ MQTT.Client, msg MQTT.Message) {
	var payload batteryPayload
	if !b.decode(msg, &payload) {
		return
	}
	b.mu.Lock()
	b.battery = math.Max(0, math.Min(100, payload.Level))
	b.mu.Unlock()
}

// IsCharging returns the last reported charging state
func (b *Bridge) IsCharging(ctx context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.charging
}

// BatteryLevel returns the last reported battery percentage
func (b *Bridge) BatteryLevel(ctx context.Context) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.battery
}

// Temperature returns the last reported battery temperature
func (b *Bridge) Temperature(ctx context.Context) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.batteryTemp
}

type requestPayload struct {
	Action  string          `json:"action"`
	Request *pkg.FixRequest `json:"request,omitempty"`
}

func (b *Bridge) publishRequest(ctx context.Context, action string, req *pkg.FixRequest) error {
	return b.publishJSON(ctx, b.Topic(TopicRequest), requestPayload{Action: action, Request: req})
}

// Start asks the positioning process to deliver fixes per req
func (b *Bridge) Start(ctx context.Context, req pkg.FixRequest) error {
	b.mu.Lock()
	b.activeReq = &req
	b.mu.Unlock()
	return b.publishRequest(ctx, "start", &req)
}

// Stop asks the positioning process to stop delivering fixes
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.activeReq = nil
	b.mu.Unlock()
	return b.publishRequest(ctx, "stop", nil)
}

// RequestSingle asks for one fix and waits for it on the single topic.
// pkg.ErrNoFix is returned when none arrives within the single timeout.
func (b *Bridge) RequestSingle(ctx context.Context) (*pkg.Fix, error) {
	ch := make(chan *pkg.Fix, 1)
	b.mu.Lock()
	b.singles = append(b.singles, ch)
	b.mu.Unlock()

	if err := b.publishRequest(ctx, "single", nil); err != nil {
		b.dropWaiter(ch)
		return nil, err
	}

	timer := time.NewTimer(b.config.SingleTimeout)
	defer timer.Stop()

	select {
	case fix := <-ch:
		return fix, nil
	case <-timer.C:
		b.dropWaiter(ch)
		return nil, pkg.ErrNoFix
	case <-ctx.Done():
		b.dropWaiter(ch)
		return nil, ctx.Err()
	}
}

func (b *Bridge) dropWaiter(ch chan *pkg.Fix) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.singles {
		if w == ch {
			b.singles = append(b.singles[:i], b.singles[i+1:]...)
			return
		}
	}
}

// Report publishes an accepted position to the local reporter
func (b *Bridge) Report(ctx context.Context, pos pkg.Position) error {
	return b.publishJSON(ctx, b.Topic(TopicPosition), pos)
}

// ReportError publishes an acquisition error to the local reporter
func (b *Bridge) ReportError(ctx context.Context, err error) error {
	return b.publishJSON(ctx, b.Topic(TopicError), errorPayload{
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
}

func (b *Bridge) publishJSON(ctx context.Context, topic string, payload interface{}) error {
	b.mu.RLock()
	c := b.client
	connected := b.connected
	b.mu.RUnlock()
	if c == nil || !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.PublishTimeout)
	defer cancel()
	if err := waitToken(ctx, c.Publish(topic, byte(b.config.QoS), b.config.Retain, data)); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	b.mu.Lock()
	b.lastPublish = time.Now()
	b.mu.Unlock()

	b.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

// waitToken waits for token completion or ctx cancellation
func waitToken(ctx context.Context, token MQTT.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
