package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starfail/fixgate/pkg"
	"github.com/starfail/fixgate/pkg/retry"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	Topic   string
	Payload []byte
}

type fakeClient struct {
	mu          sync.Mutex
	opts        *MQTT.ClientOptions
	connectErrs int
	connects    int
	publishErr  error
	published   []published
	handlers    map[string]MQTT.MessageHandler
}

func (c *fakeClient) Connect() MQTT.Token {
	c.mu.Lock()
	c.connects++
	if c.connectErrs > 0 {
		c.connectErrs--
		c.mu.Unlock()
		return newToken(errors.New("connection refused"))
	}
	c.mu.Unlock()
	c.opts.OnConnect(nil)
	return newToken(nil)
}

func (c *fakeClient) Disconnect(uint)   {}
func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return newToken(c.publishErr)
	}
	c.published = append(c.published, published{Topic: topic, Payload: payload.([]byte)})
	return newToken(nil)
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback MQTT.MessageHandler) MQTT.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return newToken(nil)
}

func (c *fakeClient) deliver(topic string, payload string) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	h(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeClient) messages(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, p := range c.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type recordingHandler struct {
	mu           sync.Mutex
	fixes        []*pkg.Fix
	power        []bool
	temperatures []float64
	errs         []error
}

func (h *recordingHandler) HandleFix(ctx context.Context, fix *pkg.Fix) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fixes = append(h.fixes, fix)
}

func (h *recordingHandler) HandlePowerChange(ctx context.Context, charging bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.power = append(h.power, charging)
}

func (h *recordingHandler) HandleTemperature(celsius float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.temperatures = append(h.temperatures, celsius)
}

func (h *recordingHandler) HandleFixError(ctx context.Context, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func newTestBridge(t *testing.T, connectErrs int) (*Bridge, *fakeClient, *recordingHandler) {
	t.Helper()
	fc := &fakeClient{connectErrs: connectErrs, handlers: make(map[string]MQTT.MessageHandler)}
	b := NewBridge(DefaultConfig(), "dev1", nil)
	b.runner = retry.NewRunner(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
	b.newClient = func(opts *MQTT.ClientOptions) client {
		fc.opts = opts
		return fc
	}
	h := &recordingHandler{}
	b.SetHandler(h)
	t.Cleanup(b.Disconnect)
	return b, fc, h
}

// flush waits until the inbound worker has run everything queued so far
func flush(t *testing.T, b *Bridge) {
	t.Helper()
	done := make(chan struct{})
	b.inbox.push(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("inbound worker did not drain")
	}
}

func TestConnectSubscribes(t *testing.T) {
	b, fc, _ := newTestBridge(t, 0)
	require.NoError(t, b.Connect(context.Background()))

	assert.True(t, b.IsConnected())
	msg, err := b.Check()
	assert.NoError(t, err)
	assert.Equal(t, "nothing published yet", msg)
	for _, suffix := range []string{TopicFix, TopicSingle, TopicFixError, TopicPower, TopicTemperature, TopicBattery} {
		assert.Contains(t, fc.handlers, "fixgate/dev1/"+suffix)
	}
}

func TestConnectRetries(t *testing.T) {
	b, fc, _ := newTestBridge(t, 2)
	require.NoError(t, b.Connect(context.Background()))
	assert.Equal(t, 3, fc.connects)

	failing, _, _ := newTestBridge(t, 10)
	err := failing.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	_, err = failing.Check()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishWithoutConnection(t *testing.T) {
	b, _, _ := newTestBridge(t, 0)

	assert.ErrorIs(t, b.Report(context.Background(), pkg.Position{}), ErrNotConnected)
	assert.ErrorIs(t, b.Start(context.Background(), pkg.FixRequest{}), ErrNotConnected)
}

func TestStartStopRequests(t *testing.T) {
	b, fc, _ := newTestBridge(t, 0)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))

	req := pkg.FixRequest{Interval: time.Second, Accuracy: pkg.AccuracyHigh, Provider: pkg.ProviderGPS, Power: "high"}
	require.NoError(t, b.Start(ctx, req))
	require.NoError(t, b.Stop(ctx))

	msgs := fc.messages("fixgate/dev1/request")
	require.Len(t, msgs, 2)

	var start map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &start))
	assert.Equal(t, "start", start["action"])
	request := start["request"].(map[string]interface{})
	assert.Equal(t, 1000.0, request["interval_ms"])
	assert.Equal(t, "high", request["accuracy"])
	assert.Equal(t, "gps", request["provider"])
	assert.Equal(t, "high", request["power"])

	var stop map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &stop))
	assert.Equal(t, "stop", stop["action"])
	assert.NotContains(t, stop, "request")
}

func TestReconnectRestoresRequest(t *testing.T) {
	b, fc, _ := newTestBridge(t, 0)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Start(ctx, pkg.FixRequest{Interval: time.Minute}))

	b.onConnectionLost(nil, errors.New("eof"))
	assert.False(t, b.IsConnected())

	b.onConnect(nil)
	assert.Len(t, fc.messages("fixgate/dev1/request"), 2)
}

func TestReportPosition(t *testing.T) {
	b, fc, _ := newTestBridge(t, 0)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))

	pos := pkg.Position{
		Fix:         pkg.Fix{Time: time.Unix(1700000000, 0).UTC(), Latitude: 50.1, Longitude: 14.4},
		DeviceID:    "dev1",
		Battery:     77,
		Ignition:    pkg.IgnitionOn,
		Temperature: pkg.TemperatureUnavailable,
	}
	require.NoError(t, b.Report(ctx, pos))

	msgs := fc.messages("fixgate/dev1/position")
	require.Len(t, msgs, 1)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &raw))
	assert.Equal(t, 50.1, raw["latitude"])
	assert.Equal(t, 1.0, raw["ignition"])
	assert.NotContains(t, raw, "temperature")
	assert.False(t, b.GetLastPublish().IsZero())

	msg, err := b.Check()
	require.NoError(t, err)
	assert.Contains(t, msg, "last publish")
}

func TestReportError(t *testing.T) {
	b, fc, _ := newTestBridge(t, 0)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))

	require.NoError(t, b.ReportError(ctx, errors.New("gps disabled")))
	msgs := fc.messages("fixgate/dev1/error")
	require.Len(t, msgs, 1)
	var payload errorPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, "gps disabled", payload.Error)

	fc.publishErr = errors.New("broker gone")
	err := b.ReportError(ctx, errors.New("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")
}

func TestInboundDispatch(t *testing.T) {
	b, fc, h := newTestBridge(t, 0)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))

	fc.deliver("fixgate/dev1/fix", `{"time":"2024-05-01T12:00:00Z","latitude":50.1,"longitude":14.4,"bearing":90,"has_bearing":true}`)
	fc.deliver("fixgate/dev1/fix", `not json`)
	fc.deliver("fixgate/dev1/power", `{"charging":true}`)
	fc.deliver("fixgate/dev1/temperature", `{"ambient":21.5}`)
	fc.deliver("fixgate/dev1/temperature", `{"battery":33}`)
	fc.deliver("fixgate/dev1/battery", `{"level":140}`)
	fc.deliver("fixgate/dev1/fix_error", `{"error":"timeout"}`)
	flush(t, b)

	require.Len(t, h.fixes, 1)
	assert.Equal(t, 50.1, h.fixes[0].Latitude)
	assert.True(t, h.fixes[0].HasBearing)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), h.fixes[0].Time.UTC())

	assert.Equal(t, []bool{true}, h.power)
	assert.True(t, b.IsCharging(ctx))

	assert.Equal(t, []float64{21.5}, h.temperatures)
	assert.Equal(t, 33.0, b.Temperature(ctx))
	assert.Equal(t, 100.0, b.BatteryLevel(ctx))

	require.Len(t, h.errs, 1)
	assert.EqualError(t, h.errs[0], "timeout")
}

func TestBatteryTemperatureUnavailableByDefault(t *testing.T) {
	b, _, _ := newTestBridge(t, 0)
	assert.True(t, math.IsNaN(b.Temperature(context.Background())))
}

func TestRequestSingle(t *testing.T) {
	b, fc, h := newTestBridge(t, 0)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))

	type result struct {
		fix *pkg.Fix
		err error
	}
	done := make(chan result, 1)
	go func() {
		fix, err := b.RequestSingle(ctx)
		done <- result{fix, err}
	}()

	require.Eventually(t, func() bool {
		return len(fc.messages("fixgate/dev1/request")) == 1
	}, time.Second, time.Millisecond)
	fc.deliver("fixgate/dev1/single", `{"latitude":1,"longitude":2}`)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, 1.0, r.fix.Latitude)
	assert.Empty(t, h.fixes, "single fixes do not go through the stream handler")
}

func TestRequestSingleTimeout(t *testing.T) {
	b, _, _ := newTestBridge(t, 0)
	b.config.SingleTimeout = 10 * time.Millisecond
	require.NoError(t, b.Connect(context.Background()))

	_, err := b.RequestSingle(context.Background())
	assert.ErrorIs(t, err, pkg.ErrNoFix)
	assert.Empty(t, b.singles)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.config.SingleTimeout = time.Minute
	_, err = b.RequestSingle(ctx)
	assert.Error(t, err)
}

// blockingHandler holds every fix until released, like a session waiting
// for a publish acknowledgement.
type blockingHandler struct {
	recordingHandler
	release chan struct{}
}

func (h *blockingHandler) HandleFix(ctx context.Context, fix *pkg.Fix) {
	<-h.release
	h.recordingHandler.HandleFix(ctx, fix)
}

func TestInboundHandlersNeverBlockDelivery(t *testing.T) {
	b, fc, _ := newTestBridge(t, 0)
	h := &blockingHandler{release: make(chan struct{})}
	b.SetHandler(h)
	require.NoError(t, b.Connect(context.Background()))

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for i := 0; i < 5; i++ {
			fc.deliver("fixgate/dev1/fix", fmt.Sprintf(`{"latitude":%d}`, i))
		}
		fc.deliver("fixgate/dev1/power", `{"charging":true}`)
	}()

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("message delivery blocked on a busy handler")
	}

	close(h.release)
	flush(t, b)

	require.Len(t, h.fixes, 5)
	for i, fix := range h.fixes {
		assert.Equal(t, float64(i), fix.Latitude, "fixes are handled in arrival order")
	}
	assert.Equal(t, []bool{true}, h.power)
}

func TestDisconnectStopsWorker(t *testing.T) {
	b, fc, h := newTestBridge(t, 0)
	require.NoError(t, b.Connect(context.Background()))
	b.Disconnect()

	fc.deliver("fixgate/dev1/fix", `{"latitude":1}`)
	assert.Equal(t, 1, b.inbox.len(), "nothing drains the queue after Disconnect")
	assert.Empty(t, h.fixes)

	msg, err := b.Check()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Contains(t, msg, "1 inbound queued")
}
