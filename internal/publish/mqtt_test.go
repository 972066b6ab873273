package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"obdash/internal/models"
	"obdash/internal/obd"
	"obdash/internal/store"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient implements the handful of mqtt.Client methods the publisher uses.
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	connected  bool
	publishErr error
	messages   []message
	handler    mqtt.MessageHandler
	subscribed string
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return doneToken{err: c.publishErr}
	}
	c.messages = append(c.messages, message{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = topic
	c.handler = cb
	return doneToken{}
}

func (c *fakeClient) sent() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Topic: "car"}.withDefaults()
	assert.Equal(t, DefaultBroker, cfg.Broker)
	assert.Equal(t, "car/status", cfg.StatusTopic)
	assert.Equal(t, "car/dtc", cfg.DTCTopic)
	assert.Equal(t, "car/command", cfg.CommandTopic)
	assert.Equal(t, DefaultInterval, cfg.Interval)
}

func TestPublishLatestSendsEachSnapshotOnce(t *testing.T) {
	c := &fakeClient{}
	p := NewWithClient(Config{}, c, nil)
	require.NoError(t, p.Connect())

	require.NoError(t, p.PublishLatest(), "nothing observed yet")
	assert.Empty(t, c.sent())

	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.Observe(store.Snapshot{Values: obd.SensorReading{obd.ChannelRPM: 900}, Stamp: stamp, Source: store.SourceLive})
	require.NoError(t, p.PublishLatest())
	require.NoError(t, p.PublishLatest())

	msgs := c.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, DefaultTopic, msgs[0].topic)
	assert.False(t, msgs[0].retained)

	var snap store.Snapshot
	require.NoError(t, json.Unmarshal(msgs[0].payload, &snap))
	assert.Equal(t, 900.0, snap.Values[obd.ChannelRPM])
}

func TestPublishRequiresConnection(t *testing.T) {
	p := NewWithClient(Config{}, &fakeClient{}, nil)
	p.Observe(store.Snapshot{Values: obd.SensorReading{obd.ChannelRPM: 900}, Stamp: time.Now()})
	assert.ErrorIs(t, p.PublishLatest(), ErrNotConnected)
	assert.ErrorIs(t, p.PublishDTCs(nil), ErrNotConnected)
}

func TestPublishSurfacesBrokerErrors(t *testing.T) {
	brokerErr := errors.New("not authorized")
	c := &fakeClient{connected: true, publishErr: brokerErr}
	p := NewWithClient(Config{}, c, nil)
	p.Observe(store.Snapshot{Stamp: time.Now()})
	assert.ErrorIs(t, p.PublishLatest(), brokerErr)
}

func TestPublishStatusIsRetained(t *testing.T) {
	c := &fakeClient{connected: true}
	p := NewWithClient(Config{Topic: "car"}, c, nil)

	p.PublishStatus(obd.StateError, true)

	msgs := c.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "car/status", msgs[0].topic)
	assert.True(t, msgs[0].retained)

	var status StatusMessage
	require.NoError(t, json.Unmarshal(msgs[0].payload, &status))
	assert.Equal(t, obd.StateError, status.State)
	assert.True(t, status.Simulating)
}

func TestStartPublishesOnInterval(t *testing.T) {
	c := &fakeClient{connected: true}
	p := NewWithClient(Config{Interval: 5 * time.Millisecond}, c, nil)
	p.Start()
	defer p.Stop()

	p.Observe(store.Snapshot{Stamp: time.Now()})
	require.Eventually(t, func() bool { return len(c.sent()) == 1 }, time.Second, time.Millisecond)

	p.Observe(store.Snapshot{Stamp: time.Now().Add(time.Second)})
	require.Eventually(t, func() bool { return len(c.sent()) == 2 }, time.Second, time.Millisecond)

	p.Stop()
	assert.False(t, c.IsConnected())
}

func TestReadDTCsCommand(t *testing.T) {
	c := &fakeClient{connected: true}
	p := NewWithClient(Config{Topic: "car"}, c, func(ctx context.Context) ([]models.DTCEntry, error) {
		return []models.DTCEntry{{Code: "P0420", Severity: models.SeverityMedium}}, nil
	})
	p.subscribeCommands()
	require.Equal(t, "car/command", c.subscribed)

	c.handler(c, fakeMessage{topic: "car/command", payload: []byte(`{"type":"read_dtcs"}`)})
	require.Eventually(t, func() bool { return len(c.sent()) == 1 }, time.Second, time.Millisecond)

	msg := c.sent()[0]
	assert.Equal(t, "car/dtc", msg.topic)
	var out DTCMessage
	require.NoError(t, json.Unmarshal(msg.payload, &out))
	require.Len(t, out.Codes, 1)
	assert.Equal(t, "P0420", out.Codes[0].Code)
}

func TestInvalidCommandsAreIgnored(t *testing.T) {
	c := &fakeClient{connected: true}
	called := false
	p := NewWithClient(Config{}, c, func(ctx context.Context) ([]models.DTCEntry, error) {
		called = true
		return nil, nil
	})

	p.handleCommand(c, fakeMessage{payload: []byte(`not json`)})
	p.handleCommand(c, fakeMessage{payload: []byte(`{"type":"reboot"}`)})
	time.Sleep(10 * time.Millisecond)

	assert.False(t, called)
	assert.Empty(t, c.sent())
}
