package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/cover2mqtt/internal/shutter"
	"github.com/jkaflik/cover2mqtt/internal/travel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	paho.Token
	err error
}

func (t *doneToken) Wait() bool {
	return true
}

func (t *doneToken) Error() error {
	return t.err
}

type fakeClient struct {
	paho.Client

	l             sync.Mutex
	published     map[string]string
	subscriptions map[string]paho.MessageHandler
	unsubscribed  []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{published: map[string]string{}, subscriptions: map[string]paho.MessageHandler{}}
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	c.l.Lock()
	defer c.l.Unlock()

	switch p := payload.(type) {
	case string:
		c.published[topic] = p
	case []byte:
		c.published[topic] = string(p)
	}

	return &doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, h paho.MessageHandler) paho.Token {
	c.l.Lock()
	defer c.l.Unlock()

	c.subscriptions[topic] = h
	return &doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.l.Lock()
	defer c.l.Unlock()

	c.unsubscribed = append(c.unsubscribed, topics...)
	return &doneToken{}
}

func (c *fakeClient) unsubscribedTopics() []string {
	c.l.Lock()
	defer c.l.Unlock()

	return append([]string(nil), c.unsubscribed...)
}

func (c *fakeClient) deliver(t *testing.T, topic, payload string, retained bool) {
	t.Helper()

	c.l.Lock()
	h, ok := c.subscriptions[topic]
	c.l.Unlock()
	require.True(t, ok, "no subscription for %s", topic)

	h(c, &fakeMessage{topic: topic, payload: []byte(payload), retained: retained})
}

type fakeMessage struct {
	paho.Message
	topic    string
	payload  []byte
	retained bool
}

func (m *fakeMessage) Topic() string {
	return m.topic
}

func (m *fakeMessage) Payload() []byte {
	return m.payload
}

func (m *fakeMessage) Retained() bool {
	return m.retained
}

type fakeShutter struct {
	calls    []string
	position int
	handler  shutter.ShutterUpdateHandler
	hasTilt  bool
	toggled  []travel.Direction
}

func (s *fakeShutter) Name() string { return "living" }
func (s *fakeShutter) FullOpenPosition() int { return 100 }
func (s *fakeShutter) FullClosePosition() int { return 0 }
func (s *fakeShutter) HasTilt() bool { return s.hasTilt }
func (s *fakeShutter) Position() int { return s.position }
func (s *fakeShutter) TiltPosition() int { return 0 }
func (s *fakeShutter) State() string { return shutter.ShutterOpenState }

func (s *fakeShutter) OnUpdate(h shutter.ShutterUpdateHandler) {
	s.handler = h
}

func (s *fakeShutter) Open(context.Context) error {
	s.calls = append(s.calls, "open")
	return nil
}

func (s *fakeShutter) Close(context.Context) error {
	s.calls = append(s.calls, "close")
	return nil
}

func (s *fakeShutter) Stop(context.Context) error {
	s.calls = append(s.calls, "stop")
	return nil
}

func (s *fakeShutter) SetPosition(_ context.Context, position int) error {
	s.calls = append(s.calls, "position")
	s.position = position
	return nil
}

func (s *fakeShutter) OpenTilt(context.Context) error {
	s.calls = append(s.calls, "open tilt")
	return nil
}

func (s *fakeShutter) CloseTilt(context.Context) error {
	s.calls = append(s.calls, "close tilt")
	return nil
}

func (s *fakeShutter) SetTiltPosition(context.Context, int) error {
	s.calls = append(s.calls, "tilt")
	return nil
}

func (s *fakeShutter) ResetPosition(position int) error {
	s.position = position
	return nil
}

func (s *fakeShutter) Toggle(direction travel.Direction, _ time.Time) error {
	s.toggled = append(s.toggled, direction)
	return nil
}

func TestBridgeTopics(t *testing.T) {
	b, err := NewBridge(newFakeClient(), &fakeShutter{})
	require.NoError(t, err)

	assert.Equal(t, "cover2mqtt/living/state", b.StateTopic)
	assert.Equal(t, "cover2mqtt/living/position", b.PositionTopic)
	assert.Equal(t, "cover2mqtt/living/position/set", b.PositionChangeTopic)
	assert.Equal(t, "cover2mqtt/living/tilt/set", b.TiltChangeTopic)
	assert.Equal(t, "cover2mqtt/living/switch", b.SwitchTopic)
}

func TestBridgeRestorePosition(t *testing.T) {
	t.Run("retained position is restored", func(t *testing.T) {
		client, s := newFakeClient(), &fakeShutter{position: 100}
		b, err := NewBridge(client, s)
		require.NoError(t, err)

		client.deliver(t, b.PositionTopic, "42", true)
		assert.Equal(t, 42, s.position)
	})

	t.Run("live position is not a restore", func(t *testing.T) {
		client, s := newFakeClient(), &fakeShutter{position: 100}
		b, err := NewBridge(client, s)
		require.NoError(t, err)

		client.deliver(t, b.PositionTopic, "42", false)
		assert.Equal(t, 100, s.position)
	})
}

func TestBridgeCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, s := newFakeClient(), &fakeShutter{hasTilt: true}
	b, err := NewBridge(client, s)
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(ctx))

	client.deliver(t, b.CommandTopic, "open", false)
	client.deliver(t, b.CommandTopic, "close", false)
	client.deliver(t, b.CommandTopic, "stop", false)
	client.deliver(t, b.CommandTopic, "dance", false)
	client.deliver(t, b.PositionChangeTopic, " 35 ", false)
	client.deliver(t, b.PositionChangeTopic, "half", false)
	client.deliver(t, b.TiltChangeTopic, "open", false)
	client.deliver(t, b.TiltChangeTopic, "close", false)
	client.deliver(t, b.TiltChangeTopic, "60", false)

	assert.Equal(t, []string{"open", "close", "stop", "position", "open tilt", "close tilt", "tilt"}, s.calls)
	assert.Equal(t, 35, s.position)

	client.deliver(t, b.SwitchTopic, "up", false)
	client.deliver(t, b.SwitchTopic, "OFF", false)
	client.deliver(t, b.SwitchTopic, "sideways", false)
	assert.Equal(t, []travel.Direction{travel.Up, travel.Idle}, s.toggled)
}

func TestBridgeResubscribeUnsubscribesOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	client, s := newFakeClient(), &fakeShutter{}
	b, err := NewBridge(client, s)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Subscribe(ctx))
	}
	cancel()

	expected := []string{b.CommandTopic, b.PositionChangeTopic, b.SwitchTopic}
	assert.Eventually(t, func() bool {
		return len(client.unsubscribedTopics()) >= len(expected)
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, expected, client.unsubscribedTopics())
}

func TestBridgePublishesUpdates(t *testing.T) {
	client, s := newFakeClient(), &fakeShutter{}
	b, err := NewBridge(client, s)
	require.NoError(t, err)

	s.handler(shutter.Update{State: shutter.ShutterClosingState, Position: 12})
	assert.Equal(t, "closing", client.published[b.StateTopic])
	assert.Equal(t, "12", client.published[b.PositionTopic])
	assert.NotContains(t, client.published, b.TiltTopic)

	s.handler(shutter.Update{State: shutter.ShutterOpenState, Position: 50, HasTilt: true, Tilt: 30})
	assert.Equal(t, "30", client.published[b.TiltTopic])
}

func TestParseSwitchState(t *testing.T) {
	for payload, expected := range map[string]travel.Direction{
		"up":      travel.Up,
		"opening": travel.Up,
		"down":    travel.Down,
		"close":   travel.Down,
		"off":     travel.Idle,
		"stop":    travel.Idle,
	} {
		d, err := ParseSwitchState(payload)
		require.NoError(t, err, payload)
		assert.Equal(t, expected, d, payload)
	}

	_, err := ParseSwitchState("on")
	assert.Error(t, err)
}

func TestHACoverDiscovery(t *testing.T) {
	client := newFakeClient()

	t.Run("plain shutter", func(t *testing.T) {
		b, err := NewBridge(client, &fakeShutter{})
		require.NoError(t, err)

		require.NoError(t, PublishHAAutoDiscovery(client, "homeassistant", NewHACoverFromMQTTBridge(b)))

		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(client.published["homeassistant/cover/cover2mqtt/living/config"]), &payload))
		assert.Equal(t, "shutter", payload["device_class"])
		assert.Equal(t, b.PositionChangeTopic, payload["set_pos_t"])
		assert.NotContains(t, payload, "tilt_cmd_t")
	})

	t.Run("blind with tilt", func(t *testing.T) {
		b, err := NewBridge(client, &fakeShutter{hasTilt: true})
		require.NoError(t, err)

		c := NewHACoverFromMQTTBridge(b)
		assert.Equal(t, "blind", c.DeviceClass)
		assert.Equal(t, b.TiltChangeTopic, c.TiltCommandTopic)
		assert.Equal(t, b.TiltTopic, c.TiltStatusTopic)
		assert.Equal(t, 100, c.TiltMax)
	})
}
