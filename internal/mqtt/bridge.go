package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/cover2mqtt/internal/shutter"
	"github.com/jkaflik/cover2mqtt/internal/travel"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	mqttOpenCmd  = "open"
	mqttCloseCmd = "close"
	mqttStopCmd  = "stop"

	mqttSwitchUp   = "up"
	mqttSwitchDown = "down"
	mqttSwitchOff  = "off"

	topicPrefix = "cover2mqtt"
)

type Bridge struct {
	mqtt    mqtt.Client
	shutter shutter.Shutter

	StateTopic    string
	PositionTopic string
	TiltTopic     string
	MetadataTopic string

	CommandTopic        string
	PositionChangeTopic string
	TiltChangeTopic     string
	SwitchTopic         string

	unsubscribeOnce sync.Once
}

func NewBridge(mqtt mqtt.Client, shutter shutter.Shutter) (*Bridge, error) {
	bridge := &Bridge{mqtt: mqtt, shutter: shutter}
	bridge.StateTopic = topic(shutter, "state")
	bridge.PositionTopic = topic(shutter, "position")
	bridge.TiltTopic = topic(shutter, "tilt")
	bridge.MetadataTopic = topic(shutter, "metadata")
	bridge.CommandTopic = topic(shutter, "set")
	bridge.PositionChangeTopic = topic(shutter, "position/set")
	bridge.TiltChangeTopic = topic(shutter, "tilt/set")
	bridge.SwitchTopic = topic(shutter, "switch")
	if err := bridge.restorePosition(); err != nil {
		return nil, err
	}

	shutter.OnUpdate(bridge.onShutterUpdateHandler())

	return bridge, nil
}

func topic(s shutter.Shutter, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", topicPrefix, s.Name(), suffix)
}

func (b *Bridge) SetMetadata(value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	if token := b.mqtt.Publish(b.MetadataTopic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT metadata publish failed", b.shutter.Name())
	}

	return nil
}

func (b *Bridge) Subscribe(ctx context.Context) error {
	topics := []string{b.CommandTopic, b.PositionChangeTopic}

	if token := b.mqtt.Subscribe(b.CommandTopic, 0, b.onCommandHandler(ctx)); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT command topic subscription failed", b.shutter.Name())
	}
	logrus.Infof("%s: MQTT command topic subscribed", b.shutter.Name())
	if token := b.mqtt.Subscribe(b.PositionChangeTopic, 0, b.onPositionChangeHandler(ctx)); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT position change topic subscription failed", b.shutter.Name())
	}
	logrus.Infof("%s: MQTT position change topic subscribed", b.shutter.Name())

	if b.shutter.HasTilt() {
		topics = append(topics, b.TiltChangeTopic)
		if token := b.mqtt.Subscribe(b.TiltChangeTopic, 0, b.onTiltChangeHandler(ctx)); token.Wait() && token.Error() != nil {
			return errors.Wrapf(token.Error(), "%s: MQTT tilt change topic subscription failed", b.shutter.Name())
		}
		logrus.Infof("%s: MQTT tilt change topic subscribed", b.shutter.Name())
	}

	if _, ok := b.shutter.(shutter.StatelessShutter); ok {
		topics = append(topics, b.SwitchTopic)
		if token := b.mqtt.Subscribe(b.SwitchTopic, 0, b.onSwitchHandler()); token.Wait() && token.Error() != nil {
			return errors.Wrapf(token.Error(), "%s: MQTT switch topic subscription failed", b.shutter.Name())
		}
		logrus.Infof("%s: MQTT switch topic subscribed", b.shutter.Name())
	}

	// Subscribe runs again on every reconnect; one unsubscribe on shutdown is enough.
	b.unsubscribeOnce.Do(func() {
		go func() {
			<-ctx.Done()
			if token := b.mqtt.Unsubscribe(topics...); token.Wait() && token.Error() != nil {
				logrus.Errorf("%s: MQTT topics unsubscribe failed: %s", b.shutter.Name(), token.Error())
			}
		}()
	})

	return nil
}

func (b *Bridge) onShutterUpdateHandler() shutter.ShutterUpdateHandler {
	return func(u shutter.Update) {
		if token := b.mqtt.Publish(b.StateTopic, 0, true, u.State); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT state publish failed: %s", b.shutter.Name(), token.Error())
		}
		if token := b.mqtt.Publish(b.PositionTopic, 0, true, strconv.Itoa(u.Position)); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT position publish failed: %s", b.shutter.Name(), token.Error())
		}
		if !u.HasTilt {
			return
		}
		if token := b.mqtt.Publish(b.TiltTopic, 0, true, strconv.Itoa(u.Tilt)); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT tilt publish failed: %s", b.shutter.Name(), token.Error())
		}
	}
}

func (b *Bridge) onCommandHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		var err error
		cmd := string(msg.Payload())
		switch cmd {
		case mqttOpenCmd:
			err = b.shutter.Open(ctx)
		case mqttCloseCmd:
			err = b.shutter.Close(ctx)
		case mqttStopCmd:
			err = b.shutter.Stop(ctx)
		default:
			logrus.Errorf("%s: MQTT unsupported %s command received", b.shutter.Name(), cmd)
			return
		}
		if err != nil {
			logrus.Errorf("%s: MQTT %s command failed: %s", b.shutter.Name(), cmd, err)
		}
	}
}

func (b *Bridge) onPositionChangeHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		pos, err := strconv.Atoi(strings.TrimSpace(string(msg.Payload())))
		if err != nil {
			logrus.Errorf("%s: MQTT invalid position: %s", b.shutter.Name(), err)
			return
		}
		if err := b.shutter.SetPosition(ctx, pos); err != nil {
			logrus.Error(err)
		}
	}
}

func (b *Bridge) onTiltChangeHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		var err error
		payload := strings.TrimSpace(string(msg.Payload()))
		switch payload {
		case mqttOpenCmd:
			err = b.shutter.OpenTilt(ctx)
		case mqttCloseCmd:
			err = b.shutter.CloseTilt(ctx)
		case mqttStopCmd:
			err = b.shutter.Stop(ctx)
		default:
			var pos int
			pos, err = strconv.Atoi(payload)
			if err != nil {
				logrus.Errorf("%s: MQTT invalid tilt position: %s", b.shutter.Name(), err)
				return
			}
			err = b.shutter.SetTiltPosition(ctx, pos)
		}
		if err != nil {
			logrus.Error(err)
		}
	}
}

func (b *Bridge) onSwitchHandler() mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		s, ok := b.shutter.(shutter.StatelessShutter)
		if !ok {
			return
		}

		direction, err := ParseSwitchState(string(msg.Payload()))
		if err != nil {
			logrus.Errorf("%s: MQTT %s", b.shutter.Name(), err)
			return
		}
		if err := s.Toggle(direction, time.Now()); err != nil {
			logrus.Errorf("%s: MQTT switch toggle failed: %s", b.shutter.Name(), err)
		}
	}
}

// ParseSwitchState maps a raw switch state reported by other hardware to a motor
// direction.
func ParseSwitchState(payload string) (travel.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case mqttSwitchUp, mqttOpenCmd, "opening":
		return travel.Up, nil
	case mqttSwitchDown, mqttCloseCmd, "closing":
		return travel.Down, nil
	case mqttSwitchOff, mqttStopCmd, "stopped":
		return travel.Idle, nil
	}

	return travel.Idle, errors.Errorf("unsupported switch state %q", payload)
}

func (b *Bridge) restorePosition() error {
	shutter, ok := b.shutter.(shutter.StatelessShutter)
	if !ok {
		logrus.Warnf("%s: MQTT position restore: shutter is not stateless", b.shutter.Name())
		return nil
	}

	restoreHandler := func(c mqtt.Client, msg mqtt.Message) {
		// Waiting on a token inside a message handler blocks the client's router.
		go func() {
			if token := b.mqtt.Unsubscribe(b.PositionTopic); token.Wait() && token.Error() != nil {
				logrus.Errorf("%s: MQTT position restore topic unsubscribe failed: %s", b.shutter.Name(), token.Error())
				return
			}
			logrus.Debugf("%s: MQTT position restore topic unsubscribed", b.shutter.Name())
		}()

		if !msg.Retained() {
			return
		}

		pos, err := strconv.Atoi(strings.TrimSpace(string(msg.Payload())))
		if err != nil {
			logrus.Errorf("%s: MQTT position restore failed: %s", b.shutter.Name(), err)
			return
		}
		if err := shutter.ResetPosition(pos); err != nil {
			logrus.Errorf("%s: MQTT position restore failed: %s", b.shutter.Name(), err)
			return
		}

		logrus.Infof("%s: MQTT position restored to %d", b.shutter.Name(), pos)
	}

	if token := b.mqtt.Subscribe(b.PositionTopic, 0, restoreHandler); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT position restore topic subscription failed", b.shutter.Name())
	}

	return nil
}
