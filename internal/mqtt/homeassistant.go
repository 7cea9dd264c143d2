package mqtt

import (
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

type haDevice struct {
	Identifiers  []string `json:"ids,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	Name         string   `json:"name,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
}

type haEntity struct {
	AvailabilityTopic string `json:"avty_t,omitempty"`
	UniqueID          string `json:"uniq_id,omitempty"`
	Name              string `json:"name,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`

	Device haDevice `json:"device,omitempty"`
}

type haCover struct {
	haEntity
	StateTopic       string `json:"stat_t"`
	CommandTopic     string `json:"cmd_t"`
	PositionTopic    string `json:"pos_t"`
	SetPositionTopic string `json:"set_pos_t"`
	PositionOpen     int    `json:"pos_open"`
	PositionClosed   int    `json:"pos_clsd"`
	PayloadOpen      string `json:"pl_open"`
	PayloadStop      string `json:"pl_stop"`
	PayloadClose     string `json:"pl_cls"`

	TiltStatusTopic  string `json:"tilt_status_t,omitempty"`
	TiltCommandTopic string `json:"tilt_cmd_t,omitempty"`
	TiltMin          int    `json:"tilt_min,omitempty"`
	TiltMax          int    `json:"tilt_max,omitempty"`
	TiltOpenedValue  int    `json:"tilt_opnd_val,omitempty"`
	TiltClosedValue  int    `json:"tilt_clsd_val,omitempty"`
}

func NewHACoverFromMQTTBridge(bridge *Bridge) haCover {
	c := haCover{
		haEntity: haEntity{
			UniqueID:    bridge.shutter.Name(),
			Name:        bridge.shutter.Name(),
			DeviceClass: "shutter",

			Device: haDevice{
				Identifiers:  []string{topicPrefix + "_" + bridge.shutter.Name()},
				Manufacturer: "cover2mqtt",
				Model:        "time based cover",
				Name:         bridge.shutter.Name(),
				SWVersion:    topicPrefix,
			},
		},
		StateTopic:       bridge.StateTopic,
		CommandTopic:     bridge.CommandTopic,
		PositionTopic:    bridge.PositionTopic,
		SetPositionTopic: bridge.PositionChangeTopic,
		PositionOpen:     bridge.shutter.FullOpenPosition(),
		PositionClosed:   bridge.shutter.FullClosePosition(),
		PayloadOpen:      mqttOpenCmd,
		PayloadStop:      mqttStopCmd,
		PayloadClose:     mqttCloseCmd,
	}

	if bridge.shutter.HasTilt() {
		c.DeviceClass = "blind"
		c.TiltStatusTopic = bridge.TiltTopic
		c.TiltCommandTopic = bridge.TiltChangeTopic
		// Zero values are omitted, HA defaults closed/min to 0.
		c.TiltMin = bridge.shutter.FullClosePosition()
		c.TiltMax = bridge.shutter.FullOpenPosition()
		c.TiltOpenedValue = bridge.shutter.FullOpenPosition()
		c.TiltClosedValue = bridge.shutter.FullClosePosition()
	}

	return c
}

func PublishHAAutoDiscovery(client paho.Client, homeAssistantDiscoveryTopicPrefix string, haCover haCover) error {
	topic := fmt.Sprintf("%s/cover/%s/%s/config", homeAssistantDiscoveryTopicPrefix, topicPrefix, haCover.Name)

	payload, err := json.Marshal(haCover)
	if err != nil {
		return err
	}

	if token := client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: HA discovery publish failed", haCover.Name)
	}

	return nil
}
