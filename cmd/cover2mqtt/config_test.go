package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/travel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig(t *testing.T) {
	Cfg = config{}
	path := writeConfig(t, `
mqtt:
  broker: tcp://broker:1883
metrics:
  listen: ":9100"
drivers:
  relay:
    pool: 2
shutters:
  - name: living
    kind: relays
    mqtt_bridge:
      metadata:
        room: living
    driver:
      relays:
        up:
          kind: dumb
        down:
          kind: dumb
        stop:
          kind: dumb
        travel_time_up: 20s
        travel_time_down: 18s
        slats_opening_time: 1500ms
        initial_position: 0
`)

	require.NoError(t, loadConfig(path))

	assert.Equal(t, "info", Cfg.LogLevel)
	assert.Equal(t, "cover2mqtt", Cfg.MQTT.ClientID)
	assert.Equal(t, "tcp://broker:1883", Cfg.MQTT.Broker)
	assert.True(t, Cfg.HASS.Enabled)
	assert.Equal(t, "homeassistant", Cfg.HASS.TopicPrefix)
	assert.Equal(t, ":9100", Cfg.Metrics.Listen)
	assert.Equal(t, 2, cap(relaysPool))

	require.Len(t, Cfg.Shutters, 1)
	c := Cfg.Shutters[0].coverConfig()
	assert.Equal(t, 20*time.Second, c.TravelTimeUp)
	assert.Equal(t, 18*time.Second, c.TravelTimeDown)
	assert.Equal(t, 1500*time.Millisecond, c.SlatsOpeningTime)
	assert.True(t, c.HasTilt())
	assert.True(t, c.HasSeparateStopSwitch)
	require.NotNil(t, c.InitialPosition)
	assert.Equal(t, 0, *c.InitialPosition)
	assert.Equal(t, "living", Cfg.Shutters[0].MQTTBridge.Metadata["room"])
}

func TestLoadConfigRejectsInvalidShutters(t *testing.T) {
	for name, tc := range map[string]struct {
		shutter string
		cause   error
	}{
		"missing name": {shutter: `
  - kind: relays
    driver:
      relays:
        travel_time_up: 10s
        travel_time_down: 10s
`},
		"unsupported kind": {shutter: `
  - name: living
    kind: motor
`},
		"missing travel time": {shutter: `
  - name: living
    kind: relays
    driver:
      relays:
        travel_time_up: 10s
`, cause: travel.ErrInvalidConfiguration},
		"initial position out of range": {shutter: `
  - name: living
    kind: relays
    driver:
      relays:
        travel_time_up: 10s
        travel_time_down: 10s
        initial_position: 120
`, cause: travel.ErrInvalidConfiguration},
	} {
		t.Run(name, func(t *testing.T) {
			Cfg = config{}
			err := loadConfig(writeConfig(t, "shutters:"+tc.shutter))
			require.Error(t, err)
			if tc.cause != nil {
				assert.Equal(t, tc.cause, errors.Cause(err))
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	Cfg = config{}
	assert.Error(t, loadConfig(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestLoadConfigBareNumbersAreSeconds(t *testing.T) {
	Cfg = config{}
	path := writeConfig(t, `
shutters:
  - name: living
    kind: relays
    driver:
      relays:
        travel_time_up: 20
        travel_time_down: 18.5
        slats_closing_time: 2
        stop_pulse: 0.3
`)

	require.NoError(t, loadConfig(path))

	r := Cfg.Shutters[0].Driver.Relays
	c := Cfg.Shutters[0].coverConfig()
	assert.Equal(t, 20*time.Second, c.TravelTimeUp)
	assert.Equal(t, 18500*time.Millisecond, c.TravelTimeDown)
	assert.Equal(t, 2*time.Second, c.SlatsClosingTime)
	assert.Equal(t, 300*time.Millisecond, r.StopPulse.Duration())
}

func TestLoadConfigRejectsMalformedDuration(t *testing.T) {
	Cfg = config{}
	path := writeConfig(t, `
shutters:
  - name: living
    kind: relays
    driver:
      relays:
        travel_time_up: twenty
        travel_time_down: 18s
`)

	assert.Error(t, loadConfig(path))
}

func TestLoadConfigEnvironmentOverridesFile(t *testing.T) {
	Cfg = config{}
	t.Setenv("C2M_MQTT_BROKER", "tcp://from-env:1883")
	t.Setenv("C2M_LOG_LEVEL", "debug")
	path := writeConfig(t, `
log_level: warn
mqtt:
  broker: tcp://from-file:1883
  username: file-user
`)

	require.NoError(t, loadConfig(path))

	assert.Equal(t, "tcp://from-env:1883", Cfg.MQTT.Broker)
	assert.Equal(t, "debug", Cfg.LogLevel)
	assert.Equal(t, "file-user", Cfg.MQTT.Username)
	assert.Equal(t, "cover2mqtt", Cfg.MQTT.ClientID)
}
