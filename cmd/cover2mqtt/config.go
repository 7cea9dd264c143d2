package main

import (
	"context"
	"math"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/jkaflik/cover2mqtt/internal/mqtt"
	"github.com/jkaflik/cover2mqtt/internal/shutter/driver/relay"
	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
	"github.com/sirupsen/logrus"
	"github.com/stianeikeland/go-rpio/v4"
	"gopkg.in/yaml.v2"
)

// duration reads a bare number as seconds and anything else as a Go duration string,
// so both `travel_time_up: 20` and `travel_time_up: 20s` mean twenty seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var seconds float64
	if err := unmarshal(&seconds); err == nil {
		*d = duration(math.Round(seconds * float64(time.Second)))
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = duration(v)

	return nil
}

func (d duration) Duration() time.Duration {
	return time.Duration(d)
}

type cfgWiredRelaySetPin struct {
	Kind string `yaml:"kind"`

	Pin uint8 `yaml:"pin"`

	Mcp23017 int `yaml:"mcp23017"`
}

type cfgRelay struct {
	Kind string `yaml:"kind"`

	Pin          cfgWiredRelaySetPin `yaml:"pin"`
	NormalClosed bool                `yaml:"normal_closed"`
}

type cfgInputPin struct {
	cfgWiredRelaySetPin `yaml:",inline"`

	PullUp bool `yaml:"pull_up"`
}

type cfgShutterInputs struct {
	Up   cfgInputPin `yaml:"up"`
	Down cfgInputPin `yaml:"down"`

	ActiveLow bool     `yaml:"active_low"`
	Interval  duration `yaml:"interval"`
	Debounce  int      `yaml:"debounce"`
}

type cfgShutterMQTTBridge struct {
	Metadata map[string]interface{} `yaml:"metadata"`
}

type cfgShutterDriverRelays struct {
	Up   cfgRelay  `yaml:"up"`
	Down cfgRelay  `yaml:"down"`
	Stop *cfgRelay `yaml:"stop"`

	TravelTimeUp     duration `yaml:"travel_time_up"`
	TravelTimeDown   duration `yaml:"travel_time_down"`
	SlatsOpeningTime duration `yaml:"slats_opening_time"`
	SlatsClosingTime duration `yaml:"slats_closing_time"`

	InitialPosition     *int `yaml:"initial_position"`
	InitialTiltPosition *int `yaml:"initial_tilt_position"`

	StopPulse      duration `yaml:"stop_pulse"`
	ReverseDelay   duration `yaml:"reverse_delay"`
	PollInterval   duration `yaml:"poll_interval"`
	CommandTimeout duration `yaml:"command_timeout"`
	Tolerance      duration `yaml:"tolerance"`

	Inputs *cfgShutterInputs `yaml:"inputs"`
}

type cfgShutterDriver struct {
	Relays cfgShutterDriverRelays `yaml:"relays"`
}

type cfgShutter struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	MQTTBridge cfgShutterMQTTBridge `yaml:"mqtt_bridge"`

	Driver cfgShutterDriver `yaml:"driver"`
}

type cfgMcp23017 struct {
	Bus          uint8 `yaml:"bus"`
	DeviceNumber uint8 `yaml:"device_number"`
}

type cfgDrivers struct {
	Relay struct {
		Pool     int                 `yaml:"pool" default:"0"`
		Mcp23017 map[int]cfgMcp23017 `yaml:"mcp23017"`
	} `yaml:"relay"`
}

type cfgMQTT struct {
	ClientID string `yaml:"client_id" default:"cover2mqtt" env:"CLIENT_ID"`
	Broker   string `yaml:"broker" default:"127.0.0.1:1883" env:"BROKER"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

type cfgHASS struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

type cfgMetrics struct {
	Listen string `yaml:"listen" env:"LISTEN"`
}

type config struct {
	LogLevel string `yaml:"log_level" default:"info" env:"LOG_LEVEL"`

	MQTT    cfgMQTT    `yaml:"mqtt" env:"MQTT"`
	HASS    cfgHASS    `yaml:"hass" env:"HASS"`
	Metrics cfgMetrics `yaml:"metrics" env:"METRICS"`

	Shutters []cfgShutter `yaml:"shutters"`

	Drivers cfgDrivers `yaml:"drivers"`
}

var Cfg config

var relaysPool chan struct{}

// loadConfig applies defaults, then the YAML file, then C2M_ environment variables on
// top, then validates every shutter.
func loadConfig(filename string) error {
	defaults := aconfig.LoaderFor(&Cfg, aconfig.Config{
		SkipEnv:   true,
		SkipFlags: true,
		SkipFiles: true,
	})
	if err := defaults.Load(); err != nil {
		return errors.Wrap(err, "config defaults")
	}

	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrapf(err, "open %s", filename)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&Cfg); err != nil {
		return errors.Wrapf(err, "decode %s", filename)
	}

	env := aconfig.LoaderFor(&Cfg, aconfig.Config{
		EnvPrefix:    "C2M",
		SkipDefaults: true,
		SkipFlags:    true,
		SkipFiles:    true,
	})
	if err := env.Load(); err != nil {
		return errors.Wrap(err, "config environment")
	}

	for i := range Cfg.Shutters {
		if err := Cfg.Shutters[i].validate(); err != nil {
			return err
		}
	}

	if Cfg.Drivers.Relay.Pool > 0 {
		relaysPool = make(chan struct{}, Cfg.Drivers.Relay.Pool)
	}

	return nil
}

func (s cfgShutter) validate() error {
	if s.Name == "" {
		return errors.New("shutter without a name")
	}
	if s.Kind != "relays" {
		return errors.Errorf("%s: %q is not supported shutter kind", s.Name, s.Kind)
	}
	if err := s.coverConfig().Validate(); err != nil {
		return errors.Wrap(err, s.Name)
	}

	return nil
}

func (s cfgShutter) coverConfig() cover.Config {
	r := s.Driver.Relays
	return cover.Config{
		TravelTimeUp:          r.TravelTimeUp.Duration(),
		TravelTimeDown:        r.TravelTimeDown.Duration(),
		SlatsOpeningTime:      r.SlatsOpeningTime.Duration(),
		SlatsClosingTime:      r.SlatsClosingTime.Duration(),
		HasSeparateStopSwitch: r.Stop != nil,
		InitialPosition:       r.InitialPosition,
		InitialTiltPosition:   r.InitialTiltPosition,
		Tolerance:             r.Tolerance.Duration(),
	}
}

func pahoOptsFromConfig() *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(Cfg.MQTT.ClientID).
		AddBroker(Cfg.MQTT.Broker).
		SetUsername(Cfg.MQTT.Username).
		SetPassword(Cfg.MQTT.Password).
		SetConnectTimeout(time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetAutoReconnect(true)
}

type runner interface {
	Run(ctx context.Context)
}

// cover2mqttFromConfig builds every configured shutter with its bridge. The returned
// runners own the poll loops and switch watchers.
func cover2mqttFromConfig(ctx context.Context, client paho.Client) (shutters []*relay.RelaysShutter, bridges []*mqtt.Bridge, runners []runner) {
	for _, cfg := range Cfg.Shutters {
		s := shutterFromConfig(ctx, cfg)
		shutters = append(shutters, s)
		runners = append(runners, s)

		if w := watcherFromConfig(ctx, cfg, s); w != nil {
			runners = append(runners, w)
		}

		bridge, err := mqtt.NewBridge(client, s)
		if err != nil {
			logrus.Fatal(err)
		}
		if err := bridge.SetMetadata(cfg.MQTTBridge.Metadata); err != nil {
			logrus.Fatal(err)
		}
		bridges = append(bridges, bridge)
	}

	return shutters, bridges, runners
}

func shutterFromConfig(ctx context.Context, cfg cfgShutter) *relay.RelaysShutter {
	r := cfg.Driver.Relays

	pair := relay.NewRelayPair(relayFromConfig(ctx, cfg.Name+" up", r.Up), relayFromConfig(ctx, cfg.Name+" down", r.Down))
	if r.Stop != nil {
		pair.WithStop(relayFromConfig(ctx, cfg.Name+" stop", *r.Stop))
	}
	if r.StopPulse > 0 {
		pair.StopPulse = r.StopPulse.Duration()
	}
	pair.ReverseDelay = r.ReverseDelay.Duration()

	s, err := relay.NewRelaysShutter(cfg.Name, pair, relay.Config{
		Cover:          cfg.coverConfig(),
		PollInterval:   r.PollInterval.Duration(),
		CommandTimeout: r.CommandTimeout.Duration(),
	})
	if err != nil {
		logrus.Fatalf("%s: %s", cfg.Name, err)
	}

	return s
}

func watcherFromConfig(ctx context.Context, cfg cfgShutter, s *relay.RelaysShutter) *relay.Watcher {
	in := cfg.Driver.Relays.Inputs
	if in == nil {
		return nil
	}

	return &relay.Watcher{
		Name:      cfg.Name,
		Up:        inputPinFromConfig(ctx, in.Up),
		Down:      inputPinFromConfig(ctx, in.Down),
		ActiveLow: in.ActiveLow,
		Interval:  in.Interval.Duration(),
		Debounce:  in.Debounce,
		OnToggle:  s.Toggle,
	}
}

func relayFromConfig(ctx context.Context, name string, cfg cfgRelay) relay.Relay {
	if cfg.Kind == "wired" {
		return wrapRelayWithPoolProxy(&relay.Wired{
			Pin:          wiredRelaySetPinFromConfig(ctx, cfg.Pin),
			NormalClosed: cfg.NormalClosed,
		})
	}

	if cfg.Kind == "dumb" {
		return wrapRelayWithPoolProxy(&relay.Dumb{Name: name})
	}

	logrus.Fatalf("%s is not supported relay kind", cfg.Kind)
	return nil
}

func wrapRelayWithPoolProxy(r relay.Relay) relay.Relay {
	if relaysPool == nil {
		return r
	}

	return relay.NewPoolProxy(r, relaysPool)
}

func wiredRelaySetPinFromConfig(ctx context.Context, cfg cfgWiredRelaySetPin) relay.SetPin {
	switch cfg.Kind {
	case "mcp23017":
		device := mcp23017DeviceFromConfigByID(ctx, cfg.Mcp23017)

		p, err := relay.NewMcp23017Pin(device, cfg.Pin)
		if err != nil {
			logrus.Fatal(err)
		}
		return p
	case "rpio":
		openRPi(ctx)
		return relay.NewRPiOutputPin(int(cfg.Pin))
	}

	logrus.Fatalf("%s is not supported wired relay set pin kind", cfg.Kind)
	return nil
}

func inputPinFromConfig(ctx context.Context, cfg cfgInputPin) relay.GetPin {
	switch cfg.Kind {
	case "mcp23017":
		device := mcp23017DeviceFromConfigByID(ctx, cfg.Mcp23017)

		p, err := relay.NewMcp23017InputPin(device, cfg.Pin)
		if err != nil {
			logrus.Fatal(err)
		}
		return p
	case "rpio":
		openRPi(ctx)
		return relay.NewRPiInputPin(int(cfg.Pin), cfg.PullUp)
	}

	logrus.Fatalf("%s is not supported input pin kind", cfg.Kind)
	return nil
}

var rpiOpen bool

func openRPi(ctx context.Context) {
	if rpiOpen {
		return
	}

	if err := rpio.Open(); err != nil {
		logrus.Fatalf("rpio: open failed: %s", err)
	}
	rpiOpen = true

	go func() {
		<-ctx.Done()
		if err := rpio.Close(); err != nil {
			logrus.Errorf("rpio: close failed %s", err)
			return
		}

		logrus.Infof("rpio: close")
	}()
}

var mcpDevices = map[int]*mcp23017.Device{}

func mcp23017DeviceFromConfigByID(ctx context.Context, id int) *mcp23017.Device {
	if Cfg.Drivers.Relay.Mcp23017 == nil {
		logrus.Fatal("drivers.relay.mcp23017 not defined")
	}

	cfg, found := Cfg.Drivers.Relay.Mcp23017[id]
	if !found {
		logrus.Fatalf("%d is not valid defined drivers.relay.mcp23017", id)
		return nil
	}

	dev := mcpDevices[id]
	if dev == nil {
		var err error
		dev, err = mcp23017.Open(cfg.Bus, cfg.DeviceNumber)
		if err != nil {
			logrus.Fatal(err)
		}
		go func() {
			<-ctx.Done()
			if err := dev.Close(); err != nil {
				logrus.Errorf("mcp23017: close failed %s", err)
				return
			}

			logrus.Infof("mcp23017: close")
		}()
		if err := dev.Reset(); err != nil {
			logrus.Fatal(err)
		}

		mcpDevices[id] = dev
	}

	return dev
}
