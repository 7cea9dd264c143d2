package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/cover2mqtt/internal/metrics"
	"github.com/jkaflik/cover2mqtt/internal/mqtt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})

	configPath := flag.String("config", "config.yaml", "config.yaml file path")
	flag.Parse()

	if err := loadConfig(*configPath); err != nil {
		logrus.Fatal(err)
	}

	level, err := logrus.ParseLevel(Cfg.LogLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())

	var (
		l       sync.Mutex
		bridges []*mqtt.Bridge
	)
	cfg := pahoOptsFromConfig()
	cfg.OnConnect = func(m paho.Client) {
		logrus.Info("MQTT broker connected")

		l.Lock()
		defer l.Unlock()
		subscribe(ctx, m, bridges)
	}
	cfg.OnConnectionLost = func(_ paho.Client, err error) {
		logrus.Errorf("MQTT broker connection lost: %s", err.Error())
	}

	m := paho.NewClient(cfg)
	if token := m.Connect(); token.Wait() && token.Error() != nil {
		logrus.Fatal(token.Error())
	}

	// Devices outlive the runners so motors can be stopped on the way out.
	devicesCtx, closeDevices := context.WithCancel(context.Background())
	shutters, built, runners := cover2mqttFromConfig(devicesCtx, m)
	l.Lock()
	bridges = built
	subscribe(ctx, m, bridges)
	l.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}

	var server *http.Server
	if Cfg.Metrics.Listen != "" {
		registry := prometheus.NewRegistry()
		collector := metrics.NewCollector()
		for _, s := range shutters {
			collector.Attach(s)
		}
		registry.MustRegister(collector)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(registry))
		server = &http.Server{Addr: Cfg.Metrics.Listen, Handler: mux}

		go func() {
			logrus.Infof("metrics: listening on %s", Cfg.Metrics.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Errorf("metrics: server failed: %s", err)
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		oscall := <-c
		logrus.Infof("system call: %+v", oscall)
		cancel()
	}()

	<-ctx.Done()

	cleanupTime := time.Second
	logrus.Infof("cleanups for %s...", cleanupTime.String())

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cleanupTime)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("metrics: shutdown failed: %s", err)
		}
		shutdownCancel()
	}

	wg.Wait()
	closeDevices()
	time.Sleep(cleanupTime)
	m.Disconnect(uint(cleanupTime / time.Millisecond))
}

func subscribe(ctx context.Context, m paho.Client, bridges []*mqtt.Bridge) {
	for _, bridge := range bridges {
		if Cfg.HASS.Enabled {
			entity := mqtt.NewHACoverFromMQTTBridge(bridge)
			if err := mqtt.PublishHAAutoDiscovery(m, Cfg.HASS.TopicPrefix, entity); err != nil {
				logrus.Error(err)
			}
		}

		if err := bridge.Subscribe(ctx); err != nil {
			logrus.Error(err)
		}
	}
}
