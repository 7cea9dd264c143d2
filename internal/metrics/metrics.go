// Package metrics exports cover estimates to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/jkaflik/cover2mqtt/internal/shutter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cover2mqtt"

var states = []string{
	shutter.ShutterOpenState,
	shutter.ShutterClosedState,
	shutter.ShutterOpeningState,
	shutter.ShutterClosingState,
	shutter.ShutterStoppedState,
}

// Collector tracks every cover it is attached to.
type Collector struct {
	position     *prometheus.GaugeVec
	tilt         *prometheus.GaugeVec
	state        *prometheus.GaugeVec
	stateChanges *prometheus.CounterVec
}

func NewCollector() *Collector {
	return &Collector{
		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cover_position_percent",
			Help:      "Estimated cover position, 100 is fully open",
		}, []string{"cover"}),
		tilt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cover_tilt_position_percent",
			Help:      "Estimated slat tilt position, 100 is fully open",
		}, []string{"cover"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cover_state",
			Help:      "1 for the current cover state, 0 otherwise",
		}, []string{"cover", "state"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cover_state_changes_total",
			Help:      "Number of cover state transitions",
		}, []string{"cover", "state"}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.position.Describe(ch)
	c.tilt.Describe(ch)
	c.state.Describe(ch)
	c.stateChanges.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.position.Collect(ch)
	c.tilt.Collect(ch)
	c.state.Collect(ch)
	c.stateChanges.Collect(ch)
}

// Attach records the current view of s and follows its updates.
func (c *Collector) Attach(s shutter.Shutter) {
	name := s.Name()
	var (
		l    sync.Mutex
		last string
	)

	record := func(u shutter.Update) {
		l.Lock()
		defer l.Unlock()

		c.position.WithLabelValues(name).Set(float64(u.Position))
		if u.HasTilt {
			c.tilt.WithLabelValues(name).Set(float64(u.Tilt))
		}
		if u.State == last {
			return
		}
		for _, state := range states {
			v := 0.0
			if state == u.State {
				v = 1
			}
			c.state.WithLabelValues(name, state).Set(v)
		}
		if last != "" {
			c.stateChanges.WithLabelValues(name, u.State).Inc()
		}
		last = u.State
	}

	record(shutter.Update{State: s.State(), Position: s.Position(), HasTilt: s.HasTilt(), Tilt: s.TiltPosition()})
	s.OnUpdate(record)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
