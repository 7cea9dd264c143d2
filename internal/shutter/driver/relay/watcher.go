package relay

import (
	"context"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/travel"
	"github.com/sirupsen/logrus"
)

const (
	DefaultWatchInterval = 50 * time.Millisecond
	DefaultDebounce      = 2
)

type ToggleHandler func(direction travel.Direction, at time.Time) error

// Watcher samples the inputs wired to a physical up/down switch and reports every
// debounced change. Both inputs active at once reads as stopped.
type Watcher struct {
	Name string

	Up   GetPin
	Down GetPin
	// ActiveLow is for inputs pulled up and shorted to ground by the switch.
	ActiveLow bool

	Interval time.Duration
	// Debounce is how many consecutive equal samples make a change.
	Debounce int

	OnToggle ToggleHandler

	reported  travel.Direction
	candidate travel.Direction
	seen      int
}

func (w *Watcher) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.Infof("%s: watching switch inputs every %s", w.Name, interval)
	for {
		select {
		case <-ctx.Done():
			logrus.Debugf("%s: switch watcher exit", w.Name)
			return
		case now := <-ticker.C:
			if err := w.Sample(now); err != nil {
				logrus.Errorf("%s: switch watcher: %s", w.Name, err)
			}
		}
	}
}

// Sample reads both inputs once and reports a change when it is stable.
func (w *Watcher) Sample(now time.Time) error {
	direction, err := w.read()
	if err != nil {
		return err
	}

	if direction != w.candidate {
		w.candidate = direction
		w.seen = 0
	}
	w.seen++

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if w.seen < debounce || w.candidate == w.reported {
		return nil
	}

	logrus.Debugf("%s: switch input changed to %s", w.Name, direction)
	w.reported = direction
	return w.OnToggle(direction, now)
}

func (w *Watcher) read() (travel.Direction, error) {
	up, err := w.active(w.Up)
	if err != nil {
		return travel.Idle, err
	}
	down, err := w.active(w.Down)
	if err != nil {
		return travel.Idle, err
	}

	switch {
	case up && !down:
		return travel.Up, nil
	case down && !up:
		return travel.Down, nil
	}

	return travel.Idle, nil
}

func (w *Watcher) active(p GetPin) (bool, error) {
	high, err := p.Read()
	if err != nil {
		return false, err
	}

	return high != w.ActiveLow, nil
}
