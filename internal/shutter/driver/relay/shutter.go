package relay

import (
	"context"
	"sync"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/jkaflik/cover2mqtt/internal/shutter"
	"github.com/jkaflik/cover2mqtt/internal/travel"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultCommandTimeout = 5 * time.Second

	minPollInterval = 10 * time.Millisecond
)

type Config struct {
	Cover cover.Config

	// PollInterval is how often the estimate is re-evaluated while the motor runs.
	PollInterval   time.Duration
	CommandTimeout time.Duration
}

// RelaysShutter is a time-based cover behind a relay switch. It owns the clock and the
// poll loop the controller itself does not have.
type RelaysShutter struct {
	name string

	l          sync.Mutex
	controller *cover.Controller

	updateHandlers []shutter.ShutterUpdateHandler
	lastUpdate     shutter.Update

	pollInterval   time.Duration
	commandTimeout time.Duration

	now  func() time.Time
	wake chan struct{}
}

func NewRelaysShutter(name string, sw cover.Switch, cfg Config) (*RelaysShutter, error) {
	controller, err := cover.NewController(cfg.Cover, sw)
	if err != nil {
		return nil, err
	}

	s := &RelaysShutter{
		name:           name,
		controller:     controller,
		pollInterval:   cfg.PollInterval,
		commandTimeout: cfg.CommandTimeout,
		now:            time.Now,
		wake:           make(chan struct{}, 1),
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.commandTimeout <= 0 {
		s.commandTimeout = DefaultCommandTimeout
	}

	return s, nil
}

func (s *RelaysShutter) Name() string {
	return s.name
}

func (s *RelaysShutter) FullOpenPosition() int {
	return cover.FullOpenPosition
}

func (s *RelaysShutter) FullClosePosition() int {
	return cover.FullClosePosition
}

func (s *RelaysShutter) HasTilt() bool {
	return s.controller.HasTilt()
}

func (s *RelaysShutter) Position() int {
	return s.snapshot().Position
}

func (s *RelaysShutter) TiltPosition() int {
	return s.snapshot().Tilt
}

func (s *RelaysShutter) State() string {
	return s.snapshot().State
}

func (s *RelaysShutter) OnUpdate(h shutter.ShutterUpdateHandler) {
	s.l.Lock()
	defer s.l.Unlock()

	s.updateHandlers = append(s.updateHandlers, h)
}

func (s *RelaysShutter) Open(ctx context.Context) error {
	logrus.Infof("%s: open", s.name)
	return s.command(ctx, s.controller.Open)
}

func (s *RelaysShutter) Close(ctx context.Context) error {
	logrus.Infof("%s: close", s.name)
	return s.command(ctx, s.controller.Close)
}

func (s *RelaysShutter) Stop(ctx context.Context) error {
	logrus.Infof("%s: stop", s.name)
	return s.command(ctx, s.controller.Stop)
}

func (s *RelaysShutter) SetPosition(ctx context.Context, position int) error {
	logrus.Infof("%s: set position to %d", s.name, position)
	return s.command(ctx, func(ctx context.Context, now time.Time) error {
		return s.controller.SetPosition(ctx, position, now)
	})
}

func (s *RelaysShutter) OpenTilt(ctx context.Context) error {
	logrus.Infof("%s: open tilt", s.name)
	return s.command(ctx, s.controller.OpenTilt)
}

func (s *RelaysShutter) CloseTilt(ctx context.Context) error {
	logrus.Infof("%s: close tilt", s.name)
	return s.command(ctx, s.controller.CloseTilt)
}

func (s *RelaysShutter) SetTiltPosition(ctx context.Context, position int) error {
	logrus.Infof("%s: set tilt position to %d", s.name, position)
	return s.command(ctx, func(ctx context.Context, now time.Time) error {
		return s.controller.SetTiltPosition(ctx, position, now)
	})
}

// ResetPosition seeds the estimate, typically with the last position retained by the
// broker before a restart.
func (s *RelaysShutter) ResetPosition(position int) error {
	s.l.Lock()
	err := s.controller.ResetPosition(position)
	s.l.Unlock()
	if err != nil {
		return err
	}

	s.notify()
	return nil
}

// Toggle reports a switch change made outside of this process, such as someone pressing
// the wall button. A change observed just before a concurrent tick is applied at the
// tick's time.
func (s *RelaysShutter) Toggle(direction travel.Direction, at time.Time) error {
	logrus.Infof("%s: external switch %s", s.name, direction)

	s.l.Lock()
	if last := s.controller.LastUpdate(); at.Before(last) {
		logrus.Debugf("%s: external switch observed %s before last update", s.name, last.Sub(at))
		at = last
	}
	err := s.controller.ExternalToggle(cover.ToggleEvent{Direction: direction, At: at})
	s.l.Unlock()
	if err != nil {
		return err
	}

	s.signal()
	s.notify()
	return nil
}

// Run ticks the controller while the motor runs until ctx is done. The motor is
// stopped on the way out.
func (s *RelaysShutter) Run(ctx context.Context) {
	for {
		var tick <-chan time.Time
		var timer *time.Timer
		if interval, moving := s.nextInterval(); moving {
			timer = time.NewTimer(interval)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.shutdown()
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-tick:
			s.tick(ctx)
		}
	}
}

func (s *RelaysShutter) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	s.l.Lock()
	stopped, err := s.controller.Tick(ctx, s.now())
	s.l.Unlock()
	if err != nil {
		logrus.Errorf("%s: tick failed: %s", s.name, err)
	}
	if stopped {
		logrus.Infof("%s: target reached", s.name)
	}

	s.notify()
}

func (s *RelaysShutter) shutdown() {
	s.l.Lock()
	moving := s.controller.IsMoving()
	s.l.Unlock()
	if !moving {
		return
	}

	logrus.Infof("%s: stopping motor on shutdown", s.name)
	if err := s.command(context.Background(), s.controller.Stop); err != nil {
		logrus.Errorf("%s: stop on shutdown failed: %s", s.name, err)
	}
}

func (s *RelaysShutter) nextInterval() (time.Duration, bool) {
	s.l.Lock()
	defer s.l.Unlock()

	if !s.controller.IsMoving() {
		return 0, false
	}

	interval := s.pollInterval
	if remaining, ok := s.controller.TimeToTarget(); ok && remaining < interval {
		interval = remaining
	}
	if interval < minPollInterval {
		interval = minPollInterval
	}

	return interval, true
}

func (s *RelaysShutter) command(ctx context.Context, fn func(context.Context, time.Time) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	s.l.Lock()
	err := fn(ctx, s.now())
	s.l.Unlock()

	s.signal()
	s.notify()

	if err != nil {
		logrus.Errorf("%s: command failed: %s", s.name, err)
	}
	return err
}

func (s *RelaysShutter) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *RelaysShutter) snapshot() shutter.Update {
	s.l.Lock()
	defer s.l.Unlock()

	return s.snapshotLocked()
}

func (s *RelaysShutter) snapshotLocked() shutter.Update {
	snap, err := s.controller.Snapshot(s.now())
	if err != nil {
		logrus.Warnf("%s: snapshot: %s", s.name, err)
		return s.lastUpdate
	}

	u := shutter.Update{Position: snap.Position, HasTilt: snap.HasTilt, Tilt: snap.Tilt}
	switch snap.State {
	case cover.Opening:
		u.State = shutter.ShutterOpeningState
	case cover.Closing:
		u.State = shutter.ShutterClosingState
	case cover.Stopping:
		u.State = shutter.ShutterStoppedState
	default:
		u.State = shutter.ShutterOpenState
		if snap.Position == cover.FullClosePosition {
			u.State = shutter.ShutterClosedState
		}
	}

	return u
}

// notify calls update handlers when the published view changed.
func (s *RelaysShutter) notify() {
	s.l.Lock()
	u := s.snapshotLocked()
	if u == s.lastUpdate {
		s.l.Unlock()
		return
	}
	s.lastUpdate = u
	handlers := append([]shutter.ShutterUpdateHandler(nil), s.updateHandlers...)
	s.l.Unlock()

	logrus.Tracef("%s: state %s, position %d, tilt %d", s.name, u.State, u.Position, u.Tilt)
	for _, h := range handlers {
		h(u)
	}
}
