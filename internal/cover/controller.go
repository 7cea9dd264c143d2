// Package cover turns a dumb up/down switch into a position-aware cover.
//
// Controller is not safe for concurrent use and never reads the clock: every operation
// that depends on time takes the caller's now.
package cover

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/travel"
	"github.com/pkg/errors"
)

type State int

const (
	Idle State = iota
	Opening
	Closing
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Closing:
		return "closing"
	case Stopping:
		return "stopping"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrTargetOutOfRange = errors.New("target position out of range")
	ErrNoTilt           = errors.New("cover has no tilt axis")
)

// Switch energizes the relays behind a cover.
type Switch interface {
	TurnOn(ctx context.Context, direction travel.Direction) error
	TurnOff(ctx context.Context) error
	// TurnStop presses the dedicated stop switch. Only called when the cover has one.
	TurnStop(ctx context.Context) error
}

// ToggleEvent reports a switch state change the controller did not command. Idle means
// the motor was observed stopped.
type ToggleEvent struct {
	Direction travel.Direction
	At        time.Time
}

type Snapshot struct {
	State      State
	Position   int
	Target     *int
	HasTilt    bool
	Tilt       int
	TiltTarget *int
}

type Controller struct {
	sw            Switch
	hasStopSwitch bool

	position *travel.Calculator
	tilt     *travel.Calculator

	state State
}

func NewController(cfg Config, sw Switch) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	position, err := travel.NewCalculator(cfg.TravelTimeUp, cfg.TravelTimeDown,
		travel.WithPosition(fraction(initialPercent(cfg.InitialPosition))),
		travel.WithTolerance(cfg.tolerance()),
	)
	if err != nil {
		return nil, err
	}

	c := &Controller{sw: sw, hasStopSwitch: cfg.HasSeparateStopSwitch, position: position}

	if cfg.HasTilt() {
		opening, closing := cfg.slatTimes()
		c.tilt, err = travel.NewCalculator(opening, closing,
			travel.WithPosition(fraction(initialPercent(cfg.InitialTiltPosition))),
			travel.WithTolerance(cfg.tolerance()),
		)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Controller) State() State {
	return c.state
}

func (c *Controller) IsOpening() bool {
	return c.position.Direction() == travel.Up
}

func (c *Controller) IsClosing() bool {
	return c.position.Direction() == travel.Down
}

func (c *Controller) IsMoving() bool {
	return c.position.IsMoving()
}

func (c *Controller) HasTilt() bool {
	return c.tilt != nil
}

func (c *Controller) HasSeparateStopSwitch() bool {
	return c.hasStopSwitch
}

func (c *Controller) Position(now time.Time) (int, error) {
	p, err := c.position.Position(now)
	return percent(p), err
}

func (c *Controller) TiltPosition(now time.Time) (int, error) {
	if c.tilt == nil {
		return 0, ErrNoTilt
	}

	p, err := c.tilt.Position(now)
	return percent(p), err
}

func (c *Controller) Target() (int, bool) {
	return target(c.position)
}

func (c *Controller) TiltTarget() (int, bool) {
	if c.tilt == nil {
		return 0, false
	}

	return target(c.tilt)
}

func (c *Controller) Snapshot(now time.Time) (Snapshot, error) {
	if err := c.evaluate(now); err != nil {
		return Snapshot{}, err
	}

	p, _ := c.position.Position(now)
	s := Snapshot{State: c.state, Position: percent(p), HasTilt: c.tilt != nil}
	if t, ok := target(c.position); ok {
		s.Target = &t
	}

	if c.tilt != nil {
		p, _ := c.tilt.Position(now)
		s.Tilt = percent(p)
		if t, ok := target(c.tilt); ok {
			s.TiltTarget = &t
		}
	}

	return s, nil
}

// ResetPosition overrides the position estimate, e.g. with a last-known value restored
// at startup. It does not touch the motor.
func (c *Controller) ResetPosition(p int) error {
	if !validPercent(p) {
		return errors.Wrapf(ErrTargetOutOfRange, "%d", p)
	}

	return c.position.SetPosition(fraction(p))
}

func (c *Controller) ResetTiltPosition(p int) error {
	if c.tilt == nil {
		return ErrNoTilt
	}
	if !validPercent(p) {
		return errors.Wrapf(ErrTargetOutOfRange, "%d", p)
	}

	return c.tilt.SetPosition(fraction(p))
}

func (c *Controller) Open(ctx context.Context, now time.Time) error {
	return c.SetPosition(ctx, FullOpenPosition, now)
}

func (c *Controller) Close(ctx context.Context, now time.Time) error {
	return c.SetPosition(ctx, FullClosePosition, now)
}

func (c *Controller) OpenTilt(ctx context.Context, now time.Time) error {
	return c.SetTiltPosition(ctx, FullOpenPosition, now)
}

func (c *Controller) CloseTilt(ctx context.Context, now time.Time) error {
	return c.SetTiltPosition(ctx, FullClosePosition, now)
}

// SetPosition drives the cover towards p percent. Tick stops it once the estimate gets
// there.
func (c *Controller) SetPosition(ctx context.Context, p int, now time.Time) error {
	if !validPercent(p) {
		return errors.Wrapf(ErrTargetOutOfRange, "position %d", p)
	}

	return c.moveTo(ctx, c.position, p, now)
}

func (c *Controller) SetTiltPosition(ctx context.Context, p int, now time.Time) error {
	if c.tilt == nil {
		return ErrNoTilt
	}
	if !validPercent(p) {
		return errors.Wrapf(ErrTargetOutOfRange, "tilt position %d", p)
	}

	return c.moveTo(ctx, c.tilt, p, now)
}

// Stop always commands the switch, even when the cover is believed idle.
func (c *Controller) Stop(ctx context.Context, now time.Time) error {
	if err := c.evaluate(now); err != nil {
		return err
	}

	return c.stop(ctx, now)
}

// Tick re-evaluates the estimate and stops the motor once an axis reaches its target.
// It reports whether it stopped the cover.
func (c *Controller) Tick(ctx context.Context, now time.Time) (bool, error) {
	if err := c.evaluate(now); err != nil {
		return false, err
	}
	if !c.IsMoving() {
		return false, nil
	}

	for _, axis := range c.axes() {
		reached, err := axis.IsTargetReached(now)
		if err != nil {
			return false, err
		}
		if !reached {
			continue
		}

		t, _ := axis.Target()
		if err := c.stop(ctx, now); err != nil {
			return false, err
		}

		// Up to one tolerance short of the target; report the target itself.
		return true, axis.SetPosition(t)
	}

	return false, nil
}

// ExternalToggle reconciles the estimate with a switch change made outside the
// controller. A manual start or stop cancels any pending target.
func (c *Controller) ExternalToggle(ev ToggleEvent) error {
	if err := c.evaluate(ev.At); err != nil {
		return err
	}

	switch ev.Direction {
	case travel.Up, travel.Down:
		if c.position.Direction() == ev.Direction {
			return nil
		}
		for _, axis := range c.axes() {
			axis.ClearTarget()
			if err := axis.StartTravel(ev.Direction, ev.At); err != nil {
				return err
			}
		}
		c.state = stateFor(ev.Direction)
	case travel.Idle:
		if c.state == Idle {
			return nil
		}
		for _, axis := range c.axes() {
			if _, err := axis.Stop(ev.At); err != nil {
				return err
			}
		}
		c.state = Idle
	default:
		return errors.Wrapf(travel.ErrInvalidDirection, "toggle %s", ev.Direction)
	}

	return nil
}

// LastUpdate returns the latest time any axis was evaluated at. Earlier times are
// rejected with travel.InvalidTimeError.
func (c *Controller) LastUpdate() time.Time {
	var last time.Time
	for _, axis := range c.axes() {
		if t := axis.LastUpdate(); t.After(last) {
			last = t
		}
	}

	return last
}

// TimeToTarget returns the shortest remaining travel time among the active targets.
func (c *Controller) TimeToTarget() (time.Duration, bool) {
	var (
		shortest time.Duration
		found    bool
	)
	for _, axis := range c.axes() {
		t, ok := axis.Target()
		if !ok {
			continue
		}
		d, _ := axis.TimeToReach(t)
		if !found || d < shortest {
			shortest, found = d, true
		}
	}

	return shortest, found
}

func (c *Controller) moveTo(ctx context.Context, axis *travel.Calculator, p int, now time.Time) error {
	if err := c.evaluate(now); err != nil {
		return err
	}

	current, _ := axis.Position(now)
	if percent(current) == p {
		if c.IsMoving() {
			return c.stop(ctx, now)
		}
		return nil
	}

	goal := fraction(p)
	direction := travel.Up
	if goal < current {
		direction = travel.Down
	}

	if c.position.Direction() != direction {
		if err := c.sw.TurnOn(ctx, direction); err != nil {
			return errors.Wrapf(err, "turn on %s", direction)
		}
	}

	for _, a := range c.axes() {
		a.ClearTarget()
		if err := a.StartTravel(direction, now); err != nil {
			return err
		}
	}
	c.state = stateFor(direction)

	return axis.SetTarget(goal)
}

func (c *Controller) stop(ctx context.Context, now time.Time) error {
	if c.hasStopSwitch {
		c.state = Stopping
		c.stopAxes(now)
		if err := c.sw.TurnStop(ctx); err != nil {
			return errors.Wrap(err, "turn stop")
		}
		c.state = Idle
		return nil
	}

	if err := c.sw.TurnOff(ctx); err != nil {
		return errors.Wrap(err, "turn off")
	}
	c.stopAxes(now)
	c.state = Idle

	return nil
}

// stopAxes is only called after evaluate(now) succeeded, so Stop cannot fail.
func (c *Controller) stopAxes(now time.Time) {
	for _, axis := range c.axes() {
		_, _ = axis.Stop(now)
	}
}

// evaluate checks now against every axis before anything is mutated.
func (c *Controller) evaluate(now time.Time) error {
	for _, axis := range c.axes() {
		if _, err := axis.Position(now); err != nil {
			return err
		}
	}

	return nil
}

func (c *Controller) axes() []*travel.Calculator {
	if c.tilt == nil {
		return []*travel.Calculator{c.position}
	}

	return []*travel.Calculator{c.position, c.tilt}
}

func stateFor(d travel.Direction) State {
	if d == travel.Down {
		return Closing
	}

	return Opening
}

func target(axis *travel.Calculator) (int, bool) {
	t, ok := axis.Target()
	return percent(t), ok
}

func validPercent(p int) bool {
	return p >= FullClosePosition && p <= FullOpenPosition
}

func fraction(p int) float64 {
	return float64(p) / 100
}

func percent(position float64) int {
	return int(math.Round(position * 100))
}
