// Package travel estimates the position of a cover axis from motor run time.
//
// A Calculator knows nothing about relays or clocks: callers tell it when the motor
// starts, reverses and stops, and ask for the position at a time they supply. Position
// 1.0 is fully open, 0.0 fully closed, and moving Up increases the position.
package travel

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
)

const (
	Closed = 0.0
	Open   = 1.0

	DefaultTolerance = 100 * time.Millisecond
)

type Direction int

const (
	Idle Direction = iota
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Idle:
		return "idle"
	case Up:
		return "up"
	case Down:
		return "down"
	}

	return fmt.Sprintf("direction(%d)", int(d))
}

// Opposite returns the reverse travel direction. Idle has no opposite.
func (d Direction) Opposite() Direction {
	switch d {
	case Up:
		return Down
	case Down:
		return Up
	}

	return Idle
}

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidDirection     = errors.New("invalid direction")
	ErrInvalidPosition      = errors.New("position out of range")
)

// InvalidTimeError is returned when a caller supplies a time earlier than the last one
// the calculator has seen.
type InvalidTimeError struct {
	Now        time.Time
	LastUpdate time.Time
}

func (e *InvalidTimeError) Error() string {
	return fmt.Sprintf("time went backward: %s is %s before last update",
		e.Now.Format(time.RFC3339Nano), e.LastUpdate.Sub(e.Now))
}

type Option func(c *Calculator) error

// WithPosition seeds the initial estimate.
func WithPosition(position float64) Option {
	return func(c *Calculator) error {
		return c.SetPosition(position)
	}
}

// WithTolerance sets how close, in travel time, the estimate must be to a target for it
// to count as reached.
func WithTolerance(tolerance time.Duration) Option {
	return func(c *Calculator) error {
		if tolerance < 0 {
			return errors.Wrapf(ErrInvalidConfiguration, "negative tolerance %s", tolerance)
		}
		c.tolerance = tolerance
		return nil
	}
}

type Calculator struct {
	travelTimeUp   time.Duration
	travelTimeDown time.Duration
	tolerance      time.Duration

	position   float64
	direction  Direction
	lastUpdate time.Time

	target    float64
	hasTarget bool
}

func NewCalculator(travelTimeUp, travelTimeDown time.Duration, opts ...Option) (*Calculator, error) {
	if travelTimeUp <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "travel time up must be positive, got %s", travelTimeUp)
	}
	if travelTimeDown <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "travel time down must be positive, got %s", travelTimeDown)
	}

	c := &Calculator{
		travelTimeUp:   travelTimeUp,
		travelTimeDown: travelTimeDown,
		tolerance:      DefaultTolerance,
		position:       Open,
		direction:      Idle,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Calculator) Direction() Direction {
	return c.direction
}

func (c *Calculator) IsMoving() bool {
	return c.direction != Idle
}

func (c *Calculator) TravelTime(d Direction) time.Duration {
	if d == Down {
		return c.travelTimeDown
	}

	return c.travelTimeUp
}

// LastUpdate returns the time of the last evaluation or state change.
func (c *Calculator) LastUpdate() time.Time {
	return c.lastUpdate
}

// StartTravel begins (or reverses) movement at now. Starting again in the current
// direction keeps the original start point.
func (c *Calculator) StartTravel(d Direction, now time.Time) error {
	if d != Up && d != Down {
		return errors.Wrapf(ErrInvalidDirection, "cannot start travel %s", d)
	}
	if d == c.direction {
		return nil
	}

	if _, err := c.Position(now); err != nil {
		return err
	}
	c.direction = d

	return nil
}

// Stop freezes the estimate at now and drops any target.
func (c *Calculator) Stop(now time.Time) (float64, error) {
	position, err := c.Position(now)
	if err != nil {
		return c.position, err
	}

	c.direction = Idle
	c.hasTarget = false

	return position, nil
}

// Position evaluates the estimate at now and records it, so the next evaluation only
// accounts for the time elapsed since this one.
func (c *Calculator) Position(now time.Time) (float64, error) {
	if now.Before(c.lastUpdate) {
		return c.position, &InvalidTimeError{Now: now, LastUpdate: c.lastUpdate}
	}

	if c.direction != Idle && !c.lastUpdate.IsZero() {
		c.position = clamp(c.position + c.delta(c.direction, now.Sub(c.lastUpdate)))
	}
	c.lastUpdate = now

	return c.position, nil
}

// SetPosition overrides the estimate without touching direction or time.
func (c *Calculator) SetPosition(position float64) error {
	if !inRange(position) {
		return errors.Wrapf(ErrInvalidPosition, "%v", position)
	}

	c.position = position
	c.hasTarget = false

	return nil
}

func (c *Calculator) SetTarget(target float64) error {
	if !inRange(target) {
		return errors.Wrapf(ErrInvalidPosition, "target %v", target)
	}

	c.target = target
	c.hasTarget = true

	return nil
}

func (c *Calculator) ClearTarget() {
	c.hasTarget = false
}

func (c *Calculator) Target() (float64, bool) {
	return c.target, c.hasTarget
}

// IsTargetReached reports whether the estimate at now has crossed the target in the
// direction of travel. Being within the tolerance of the target counts as crossed.
func (c *Calculator) IsTargetReached(now time.Time) (bool, error) {
	position, err := c.Position(now)
	if err != nil {
		return false, err
	}
	if !c.hasTarget {
		return false, nil
	}

	epsilon := c.epsilon()
	switch c.direction {
	case Up:
		return position >= c.target-epsilon, nil
	case Down:
		return position <= c.target+epsilon, nil
	}

	return math.Abs(position-c.target) <= epsilon, nil
}

// TimeToReach returns how long the motor must run from the last evaluated position to
// reach target, and the direction it has to run in.
func (c *Calculator) TimeToReach(target float64) (time.Duration, Direction) {
	diff := target - c.position
	switch {
	case diff > 0:
		return time.Duration(diff * float64(c.travelTimeUp)), Up
	case diff < 0:
		return time.Duration(-diff * float64(c.travelTimeDown)), Down
	}

	return 0, Idle
}

func (c *Calculator) delta(d Direction, elapsed time.Duration) float64 {
	fraction := float64(elapsed) / float64(c.TravelTime(d))
	if d == Down {
		return -fraction
	}

	return fraction
}

func (c *Calculator) epsilon() float64 {
	return float64(c.tolerance) / float64(c.TravelTime(c.direction))
}

func clamp(position float64) float64 {
	return math.Max(Closed, math.Min(Open, position))
}

func inRange(position float64) bool {
	return position >= Closed && position <= Open
}
