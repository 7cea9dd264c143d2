package cover

import (
	"time"

	"github.com/jkaflik/cover2mqtt/internal/travel"
	"github.com/pkg/errors"
)

const (
	FullOpenPosition  = 100
	FullClosePosition = 0

	DefaultInitialPosition = FullOpenPosition
)

type Config struct {
	TravelTimeUp   time.Duration
	TravelTimeDown time.Duration

	// Slat timings enable the tilt axis. When only one is set the other falls back to
	// the main travel time of the same direction.
	SlatsOpeningTime time.Duration
	SlatsClosingTime time.Duration

	HasSeparateStopSwitch bool

	// InitialPosition and InitialTiltPosition are percentages. Nil means fully open.
	InitialPosition     *int
	InitialTiltPosition *int

	// Tolerance is how much travel time short of a target still counts as reaching it.
	Tolerance time.Duration
}

func (c Config) HasTilt() bool {
	return c.SlatsOpeningTime > 0 || c.SlatsClosingTime > 0
}

func (c Config) slatTimes() (opening, closing time.Duration) {
	opening, closing = c.SlatsOpeningTime, c.SlatsClosingTime
	if opening <= 0 {
		opening = c.TravelTimeUp
	}
	if closing <= 0 {
		closing = c.TravelTimeDown
	}

	return opening, closing
}

func (c Config) Validate() error {
	if c.TravelTimeUp <= 0 || c.TravelTimeDown <= 0 {
		return errors.Wrapf(travel.ErrInvalidConfiguration,
			"travel times must be positive (up %s, down %s)", c.TravelTimeUp, c.TravelTimeDown)
	}
	if c.SlatsOpeningTime < 0 || c.SlatsClosingTime < 0 {
		return errors.Wrapf(travel.ErrInvalidConfiguration,
			"slat times must not be negative (opening %s, closing %s)", c.SlatsOpeningTime, c.SlatsClosingTime)
	}
	if c.Tolerance < 0 {
		return errors.Wrapf(travel.ErrInvalidConfiguration, "negative tolerance %s", c.Tolerance)
	}
	for _, p := range []*int{c.InitialPosition, c.InitialTiltPosition} {
		if p != nil && !validPercent(*p) {
			return errors.Wrapf(travel.ErrInvalidConfiguration, "initial position %d out of range", *p)
		}
	}

	return nil
}

func (c Config) tolerance() time.Duration {
	if c.Tolerance == 0 {
		return travel.DefaultTolerance
	}

	return c.Tolerance
}

func initialPercent(p *int) int {
	if p == nil {
		return DefaultInitialPosition
	}

	return *p
}
