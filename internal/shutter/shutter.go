package shutter

import (
	"context"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/travel"
)

const (
	ShutterOpenState    = "open"
	ShutterClosedState  = "closed"
	ShutterOpeningState = "opening"
	ShutterClosingState = "closing"
	ShutterStoppedState = "stopped"
)

type Update struct {
	State    string
	Position int

	HasTilt bool
	Tilt    int
}

type ShutterUpdateHandler func(u Update)

type Shutter interface {
	Name() string
	FullOpenPosition() int
	FullClosePosition() int
	HasTilt() bool

	Position() int
	TiltPosition() int
	State() string

	OnUpdate(h ShutterUpdateHandler)

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Stop(ctx context.Context) error
	SetPosition(ctx context.Context, position int) error

	OpenTilt(ctx context.Context) error
	CloseTilt(ctx context.Context) error
	SetTiltPosition(ctx context.Context, position int) error
}

// StatelessShutter has no position feedback. Its estimate can be reset from a
// remembered value and corrected with switch changes observed elsewhere.
type StatelessShutter interface {
	Shutter

	ResetPosition(position int) error
	Toggle(direction travel.Direction, at time.Time) error
}
