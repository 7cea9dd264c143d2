package relay

import (
	"context"
	"sync"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/travel"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultStopPulse = 300 * time.Millisecond

var ErrNoStopRelay = errors.New("no stop relay configured")

// Pair drives a cover motor through an up and a down relay that must never be enabled
// together, plus an optional momentary stop relay.
type Pair struct {
	up   Relay
	down Relay
	stop Relay

	// StopPulse is how long the stop relay is held.
	StopPulse time.Duration
	// ReverseDelay is waited between releasing one direction and energizing the other.
	ReverseDelay time.Duration

	l sync.Mutex
}

func NewRelayPair(up, down Relay) *Pair {
	return &Pair{up: up, down: down, StopPulse: DefaultStopPulse}
}

func (p *Pair) WithStop(stop Relay) *Pair {
	p.stop = stop
	return p
}

func (p *Pair) HasStop() bool {
	return p.stop != nil
}

func (p *Pair) TurnOn(ctx context.Context, d travel.Direction) error {
	p.l.Lock()
	defer p.l.Unlock()

	on, off := p.up, p.down
	switch d {
	case travel.Up:
	case travel.Down:
		on, off = p.down, p.up
	default:
		return errors.Wrapf(travel.ErrInvalidDirection, "turn on %s", d)
	}

	if off.IsEnabled() {
		if err := off.Disable(); err != nil {
			return errors.Wrapf(err, "release %s relay", d.Opposite())
		}
		if err := wait(ctx, p.ReverseDelay); err != nil {
			return err
		}
	}

	logrus.Debugf("relay pair: energize %s", d)
	return on.Enable(ctx)
}

func (p *Pair) TurnOff(_ context.Context) error {
	p.l.Lock()
	defer p.l.Unlock()

	return p.releaseAll()
}

func (p *Pair) TurnStop(ctx context.Context) error {
	p.l.Lock()
	defer p.l.Unlock()

	if p.stop == nil {
		return ErrNoStopRelay
	}
	if err := p.releaseAll(); err != nil {
		return err
	}

	return enableFor(ctx, p.stop, p.StopPulse)
}

func (p *Pair) releaseAll() error {
	upErr := p.up.Disable()
	downErr := p.down.Disable()
	if upErr != nil {
		return errors.Wrap(upErr, "release up relay")
	}
	if downErr != nil {
		return errors.Wrap(downErr, "release down relay")
	}

	return nil
}

func enableFor(ctx context.Context, r Relay, duration time.Duration) error {
	if err := r.Enable(ctx); err != nil {
		return err
	}
	defer func() {
		if err := r.Disable(); err != nil {
			logrus.Error(err)
		}
	}()

	return wait(ctx, duration)
}

func wait(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	t := time.NewTimer(duration)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
