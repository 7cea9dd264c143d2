package relay

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

type Relay interface {
	Enable(ctx context.Context) error
	Disable() error
	IsEnabled() bool
}

// PoolProxy limits how many relays sharing a pool may be energized at once, e.g. to
// stay within a power supply budget. Enable blocks until a slot frees up.
type PoolProxy struct {
	r Relay
	c chan struct{}

	l    sync.Mutex
	held bool
}

func NewPoolProxy(r Relay, pool chan struct{}) *PoolProxy {
	return &PoolProxy{r: r, c: pool}
}

func (p *PoolProxy) Enable(ctx context.Context) error {
	p.l.Lock()
	defer p.l.Unlock()

	if p.held {
		return p.r.Enable(ctx)
	}

	select {
	case p.c <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.r.Enable(ctx); err != nil {
		<-p.c
		return err
	}
	p.held = true

	return nil
}

func (p *PoolProxy) Disable() error {
	p.l.Lock()
	defer p.l.Unlock()

	err := p.r.Disable()
	if p.held {
		<-p.c
		p.held = false
	}

	return err
}

func (p *PoolProxy) IsEnabled() bool {
	return p.r.IsEnabled()
}

// Dumb only logs. Useful for trying out a configuration without hardware.
type Dumb struct {
	Name string

	l         sync.Mutex
	isEnabled bool
}

func (r *Dumb) Enable(_ context.Context) error {
	r.l.Lock()
	defer r.l.Unlock()

	if !r.isEnabled {
		logrus.Warnf("%s: dumb relay enabled", r.Name)
	}
	r.isEnabled = true

	return nil
}

func (r *Dumb) Disable() error {
	r.l.Lock()
	defer r.l.Unlock()

	if r.isEnabled {
		logrus.Warnf("%s: dumb relay disabled", r.Name)
	}
	r.isEnabled = false

	return nil
}

func (r *Dumb) IsEnabled() bool {
	r.l.Lock()
	defer r.l.Unlock()

	return r.isEnabled
}
