package relay

import (
	"context"
	"sync"

	"github.com/racerxdl/go-mcp23017"
)

type SetPin interface {
	High() error
	Low() error
}

type GetPin interface {
	Read() (high bool, err error)
}

type Mcp23017Pin struct {
	device *mcp23017.Device
	pin    uint8
}

func NewMcp23017Pin(device *mcp23017.Device, pin uint8) (p *Mcp23017Pin, err error) {
	p = &Mcp23017Pin{}
	p.device = device
	p.pin = pin
	err = p.device.PinMode(pin, mcp23017.OUTPUT)
	return p, err
}

func NewMcp23017InputPin(device *mcp23017.Device, pin uint8) (p *Mcp23017Pin, err error) {
	p = &Mcp23017Pin{device: device, pin: pin}
	err = p.device.PinMode(pin, mcp23017.INPUT)
	return p, err
}

func (m *Mcp23017Pin) High() error {
	return m.device.DigitalWrite(m.pin, mcp23017.HIGH)
}

func (m *Mcp23017Pin) Low() error {
	return m.device.DigitalWrite(m.pin, mcp23017.LOW)
}

func (m *Mcp23017Pin) Read() (bool, error) {
	level, err := m.device.DigitalRead(m.pin)
	if err != nil {
		return false, err
	}

	return level == mcp23017.HIGH, nil
}

// Wired drives a relay module through an output pin. Most relay boards are active low,
// NormalClosed flips the logic for the ones that are not.
type Wired struct {
	Pin          SetPin
	NormalClosed bool

	l         sync.Mutex
	isEnabled bool
}

func (p *Wired) Enable(_ context.Context) error {
	p.l.Lock()
	defer p.l.Unlock()

	if err := p.enable(); err != nil {
		return err
	}
	p.isEnabled = true

	return nil
}

func (p *Wired) Disable() error {
	p.l.Lock()
	defer p.l.Unlock()

	if err := p.disable(); err != nil {
		return err
	}
	p.isEnabled = false

	return nil
}

func (p *Wired) IsEnabled() bool {
	p.l.Lock()
	defer p.l.Unlock()

	return p.isEnabled
}

func (p *Wired) enable() error {
	if !p.NormalClosed {
		return p.Pin.Low()
	}

	return p.Pin.High()
}

func (p *Wired) disable() error {
	if !p.NormalClosed {
		return p.Pin.High()
	}

	return p.Pin.Low()
}
