package relay

import (
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiPin is a Raspberry Pi GPIO pin addressed by its BCM number. rpio.Open must have
// been called before any pin is created.
type RPiPin struct {
	pin rpio.Pin
}

func NewRPiOutputPin(bcm int) *RPiPin {
	p := &RPiPin{pin: rpio.Pin(bcm)}
	p.pin.Output()
	return p
}

func NewRPiInputPin(bcm int, pullUp bool) *RPiPin {
	p := &RPiPin{pin: rpio.Pin(bcm)}
	p.pin.Input()
	if pullUp {
		p.pin.PullUp()
	}
	return p
}

func (p *RPiPin) High() error {
	p.pin.High()
	return nil
}

func (p *RPiPin) Low() error {
	p.pin.Low()
	return nil
}

func (p *RPiPin) Read() (bool, error) {
	return p.pin.Read() == rpio.High, nil
}
