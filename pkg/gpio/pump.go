package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Aehmlo/deoxy/pkg/device"
	"github.com/Aehmlo/deoxy/pkg/quantity"
)

// PumpConfig describes the H-bridge driving a pump.
//
// The four pins switch the corners of the bridge:
//
//	+-----+-----+
//	|     0     1
//	+V    +-----+
//	|     2     3
//	+-----+-----+
//
// Forward (perfuse) closes 0 and 3, backward (drain) closes 1 and 2.
type PumpConfig struct {
	// Pins are the GPIO numbers of the four bridge corners.
	Pins [4]int

	// SettleDelay is the pause inserted when reversing direction so
	// both sides of the bridge are never closed at once. Defaults to
	// 20ms when zero.
	SettleDelay time.Duration
}

// Pump drives a fixed-speed pump through an H-bridge. A positive flow
// or volume target runs the pump forward (perfusing the sample), a
// negative target runs it backward (draining toward waste) and a zero
// target stops it.
type Pump struct {
	id  string
	cfg PumpConfig

	mu      sync.Mutex
	pins    [4]*Pin
	forward *bool // nil when stopped
}

// NewPump opens the configured pins and returns a stopped pump driver.
func NewPump(id, sysfsRoot string, cfg PumpConfig) (*Pump, error) {
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 20 * time.Millisecond
	}
	p := &Pump{id: id, cfg: cfg}
	for i, n := range cfg.Pins {
		pin, err := OpenPin(sysfsRoot, n)
		if err != nil {
			return nil, device.NewFault(device.FaultIO, id, "actuate", err)
		}
		p.pins[i] = pin
	}
	// The hardware may power up with arbitrary corner states; drive the
	// whole bridge low so the first actuation starts from an open bridge.
	if err := p.allLow(); err != nil {
		return nil, err
	}
	return p, nil
}

// Actuate implements device.Driver.
func (p *Pump) Actuate(_ context.Context, target quantity.Quantity) error {
	dim := target.Dimension()
	if dim != quantity.Flow && dim != quantity.Volume {
		return device.NewFault(device.FaultUnsupported, p.id, "actuate",
			fmt.Errorf("pump cannot target %s", dim))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	v := target.Canonical()
	if v == 0 {
		return p.allLow()
	}

	forward := v > 0
	if p.forward != nil && *p.forward != forward {
		// Reversing: open the bridge and wait before closing the
		// other diagonal to avoid shorting the supply.
		if err := p.allLow(); err != nil {
			return err
		}
		time.Sleep(p.cfg.SettleDelay)
	}

	top, bottom := 0, 3
	if !forward {
		top, bottom = 1, 2
	}
	if err := p.setPin(top, true); err != nil {
		return err
	}
	if err := p.setPin(bottom, true); err != nil {
		return err
	}
	p.forward = &forward
	return nil
}

// Read implements device.Driver. Pumps are write-only.
func (p *Pump) Read(context.Context) (quantity.Quantity, error) {
	return quantity.Quantity{}, device.NewFault(device.FaultUnsupported, p.id, "read", nil)
}

// Stop opens the bridge and releases the pins.
func (p *Pump) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.allLow(); err != nil {
		return err
	}
	for _, pin := range p.pins {
		if err := pin.Close(); err != nil {
			return device.NewFault(device.FaultIO, p.id, "actuate", err)
		}
	}
	return nil
}

func (p *Pump) allLow() error {
	for i := range p.pins {
		if err := p.setPin(i, false); err != nil {
			return err
		}
	}
	p.forward = nil
	return nil
}

func (p *Pump) setPin(i int, high bool) error {
	if err := p.pins[i].Set(high); err != nil {
		return device.NewFault(device.FaultIO, p.id, "actuate", err)
	}
	return nil
}
