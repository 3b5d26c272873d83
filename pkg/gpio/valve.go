package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Aehmlo/deoxy/pkg/device"
	"github.com/Aehmlo/deoxy/pkg/quantity"
)

// ValveConfig describes the servo driving a valve.
type ValveConfig struct {
	// Pin is the GPIO number of the servo signal line.
	Pin int

	// MinPulse and MaxPulse bound the useful pulse widths. The servo
	// is assumed to have 180 degrees of motion, so MinPulse maps to 0
	// degrees and MaxPulse to 180.
	MinPulse time.Duration
	MaxPulse time.Duration

	// Period is the servo signal period, typically 20ms.
	Period time.Duration
}

// Valve drives a servo-actuated valve by software PWM on a single GPIO
// pin. Changing the pulse width changes the servo angle.
type Valve struct {
	id  string
	cfg ValveConfig
	pin *Pin

	mu      sync.Mutex
	pulse   time.Duration
	stop    chan struct{}
	running bool
}

// NewValve opens the configured pin and returns a valve driver. The PWM
// loop starts on the first actuation.
func NewValve(id, sysfsRoot string, cfg ValveConfig) (*Valve, error) {
	if cfg.Period <= 0 || cfg.MinPulse <= 0 || cfg.MaxPulse <= cfg.MinPulse {
		return nil, fmt.Errorf("valve %s: invalid pulse configuration", id)
	}
	pin, err := OpenPin(sysfsRoot, cfg.Pin)
	if err != nil {
		return nil, device.NewFault(device.FaultIO, id, "actuate", err)
	}
	return &Valve{id: id, cfg: cfg, pin: pin}, nil
}

// Actuate implements device.Driver. The target must be an angle between
// 0 and 180 degrees.
func (v *Valve) Actuate(_ context.Context, target quantity.Quantity) error {
	deg, err := target.Value(quantity.Degrees)
	if err != nil {
		return device.NewFault(device.FaultUnsupported, v.id, "actuate", err)
	}
	if deg < 0 || deg > 180 {
		return device.NewFault(device.FaultOutOfRange, v.id, "actuate",
			fmt.Errorf("angle %v out of range [0, 180]", deg))
	}

	// dT/dθ over the 180 degree range, offset from the baseline.
	span := v.cfg.MaxPulse - v.cfg.MinPulse
	pulse := v.cfg.MinPulse + time.Duration(float64(span)*deg/180)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.pulse = pulse
	if !v.running {
		v.stop = make(chan struct{})
		v.running = true
		go v.pwmLoop(v.stop)
	}
	return nil
}

// Read implements device.Driver. Valves are write-only.
func (v *Valve) Read(context.Context) (quantity.Quantity, error) {
	return quantity.Quantity{}, device.NewFault(device.FaultUnsupported, v.id, "read", nil)
}

// Stop halts the PWM loop and releases the pin.
func (v *Valve) Stop() error {
	v.mu.Lock()
	if v.running {
		close(v.stop)
		v.running = false
	}
	v.mu.Unlock()
	return v.pin.Close()
}

// pwmLoop toggles the signal pin with the configured period, holding it
// high for the current pulse width each cycle.
func (v *Valve) pwmLoop(stop <-chan struct{}) {
	for {
		v.mu.Lock()
		pulse := v.pulse
		v.mu.Unlock()

		_ = v.pin.Set(true)
		select {
		case <-stop:
			_ = v.pin.Set(false)
			return
		case <-time.After(pulse):
		}
		_ = v.pin.Set(false)
		select {
		case <-stop:
			return
		case <-time.After(v.cfg.Period - pulse):
		}
	}
}
