// Package device defines the hardware abstraction for the deoxy
// controller: a capability-tagged handle to a pump, valve or sensor,
// polymorphic over a Driver backend. Two backends implement the Driver
// contract: the GPIO backend in pkg/gpio and the in-process Stub used
// for tests and dry runs. The package never retries on its own; driver
// failures surface as a *Fault and retry policy belongs to the caller.
package device

import (
	"context"
	"fmt"

	"github.com/Aehmlo/deoxy/pkg/quantity"
)

// Capability identifies what a device can do.
type Capability string

const (
	// CapabilityPump is a peristaltic pump actuated to a flow rate or
	// a total displaced volume.
	CapabilityPump Capability = "pump"

	// CapabilityValve is a servo-driven valve actuated to an angular
	// position.
	CapabilityValve Capability = "valve"

	// CapabilitySensor is a read-only device reporting a quantity.
	CapabilitySensor Capability = "sensor"
)

// Validate checks that the capability is one of the known capabilities.
func (c Capability) Validate() error {
	switch c {
	case CapabilityPump, CapabilityValve, CapabilitySensor:
		return nil
	default:
		return fmt.Errorf("unknown capability: %q", c)
	}
}

// IsActuator reports whether devices with this capability accept
// actuation commands.
func (c Capability) IsActuator() bool {
	return c == CapabilityPump || c == CapabilityValve
}

// AcceptsActuation reports whether an actuation target of the given
// dimension is meaningful for this capability. Pumps take flow rates or
// volumes, valves take angles, sensors take nothing.
func (c Capability) AcceptsActuation(d quantity.Dimension) bool {
	switch c {
	case CapabilityPump:
		return d == quantity.Flow || d == quantity.Volume
	case CapabilityValve:
		return d == quantity.Angle
	default:
		return false
	}
}

// Driver is the transport-level contract implemented by each backend.
// Implementations translate actuation targets and reads into physical
// I/O (pkg/gpio) or simulate them (Stub). Drivers report failures as a
// *Fault and never retry.
type Driver interface {
	// Actuate drives the device toward the target quantity.
	Actuate(ctx context.Context, target quantity.Quantity) error

	// Read returns the device's current reading.
	Read(ctx context.Context) (quantity.Quantity, error)
}

// Device is a registered physical unit: a stable identifier, a
// capability tag and the driver that talks to the hardware. Devices are
// registered once at process start and live for the process lifetime.
type Device struct {
	// ID is the unique device identifier from configuration.
	ID string

	// Name is the human-readable device name.
	Name string

	// Capability tags what the device can do.
	Capability Capability

	// ReadsDimension is the dimension of readings produced by this
	// device. Only meaningful for sensors.
	ReadsDimension quantity.Dimension

	driver Driver
}

// New constructs a device handle over the given driver.
func New(id, name string, cap Capability, readsDim quantity.Dimension, driver Driver) (*Device, error) {
	if id == "" {
		return nil, fmt.Errorf("device id must not be empty")
	}
	if err := cap.Validate(); err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, fmt.Errorf("device %s: driver must not be nil", id)
	}
	if cap == CapabilitySensor {
		if err := readsDim.Validate(); err != nil {
			return nil, fmt.Errorf("device %s: %w", id, err)
		}
	}
	return &Device{ID: id, Name: name, Capability: cap, ReadsDimension: readsDim, driver: driver}, nil
}

// Actuate drives the device toward the target quantity. The target's
// dimension must be acceptable for the device's capability; the engine
// validates this at program creation, so a mismatch here indicates a
// programming error and surfaces as an unsupported fault.
func (d *Device) Actuate(ctx context.Context, target quantity.Quantity) error {
	if !d.Capability.AcceptsActuation(target.Dimension()) {
		return &Fault{
			Code:     FaultUnsupported,
			DeviceID: d.ID,
			Op:       "actuate",
			Err:      fmt.Errorf("%s does not accept %s targets", d.Capability, target.Dimension()),
		}
	}
	return d.driver.Actuate(ctx, target)
}

// Read returns the device's current reading. Only sensors can be read.
func (d *Device) Read(ctx context.Context) (quantity.Quantity, error) {
	if d.Capability != CapabilitySensor {
		return quantity.Quantity{}, &Fault{
			Code:     FaultUnsupported,
			DeviceID: d.ID,
			Op:       "read",
			Err:      fmt.Errorf("%s devices cannot be read", d.Capability),
		}
	}
	reading, err := d.driver.Read(ctx)
	if err != nil {
		return quantity.Quantity{}, err
	}
	if reading.Dimension() != d.ReadsDimension {
		return quantity.Quantity{}, &Fault{
			Code:     FaultOutOfRange,
			DeviceID: d.ID,
			Op:       "read",
			Err: fmt.Errorf("driver reported %s, device is declared to read %s",
				reading.Dimension(), d.ReadsDimension),
		}
	}
	return reading, nil
}

// ValvePosition is a named servo position for a valve.
type ValvePosition string

const (
	// ValveOpen lets fluid from the associated buffer flow through.
	ValveOpen ValvePosition = "open"

	// ValveClosed lets fluid flow through the manifold but not from
	// the associated buffer.
	ValveClosed ValvePosition = "closed"

	// ValveShut blocks all flow through the valve.
	ValveShut ValvePosition = "shut"
)

// Angle returns the servo angle for the named position. The servo is
// assumed to have 180 degrees of motion with open at 0.
func (p ValvePosition) Angle() (quantity.Quantity, error) {
	switch p {
	case ValveOpen:
		return quantity.New(0, quantity.Degrees), nil
	case ValveClosed:
		return quantity.New(90, quantity.Degrees), nil
	case ValveShut:
		return quantity.New(180, quantity.Degrees), nil
	default:
		return quantity.Quantity{}, fmt.Errorf("unknown valve position: %q", p)
	}
}
