package config

import (
	"fmt"

	"github.com/Aehmlo/deoxy/pkg/device"
	"github.com/Aehmlo/deoxy/pkg/gpio"
	"github.com/Aehmlo/deoxy/pkg/quantity"
)

// stopper is implemented by drivers that hold hardware resources.
type stopper interface {
	Stop() error
}

// BuildDevices constructs device handles from the configured device
// table. The returned cleanup releases every hardware resource the
// gpio drivers acquired; it is safe to call after a partial failure.
func BuildDevices(cfg *Config) ([]*device.Device, func(), error) {
	sysfsRoot := cfg.GPIO.SysfsRoot
	if sysfsRoot == "" {
		sysfsRoot = gpio.DefaultSysfsRoot
	}

	var devices []*device.Device
	var stoppers []stopper
	cleanup := func() {
		for _, s := range stoppers {
			_ = s.Stop()
		}
	}

	for _, dc := range cfg.Devices {
		dev, stop, err := buildDevice(dc, sysfsRoot)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("device %s: %w", dc.ID, err)
		}
		if stop != nil {
			stoppers = append(stoppers, stop)
		}
		devices = append(devices, dev)
	}
	return devices, cleanup, nil
}

func buildDevice(dc DeviceConfig, sysfsRoot string) (*device.Device, stopper, error) {
	name := dc.Name
	if name == "" {
		name = dc.ID
	}

	switch dc.Capability {
	case "pump":
		driver, stop, err := pumpDriver(dc, sysfsRoot)
		if err != nil {
			return nil, nil, err
		}
		dev, err := device.New(dc.ID, name, device.CapabilityPump, "", driver)
		return dev, stop, err

	case "valve":
		driver, stop, err := valveDriver(dc, sysfsRoot)
		if err != nil {
			return nil, nil, err
		}
		dev, err := device.New(dc.ID, name, device.CapabilityValve, "", driver)
		return dev, stop, err

	case "sensor":
		unit, err := quantity.ParseUnit(dc.Unit)
		if err != nil {
			return nil, nil, err
		}
		driver, err := sensorDriver(dc, unit)
		if err != nil {
			return nil, nil, err
		}
		dev, err := device.New(dc.ID, name, device.CapabilitySensor, unit.Dim, driver)
		return dev, nil, err

	default:
		return nil, nil, fmt.Errorf("unknown capability %q", dc.Capability)
	}
}

func pumpDriver(dc DeviceConfig, sysfsRoot string) (device.Driver, stopper, error) {
	if dc.Driver == "stub" {
		return device.NewStub(dc.ID), nil, nil
	}
	var pins [4]int
	copy(pins[:], dc.Pins)
	pump, err := gpio.NewPump(dc.ID, sysfsRoot, gpio.PumpConfig{
		Pins:        pins,
		SettleDelay: dc.SettleDelay.Std(),
	})
	if err != nil {
		return nil, nil, err
	}
	return pump, pump, nil
}

func valveDriver(dc DeviceConfig, sysfsRoot string) (device.Driver, stopper, error) {
	if dc.Driver == "stub" {
		return device.NewStub(dc.ID), nil, nil
	}
	valve, err := gpio.NewValve(dc.ID, sysfsRoot, gpio.ValveConfig{
		Pin:      dc.Pin,
		MinPulse: dc.MinPulse.Std(),
		MaxPulse: dc.MaxPulse.Std(),
		Period:   dc.Period.Std(),
	})
	if err != nil {
		return nil, nil, err
	}
	return valve, valve, nil
}

func sensorDriver(dc DeviceConfig, unit quantity.Unit) (device.Driver, error) {
	if dc.Driver == "stub" {
		stub := device.NewStub(dc.ID)
		stub.QueueReadings(quantity.New(dc.Reading, unit))
		return stub, nil
	}
	return gpio.NewSensor(dc.ID, gpio.SensorConfig{
		Path:  dc.Path,
		Scale: dc.Scale,
		Unit:  dc.Unit,
	})
}
