package gpio

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Aehmlo/deoxy/pkg/device"
	"github.com/Aehmlo/deoxy/pkg/quantity"
)

// SensorConfig describes a file-backed analog sensor, typically an IIO
// channel such as /sys/bus/iio/devices/iio:device0/in_pressure_input.
type SensorConfig struct {
	// Path is the file holding the raw reading.
	Path string

	// Scale multiplies the raw value before applying Unit.
	Scale float64

	// Unit is the unit symbol of the scaled reading, e.g. "kPa".
	Unit string
}

// Sensor reads a quantity from a kernel-exported value file.
type Sensor struct {
	id   string
	cfg  SensorConfig
	unit quantity.Unit
}

// NewSensor validates the configuration and returns a sensor driver.
func NewSensor(id string, cfg SensorConfig) (*Sensor, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sensor %s: path must not be empty", id)
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1
	}
	unit, err := quantity.ParseUnit(cfg.Unit)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", id, err)
	}
	return &Sensor{id: id, cfg: cfg, unit: unit}, nil
}

// Actuate implements device.Driver. Sensors are read-only.
func (s *Sensor) Actuate(context.Context, quantity.Quantity) error {
	return device.NewFault(device.FaultUnsupported, s.id, "actuate", nil)
}

// Read implements device.Driver.
func (s *Sensor) Read(context.Context) (quantity.Quantity, error) {
	raw, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return quantity.Quantity{}, device.NewFault(device.FaultIO, s.id, "read", err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return quantity.Quantity{}, device.NewFault(device.FaultNotReady, s.id, "read",
			fmt.Errorf("unparseable reading: %w", err))
	}
	return quantity.New(v*s.cfg.Scale, s.unit), nil
}
