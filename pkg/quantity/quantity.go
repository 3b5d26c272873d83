// Package quantity provides dimensionally typed physical values for the
// deoxy controller.
//
// A Quantity pairs a magnitude with a physical dimension (time, volume,
// volumetric flow, pressure, angle). Arithmetic and comparison are only
// permitted between quantities of the same dimension; mixing dimensions
// yields a DimensionError rather than a silently wrong number. Values are
// stored in a canonical base unit per dimension so that repeated unit
// conversions cannot accumulate floating-point drift.
package quantity

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Dimension identifies the physical dimension of a quantity.
type Dimension string

const (
	// Time is elapsed time. Canonical unit: second.
	Time Dimension = "time"

	// Volume is liquid volume. Canonical unit: milliliter.
	Volume Dimension = "volume"

	// Flow is volumetric flow rate. Canonical unit: milliliter per second.
	Flow Dimension = "flow"

	// Pressure is fluid pressure. Canonical unit: kilopascal.
	Pressure Dimension = "pressure"

	// Angle is rotational position, used for servo-actuated valves.
	// Canonical unit: degree.
	Angle Dimension = "angle"
)

// Validate checks that the dimension is one of the known dimensions.
func (d Dimension) Validate() error {
	switch d {
	case Time, Volume, Flow, Pressure, Angle:
		return nil
	default:
		return fmt.Errorf("unknown dimension: %q", d)
	}
}

// DimensionError reports an operation between incompatible dimensions.
type DimensionError struct {
	// Left is the dimension of the left-hand operand.
	Left Dimension

	// Right is the dimension of the right-hand operand.
	Right Dimension

	// Op is the operation that was attempted.
	Op string
}

// Error implements the error interface.
func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension mismatch: cannot %s %s and %s", e.Op, e.Left, e.Right)
}

// Quantity is an immutable magnitude tagged with a physical dimension.
// The zero value is a zero time quantity and is not generally useful;
// construct quantities with New or the unit helpers.
type Quantity struct {
	// value is held in the canonical base unit of dim.
	value float64
	dim   Dimension
}

// New constructs a quantity from a magnitude expressed in the given unit.
func New(value float64, unit Unit) Quantity {
	return Quantity{value: value * unit.factor, dim: unit.Dim}
}

// Dimension returns the physical dimension of the quantity.
func (q Quantity) Dimension() Dimension { return q.dim }

// Canonical returns the magnitude in the dimension's canonical base unit.
func (q Quantity) Canonical() float64 { return q.value }

// Value converts the quantity into the given unit. Conversion between
// units of the same dimension never fails.
func (q Quantity) Value(unit Unit) (float64, error) {
	if unit.Dim != q.dim {
		return 0, &DimensionError{Left: q.dim, Right: unit.Dim, Op: "convert between"}
	}
	return q.value / unit.factor, nil
}

// Add returns the sum of two quantities of the same dimension.
func (q Quantity) Add(other Quantity) (Quantity, error) {
	if q.dim != other.dim {
		return Quantity{}, &DimensionError{Left: q.dim, Right: other.dim, Op: "add"}
	}
	return Quantity{value: q.value + other.value, dim: q.dim}, nil
}

// Sub returns the difference of two quantities of the same dimension.
func (q Quantity) Sub(other Quantity) (Quantity, error) {
	if q.dim != other.dim {
		return Quantity{}, &DimensionError{Left: q.dim, Right: other.dim, Op: "subtract"}
	}
	return Quantity{value: q.value - other.value, dim: q.dim}, nil
}

// Compare compares two quantities of the same dimension. It returns -1,
// 0 or 1 as q is less than, equal to or greater than other. Comparison
// happens in the canonical base unit.
func (q Quantity) Compare(other Quantity) (int, error) {
	if q.dim != other.dim {
		return 0, &DimensionError{Left: q.dim, Right: other.dim, Op: "compare"}
	}
	switch {
	case q.value < other.value:
		return -1, nil
	case q.value > other.value:
		return 1, nil
	default:
		return 0, nil
	}
}

// Duration converts a time quantity into a time.Duration.
func (q Quantity) Duration() (time.Duration, error) {
	if q.dim != Time {
		return 0, &DimensionError{Left: q.dim, Right: Time, Op: "convert between"}
	}
	return time.Duration(q.value * float64(time.Second)), nil
}

// IsZero reports whether q is the zero Quantity (no dimension). A
// constructed quantity with magnitude zero is not the zero Quantity.
func (q Quantity) IsZero() bool { return q.value == 0 && q.dim == "" }

// String renders the quantity in its canonical unit, trimming
// insignificant trailing zeros.
func (q Quantity) String() string {
	return fmt.Sprintf("%s %s", formatMagnitude(q.value), canonicalUnit(q.dim).Symbol)
}

// MarshalText implements encoding.TextMarshaler. Quantities serialize as
// "<magnitude> <unit>" in the canonical unit, e.g. "2.5 mL/s".
func (q Quantity) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, accepting the same
// "<magnitude> <unit>" form produced by MarshalText in any known unit.
func (q *Quantity) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Parse parses a quantity of the form "<magnitude> <unit>", e.g.
// "5 mL/min" or "30 s". The unit symbol must be one of the known units.
func Parse(s string) (Quantity, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 2 {
		return Quantity{}, fmt.Errorf("malformed quantity %q: want \"<magnitude> <unit>\"", s)
	}

	magnitude, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Quantity{}, fmt.Errorf("malformed magnitude in %q: %w", s, err)
	}
	if math.IsNaN(magnitude) || math.IsInf(magnitude, 0) {
		return Quantity{}, fmt.Errorf("non-finite magnitude in %q", s)
	}

	unit, err := ParseUnit(fields[1])
	if err != nil {
		return Quantity{}, err
	}
	return New(magnitude, unit), nil
}

// FromDuration constructs a time quantity from a time.Duration.
func FromDuration(d time.Duration) Quantity {
	return Quantity{value: d.Seconds(), dim: Time}
}

func formatMagnitude(v float64) string {
	s := fmt.Sprintf("%g", v)
	return s
}
