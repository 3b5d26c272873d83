package quantity

import "fmt"

// Unit describes a unit of measure within a single dimension. The factor
// converts a magnitude in this unit to the dimension's canonical base
// unit (seconds, milliliters, milliliters per second, kilopascals,
// degrees).
type Unit struct {
	// Symbol is the short form used in serialized quantities ("mL/min").
	Symbol string

	// Dim is the dimension this unit measures.
	Dim Dimension

	factor float64
}

// Time units.
var (
	Seconds      = Unit{Symbol: "s", Dim: Time, factor: 1}
	Milliseconds = Unit{Symbol: "ms", Dim: Time, factor: 1e-3}
	Minutes      = Unit{Symbol: "min", Dim: Time, factor: 60}
	Hours        = Unit{Symbol: "h", Dim: Time, factor: 3600}
)

// Volume units.
var (
	Milliliters = Unit{Symbol: "mL", Dim: Volume, factor: 1}
	Microliters = Unit{Symbol: "uL", Dim: Volume, factor: 1e-3}
	Liters      = Unit{Symbol: "L", Dim: Volume, factor: 1e3}
)

// Flow units.
var (
	MillilitersPerSecond = Unit{Symbol: "mL/s", Dim: Flow, factor: 1}
	MillilitersPerMinute = Unit{Symbol: "mL/min", Dim: Flow, factor: 1.0 / 60}
	LitersPerHour        = Unit{Symbol: "L/h", Dim: Flow, factor: 1e3 / 3600.0}
)

// Pressure units.
var (
	Kilopascals = Unit{Symbol: "kPa", Dim: Pressure, factor: 1}
	Pascals     = Unit{Symbol: "Pa", Dim: Pressure, factor: 1e-3}
	Bar         = Unit{Symbol: "bar", Dim: Pressure, factor: 100}
	PSI         = Unit{Symbol: "psi", Dim: Pressure, factor: 6.894757}
)

// Angle units.
var (
	Degrees = Unit{Symbol: "deg", Dim: Angle, factor: 1}
)

var unitsBySymbol = map[string]Unit{}

func init() {
	for _, u := range []Unit{
		Seconds, Milliseconds, Minutes, Hours,
		Milliliters, Microliters, Liters,
		MillilitersPerSecond, MillilitersPerMinute, LitersPerHour,
		Kilopascals, Pascals, Bar, PSI,
		Degrees,
	} {
		unitsBySymbol[u.Symbol] = u
	}
}

// ParseUnit resolves a unit symbol such as "mL/min" or "kPa".
func ParseUnit(symbol string) (Unit, error) {
	u, ok := unitsBySymbol[symbol]
	if !ok {
		return Unit{}, fmt.Errorf("unknown unit: %q", symbol)
	}
	return u, nil
}

// canonicalUnit returns the base unit for a dimension.
func canonicalUnit(d Dimension) Unit {
	switch d {
	case Time:
		return Seconds
	case Volume:
		return Milliliters
	case Flow:
		return MillilitersPerSecond
	case Pressure:
		return Kilopascals
	case Angle:
		return Degrees
	default:
		return Unit{Symbol: "?", Dim: d, factor: 1}
	}
}

// Operator is a comparison operator used in sensor-threshold conditions.
type Operator string

const (
	// OpGreaterEqual is satisfied when the reading is at least the threshold.
	OpGreaterEqual Operator = ">="

	// OpLessEqual is satisfied when the reading is at most the threshold.
	OpLessEqual Operator = "<="

	// OpGreater is satisfied when the reading exceeds the threshold.
	OpGreater Operator = ">"

	// OpLess is satisfied when the reading is below the threshold.
	OpLess Operator = "<"
)

// Validate checks that the operator is one of the supported comparisons.
func (o Operator) Validate() error {
	switch o {
	case OpGreaterEqual, OpLessEqual, OpGreater, OpLess:
		return nil
	default:
		return fmt.Errorf("unknown comparison operator: %q", o)
	}
}

// Apply evaluates "reading <op> threshold". Both quantities must share a
// dimension.
func (o Operator) Apply(reading, threshold Quantity) (bool, error) {
	c, err := reading.Compare(threshold)
	if err != nil {
		return false, err
	}
	switch o {
	case OpGreaterEqual:
		return c >= 0, nil
	case OpLessEqual:
		return c <= 0, nil
	case OpGreater:
		return c > 0, nil
	case OpLess:
		return c < 0, nil
	default:
		return false, fmt.Errorf("unknown comparison operator: %q", o)
	}
}
