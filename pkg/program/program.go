// Package program defines the immutable program/step data model for the
// deoxy controller and its creation-time validation.
//
// A program is an ordered, linear sequence of steps. Each step names a
// target device, an action with a dimensionally checked target quantity
// and a completion condition (a fixed duration or a sensor threshold).
// Programs are immutable after acceptance: editing a program registers a
// new program under a fresh id, so in-flight and historical runs always
// reference a stable definition.
package program

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Aehmlo/deoxy/pkg/device"
	"github.com/Aehmlo/deoxy/pkg/quantity"
)

// ActionKind is what a step does to its target device.
type ActionKind string

const (
	// ActionActuate drives the target device toward the step's target
	// quantity.
	ActionActuate ActionKind = "actuate"

	// ActionWait performs no actuation and simply waits for the step's
	// completion condition.
	ActionWait ActionKind = "wait"
)

// ConditionKind is how a step decides it is complete.
type ConditionKind string

const (
	// ConditionDuration completes the step after a fixed duration.
	ConditionDuration ConditionKind = "duration"

	// ConditionThreshold completes the step once a sensor reading
	// satisfies a comparison, with an optional timeout fallback.
	ConditionThreshold ConditionKind = "threshold"
)

// Condition is a step's completion condition.
type Condition struct {
	// Kind selects between a fixed duration and a sensor threshold.
	Kind ConditionKind `json:"kind"`

	// Duration is the fixed wait for duration conditions.
	Duration quantity.Quantity `json:"duration,omitzero"`

	// SensorID names the sensor polled by threshold conditions.
	SensorID string `json:"sensor_id,omitempty"`

	// Operator compares the sensor reading against Threshold.
	Operator quantity.Operator `json:"operator,omitempty"`

	// Threshold is the quantity the reading is compared against.
	Threshold quantity.Quantity `json:"threshold,omitzero"`

	// Timeout bounds how long a threshold condition may poll before
	// the run fails with a timeout fault. Nil means no bound.
	Timeout *quantity.Quantity `json:"timeout,omitempty"`
}

// Step is one instruction within a program.
type Step struct {
	// DeviceID is the target device. Empty for bare wait steps.
	DeviceID string `json:"device_id,omitempty"`

	// Action is what to do to the target device.
	Action ActionKind `json:"action"`

	// Target is the actuation target for actuate steps.
	Target quantity.Quantity `json:"target,omitzero"`

	// Position optionally names a valve position ("open", "closed",
	// "shut") instead of a raw angle target. Resolved into Target at
	// validation time.
	Position device.ValvePosition `json:"position,omitempty"`

	// Condition decides when the step is complete.
	Condition Condition `json:"condition"`
}

// Program is an immutable named sequence of steps.
type Program struct {
	// ID is the unique program identifier, assigned at creation.
	ID string `json:"id"`

	// Name is the human-readable program name.
	Name string `json:"name"`

	// Steps is the ordered step sequence. Never mutated after
	// acceptance.
	Steps []Step `json:"steps"`

	// CreatedAt is when the program was accepted.
	CreatedAt time.Time `json:"created_at"`
}

// DeviceLookup resolves device ids at validation time. The registry
// implements this.
type DeviceLookup interface {
	Device(id string) (*device.Device, bool)
}

// New validates the steps against the known devices and, on success,
// returns a program with a fresh id. Valve position names are resolved
// into angle targets so the engine only ever sees quantities. The input
// slice is copied; callers cannot mutate an accepted program.
func New(name string, steps []Step, devices DeviceLookup) (*Program, error) {
	if name == "" {
		return nil, &ValidationError{Step: -1, Msg: "program name must not be empty"}
	}
	if len(steps) == 0 {
		return nil, &ValidationError{Step: -1, Msg: "program must have at least one step"}
	}

	validated := make([]Step, len(steps))
	for i, step := range steps {
		s, err := validateStep(i, step, devices)
		if err != nil {
			return nil, err
		}
		validated[i] = s
	}

	return &Program{
		ID:        uuid.New().String(),
		Name:      name,
		Steps:     validated,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Devices returns the ids of every device the program touches: step
// targets and threshold sensors, deduplicated in first-use order. The
// engine leases exactly this set before a run leaves Pending.
func (p *Program) Devices() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, s := range p.Steps {
		add(s.DeviceID)
		if s.Condition.Kind == ConditionThreshold {
			add(s.Condition.SensorID)
		}
	}
	return ids
}

// Snapshot returns a deep copy of the program, suitable for embedding
// in a run so later program deletion cannot affect it.
func (p *Program) Snapshot() Program {
	cp := *p
	cp.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		if s.Condition.Timeout != nil {
			t := *s.Condition.Timeout
			s.Condition.Timeout = &t
		}
		cp.Steps[i] = s
	}
	return cp
}

func validateStep(i int, step Step, devices DeviceLookup) (Step, error) {
	switch step.Action {
	case ActionActuate:
		if err := validateActuation(i, &step, devices); err != nil {
			return Step{}, err
		}
	case ActionWait:
		if step.DeviceID != "" {
			if _, ok := devices.Device(step.DeviceID); !ok {
				return Step{}, &ValidationError{Step: i, Msg: fmt.Sprintf("unknown device %q", step.DeviceID)}
			}
		}
	default:
		return Step{}, &ValidationError{Step: i, Msg: fmt.Sprintf("unknown action %q", step.Action)}
	}

	if err := validateCondition(i, step.Condition, devices); err != nil {
		return Step{}, err
	}
	return step, nil
}

func validateActuation(i int, step *Step, devices DeviceLookup) error {
	if step.DeviceID == "" {
		return &ValidationError{Step: i, Msg: "actuate step must name a device"}
	}
	dev, ok := devices.Device(step.DeviceID)
	if !ok {
		return &ValidationError{Step: i, Msg: fmt.Sprintf("unknown device %q", step.DeviceID)}
	}
	if !dev.Capability.IsActuator() {
		return &ValidationError{Step: i, Msg: fmt.Sprintf("device %q (%s) cannot be actuated", dev.ID, dev.Capability)}
	}

	if step.Position != "" {
		if dev.Capability != device.CapabilityValve {
			return &ValidationError{Step: i, Msg: fmt.Sprintf("position %q given for non-valve device %q", step.Position, dev.ID)}
		}
		angle, err := step.Position.Angle()
		if err != nil {
			return &ValidationError{Step: i, Msg: err.Error()}
		}
		step.Target = angle
		return nil
	}

	if !dev.Capability.AcceptsActuation(step.Target.Dimension()) {
		return &ValidationError{
			Step: i,
			Msg: fmt.Sprintf("device %q (%s) does not accept a %s target",
				dev.ID, dev.Capability, step.Target.Dimension()),
		}
	}
	return nil
}

func validateCondition(i int, c Condition, devices DeviceLookup) error {
	switch c.Kind {
	case ConditionDuration:
		if c.Duration.Dimension() != quantity.Time {
			return &ValidationError{Step: i, Msg: fmt.Sprintf("duration condition carries a %s quantity", c.Duration.Dimension())}
		}
		if c.Duration.Canonical() < 0 {
			return &ValidationError{Step: i, Msg: "duration must not be negative"}
		}
	case ConditionThreshold:
		if c.SensorID == "" {
			return &ValidationError{Step: i, Msg: "threshold condition must name a sensor"}
		}
		dev, ok := devices.Device(c.SensorID)
		if !ok {
			return &ValidationError{Step: i, Msg: fmt.Sprintf("unknown device %q", c.SensorID)}
		}
		if dev.Capability != device.CapabilitySensor {
			return &ValidationError{Step: i, Msg: fmt.Sprintf("device %q (%s) is not a sensor", dev.ID, dev.Capability)}
		}
		if err := c.Operator.Validate(); err != nil {
			return &ValidationError{Step: i, Msg: err.Error()}
		}
		if c.Threshold.Dimension() != dev.ReadsDimension {
			return &ValidationError{
				Step: i,
				Msg: fmt.Sprintf("threshold is %s but sensor %q reads %s",
					c.Threshold.Dimension(), dev.ID, dev.ReadsDimension),
			}
		}
		if c.Timeout != nil {
			if c.Timeout.Dimension() != quantity.Time {
				return &ValidationError{Step: i, Msg: fmt.Sprintf("timeout carries a %s quantity", c.Timeout.Dimension())}
			}
			if c.Timeout.Canonical() < 0 {
				return &ValidationError{Step: i, Msg: "timeout must not be negative"}
			}
		}
	default:
		return &ValidationError{Step: i, Msg: fmt.Sprintf("unknown condition kind %q", c.Kind)}
	}
	return nil
}

// ValidationError rejects a program at creation time. Step is the
// zero-based index of the offending step, or -1 for program-level
// problems.
type ValidationError struct {
	Step int
	Msg  string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Step < 0 {
		return "invalid program: " + e.Msg
	}
	return fmt.Sprintf("invalid program: step %d: %s", e.Step, e.Msg)
}
