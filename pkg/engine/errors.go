// Package engine implements the run-execution engine of the deoxy
// controller: the asynchronous state machine that drives physical
// devices according to a program, enforces device exclusivity through
// leases, evaluates step-completion conditions and reports progress.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aehmlo/deoxy/pkg/device"
)

// FaultClass classifies an engine failure for reporting and for the
// caller's retry policy. The engine itself never retries; a failed run
// is re-issued as a new run if the operator chooses to.
type FaultClass string

const (
	// FaultClassValidation rejects a malformed request synchronously.
	FaultClassValidation FaultClass = "validation"

	// FaultClassNotFound reports an unknown identifier.
	FaultClassNotFound FaultClass = "not_found"

	// FaultClassDevice wraps a transport-level device fault.
	FaultClassDevice FaultClass = "device"

	// FaultClassBusy reports lease contention on a device.
	FaultClassBusy FaultClass = "busy"

	// FaultClassTimeout reports a sensor-threshold condition unmet
	// within its bound.
	FaultClassTimeout FaultClass = "timeout"

	// FaultClassCancelled marks work interrupted by an explicit cancel
	// request.
	FaultClassCancelled FaultClass = "cancelled"

	// FaultClassInternal covers unexpected engine failures.
	FaultClassInternal FaultClass = "internal"
)

// Fault is a classified engine error with enough context to diagnose a
// failed run without hardware inspection: which step, which device,
// what was being waited on.
type Fault struct {
	// Class is the failure classification.
	Class FaultClass `json:"class"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// DeviceID is the device involved, if any.
	DeviceID string `json:"device_id,omitempty"`

	// Step is the zero-based step index the fault occurred at, or -1
	// when the fault is not tied to a step.
	Step int `json:"step"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (f *Fault) Error() string {
	msg := fmt.Sprintf("[%s] %s", f.Class, f.Message)
	if f.DeviceID != "" {
		msg += fmt.Sprintf(" (device=%s)", f.DeviceID)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error { return f.Err }

// Is matches faults by class, so errors.Is can test against a bare
// class sentinel.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Class == t.Class
}

// NewFault constructs a fault that is not tied to a step.
func NewFault(class FaultClass, message string, err error) *Fault {
	return &Fault{Class: class, Message: message, Step: -1, Err: err}
}

// WithDevice attaches the device involved.
func (f *Fault) WithDevice(deviceID string) *Fault {
	f.DeviceID = deviceID
	return f
}

// WithStep attaches the step index.
func (f *Fault) WithStep(step int) *Fault {
	f.Step = step
	return f
}

// NewNotFound reports an unknown identifier of the given kind
// ("device", "program", "run").
func NewNotFound(kind, id string) *Fault {
	return NewFault(FaultClassNotFound, fmt.Sprintf("%s %q not found", kind, id), nil)
}

// NewDeviceBusy reports lease contention: holder already owns the
// device the requester asked for.
func NewDeviceBusy(deviceID, holderRunID string) *Fault {
	f := NewFault(FaultClassBusy,
		fmt.Sprintf("device %q is leased to run %s", deviceID, holderRunID), nil)
	return f.WithDevice(deviceID)
}

// Classify converts an arbitrary error into a fault. Existing faults
// pass through unchanged; device faults map to FaultClassDevice with
// the device attached; context cancellation maps to FaultClassCancelled.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if df, ok := device.AsFault(err); ok {
		return NewFault(FaultClassDevice, fmt.Sprintf("%s fault during %s", df.Code, df.Op), err).
			WithDevice(df.DeviceID)
	}
	if errors.Is(err, context.Canceled) {
		return NewFault(FaultClassCancelled, "run cancelled", err)
	}
	return NewFault(FaultClassInternal, "unexpected engine failure", err)
}

// HasClass reports whether the error chain contains a fault of the
// given class.
func HasClass(err error, class FaultClass) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class == class
	}
	return false
}

// IsNotFound reports whether the error is an unknown-identifier fault.
func IsNotFound(err error) bool { return HasClass(err, FaultClassNotFound) }

// IsBusy reports whether the error is a lease-contention fault.
func IsBusy(err error) bool { return HasClass(err, FaultClassBusy) }

// IsValidation reports whether the error is a validation fault.
func IsValidation(err error) bool { return HasClass(err, FaultClassValidation) }
