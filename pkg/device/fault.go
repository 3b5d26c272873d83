package device

import (
	"errors"
	"fmt"
)

// FaultCode classifies a transport-level device failure.
type FaultCode string

const (
	// FaultIO indicates a low-level I/O failure talking to the device.
	FaultIO FaultCode = "io_error"

	// FaultNotReady indicates the device exists but cannot currently
	// service the request.
	FaultNotReady FaultCode = "not_ready"

	// FaultOutOfRange indicates a target or reading outside the
	// device's physical range.
	FaultOutOfRange FaultCode = "out_of_range"

	// FaultUnsupported indicates an operation the device's capability
	// does not support.
	FaultUnsupported FaultCode = "unsupported"
)

// Fault is a transport-level device failure. Faults are always reported
// upward and never silently retried by the device layer.
type Fault struct {
	// Code classifies the failure.
	Code FaultCode

	// DeviceID is the device that raised the fault.
	DeviceID string

	// Op is the operation that failed ("actuate", "read").
	Op string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("device %s: %s fault during %s: %v", f.DeviceID, f.Code, f.Op, f.Err)
	}
	return fmt.Sprintf("device %s: %s fault during %s", f.DeviceID, f.Code, f.Op)
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error { return f.Err }

// NewFault constructs a fault for the given device and operation.
func NewFault(code FaultCode, deviceID, op string, err error) *Fault {
	return &Fault{Code: code, DeviceID: deviceID, Op: op, Err: err}
}

// AsFault extracts a *Fault from an error chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsFault reports whether the error chain contains a device fault.
func IsFault(err error) bool {
	_, ok := AsFault(err)
	return ok
}
