package device

import (
	"context"
	"sync"

	"github.com/Aehmlo/deoxy/pkg/quantity"
)

// Stub is the software driver backend. It records actuations and serves
// scripted readings so engine behavior can be exercised deterministically
// without hardware.
//
// A stub with queued readings serves them in order and then repeats the
// final one indefinitely; a stub with no readings fails reads with a
// not-ready fault. All methods are safe for concurrent use.
type Stub struct {
	mu sync.Mutex

	id          string
	actuations  []quantity.Quantity
	readings    []quantity.Quantity
	readIdx     int
	actuateFail *Fault
	readFail    *Fault
}

// NewStub creates a stub driver for the named device.
func NewStub(id string) *Stub {
	return &Stub{id: id}
}

// QueueReadings appends scripted readings. The final queued reading
// repeats once the script is exhausted.
func (s *Stub) QueueReadings(readings ...quantity.Quantity) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, readings...)
	return s
}

// FailActuate makes every subsequent actuation fail with the given code.
func (s *Stub) FailActuate(code FaultCode) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actuateFail = NewFault(code, s.id, "actuate", nil)
	return s
}

// FailRead makes every subsequent read fail with the given code.
func (s *Stub) FailRead(code FaultCode) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readFail = NewFault(code, s.id, "read", nil)
	return s
}

// Actuate implements Driver, recording the target.
func (s *Stub) Actuate(_ context.Context, target quantity.Quantity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actuateFail != nil {
		return s.actuateFail
	}
	s.actuations = append(s.actuations, target)
	return nil
}

// Read implements Driver, serving the next scripted reading.
func (s *Stub) Read(_ context.Context) (quantity.Quantity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readFail != nil {
		return quantity.Quantity{}, s.readFail
	}
	if len(s.readings) == 0 {
		return quantity.Quantity{}, NewFault(FaultNotReady, s.id, "read", nil)
	}
	reading := s.readings[s.readIdx]
	if s.readIdx < len(s.readings)-1 {
		s.readIdx++
	}
	return reading, nil
}

// Actuations returns a copy of every target actuated so far.
func (s *Stub) Actuations() []quantity.Quantity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]quantity.Quantity, len(s.actuations))
	copy(out, s.actuations)
	return out
}
