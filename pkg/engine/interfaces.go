package engine

import (
	"context"

	"github.com/Aehmlo/deoxy/pkg/device"
	"github.com/Aehmlo/deoxy/pkg/program"
)

// Registry is the process-wide state the engine executes against:
// device handles, stored programs, run snapshots and the authoritative
// lease table. pkg/registry provides the in-memory implementation.
//
// The lease table is keyed by device id and a run holds leases only as
// id tokens, so neither side keeps a live back-reference to the other.
type Registry interface {
	// Device resolves a registered device handle.
	Device(id string) (*device.Device, bool)

	// Program retrieves a stored program. Returns a not_found fault
	// for unknown ids.
	Program(id string) (*program.Program, error)

	// AcquireLeases atomically leases every listed device to the run.
	// On contention nothing is leased and a busy fault naming the
	// contended device is returned.
	AcquireLeases(runID string, deviceIDs []string) error

	// ReleaseLeases releases every lease the run holds.
	ReleaseLeases(runID string)

	// SaveRun stores a snapshot of the run, replacing any previous
	// snapshot with the same id.
	SaveRun(run *Run)

	// Run retrieves the latest stored snapshot of a run. Returns a
	// not_found fault for unknown ids.
	Run(id string) (*Run, error)
}

// History receives terminal runs for durable storage. The engine calls
// it after a run reaches a terminal state; failures are logged, never
// propagated into the run result. pkg/stores provides the sqlite
// implementation.
type History interface {
	// RecordRun persists a terminal run and its step log.
	RecordRun(ctx context.Context, run *Run) error
}
