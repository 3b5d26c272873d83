// Package registry holds the controller's in-memory state: the device
// handles built at startup, accepted programs, run snapshots and the
// device lease table.
//
// The registry is the single synchronization point between the HTTP
// surface and the run engine. Devices are registered once during
// startup and never removed while the process lives; programs are
// immutable once accepted and deletable only while no active run
// references them; run snapshots are replaced whole on every save.
package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Aehmlo/deoxy/pkg/device"
	"github.com/Aehmlo/deoxy/pkg/engine"
	"github.com/Aehmlo/deoxy/pkg/program"
)

// Registry is the in-memory implementation of the engine's state
// interfaces. It also serves as the device lookup for program
// validation.
type Registry struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	devices  map[string]*device.Device
	order    []string
	programs map[string]*program.Program
	runs     map[string]*engine.Run
	leases   map[string]string
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger.With().Str("component", "registry").Logger(),
		devices:  make(map[string]*device.Device),
		programs: make(map[string]*program.Program),
		runs:     make(map[string]*engine.Run),
		leases:   make(map[string]string),
	}
}

// AddDevice registers a device handle. Duplicate ids are a validation
// fault; the device set is fixed at startup and collisions indicate a
// bad configuration.
func (r *Registry) AddDevice(dev *device.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[dev.ID]; exists {
		return engine.NewFault(engine.FaultClassValidation,
			"duplicate device id "+dev.ID, nil).WithDevice(dev.ID)
	}
	r.devices[dev.ID] = dev
	r.order = append(r.order, dev.ID)
	r.logger.Info().
		Str("device_id", dev.ID).
		Str("capability", string(dev.Capability)).
		Msg("device registered")
	return nil
}

// Device resolves a registered device handle.
func (r *Registry) Device(id string) (*device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Devices returns every registered device in registration order.
func (r *Registry) Devices() []*device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*device.Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

// AddProgram stores an accepted program.
func (r *Registry) AddProgram(p *program.Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[p.ID] = p
	r.logger.Info().
		Str("program_id", p.ID).
		Str("program", p.Name).
		Int("steps", len(p.Steps)).
		Msg("program registered")
}

// Program retrieves a stored program.
func (r *Registry) Program(id string) (*program.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[id]
	if !ok {
		return nil, engine.NewNotFound("program", id)
	}
	return p, nil
}

// Programs returns every stored program, sorted by creation time then
// id for a stable listing.
func (r *Registry) Programs() []*program.Program {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*program.Program, 0, len(r.programs))
	for _, p := range r.programs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeleteProgram removes a stored program. Deletion is refused while any
// pending or running run references the program; terminal runs keep
// their own snapshot and do not block deletion.
func (r *Registry) DeleteProgram(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs[id]; !ok {
		return engine.NewNotFound("program", id)
	}
	for _, run := range r.runs {
		if run.ProgramID == id && run.Status.IsActive() {
			return engine.NewFault(engine.FaultClassBusy,
				"program "+id+" is referenced by active run "+run.ID, nil)
		}
	}
	delete(r.programs, id)
	r.logger.Info().Str("program_id", id).Msg("program deleted")
	return nil
}

// AcquireLeases atomically leases every listed device to the run. If
// any device is already leased to another run, nothing is leased and a
// busy fault naming the contended device is returned.
func (r *Registry) AcquireLeases(runID string, deviceIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range deviceIDs {
		if holder, held := r.leases[id]; held && holder != runID {
			return engine.NewDeviceBusy(id, holder)
		}
	}
	for _, id := range deviceIDs {
		r.leases[id] = runID
	}
	return nil
}

// ReleaseLeases releases every lease the run holds.
func (r *Registry) ReleaseLeases(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, holder := range r.leases {
		if holder == runID {
			delete(r.leases, id)
		}
	}
}

// LeaseHolder reports which run currently leases the device, if any.
func (r *Registry) LeaseHolder(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	holder, ok := r.leases[deviceID]
	return holder, ok
}

// SaveRun stores a snapshot of the run, replacing any previous snapshot
// with the same id.
func (r *Registry) SaveRun(run *engine.Run) {
	snap := run.Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = snap
}

// Run retrieves the latest stored snapshot of a run.
func (r *Registry) Run(id string) (*engine.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, engine.NewNotFound("run", id)
	}
	return run.Snapshot(), nil
}

// Runs returns a snapshot of every known run, newest first.
func (r *Registry) Runs() []*engine.Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engine.Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
