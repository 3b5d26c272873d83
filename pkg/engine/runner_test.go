package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Aehmlo/deoxy/pkg/device"
	"github.com/Aehmlo/deoxy/pkg/program"
	"github.com/Aehmlo/deoxy/pkg/quantity"
)

// memRegistry is a minimal in-memory Registry for exercising the
// runner without pkg/registry.
type memRegistry struct {
	mu       sync.Mutex
	devices  map[string]*device.Device
	programs map[string]*program.Program
	runs     map[string]*Run
	leases   map[string]string
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		devices:  make(map[string]*device.Device),
		programs: make(map[string]*program.Program),
		runs:     make(map[string]*Run),
		leases:   make(map[string]string),
	}
}

func (m *memRegistry) Device(id string) (*device.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	return d, ok
}

func (m *memRegistry) Program(id string) (*program.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.programs[id]
	if !ok {
		return nil, NewNotFound("program", id)
	}
	return p, nil
}

func (m *memRegistry) AcquireLeases(runID string, deviceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range deviceIDs {
		if holder, held := m.leases[id]; held && holder != runID {
			return NewDeviceBusy(id, holder)
		}
	}
	for _, id := range deviceIDs {
		m.leases[id] = runID
	}
	return nil
}

func (m *memRegistry) ReleaseLeases(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, holder := range m.leases {
		if holder == runID {
			delete(m.leases, id)
		}
	}
}

func (m *memRegistry) SaveRun(run *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Snapshot()
}

func (m *memRegistry) Run(id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, NewNotFound("run", id)
	}
	return r.Snapshot(), nil
}

func (m *memRegistry) leaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// recordingHistory captures terminal runs handed to History.
type recordingHistory struct {
	mu   sync.Mutex
	runs []*Run
}

func (h *recordingHistory) RecordRun(_ context.Context, run *Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	return nil
}

func (h *recordingHistory) recorded() []*Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Run(nil), h.runs...)
}

// rig wires a registry with a stub valve, pump and pressure sensor.
type rig struct {
	registry *memRegistry
	valve    *device.Stub
	pump     *device.Stub
	sensor   *device.Stub
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		registry: newMemRegistry(),
		valve:    device.NewStub("valve-1"),
		pump:     device.NewStub("pump-1"),
		sensor:   device.NewStub("sensor-1"),
	}
	add := func(id, name string, cap device.Capability, dim quantity.Dimension, drv device.Driver) {
		d, err := device.New(id, name, cap, dim, drv)
		if err != nil {
			t.Fatalf("device %s: %v", id, err)
		}
		r.registry.devices[id] = d
	}
	add("valve-1", "inlet valve", device.CapabilityValve, "", r.valve)
	add("pump-1", "buffer pump", device.CapabilityPump, "", r.pump)
	add("sensor-1", "line pressure", device.CapabilitySensor, quantity.Pressure, r.sensor)
	return r
}

func (r *rig) addProgram(t *testing.T, name string, steps []program.Step) *program.Program {
	t.Helper()
	p, err := program.New(name, steps, r.registry)
	if err != nil {
		t.Fatalf("program %s: %v", name, err)
	}
	r.registry.programs[p.ID] = p
	return p
}

func newTestRunner(reg Registry, history History) *Runner {
	return NewRunner(reg, Options{
		PollInterval: 5 * time.Millisecond,
		History:      history,
	})
}

// waitTerminal polls a run until it reaches a terminal status.
func waitTerminal(t *testing.T, runner *Runner, runID string) *Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := runner.Run(context.Background(), runID)
		if err != nil {
			t.Fatalf("fetch run: %v", err)
		}
		if run.Status.IsTerminal() {
			return run
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
	return nil
}

// waitStatus polls a run until it reaches the given status.
func waitStatus(t *testing.T, runner *Runner, runID string, want Status) *Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := runner.Run(context.Background(), runID)
		if err != nil {
			t.Fatalf("fetch run: %v", err)
		}
		if run.Status == want {
			return run
		}
		if run.Status.IsTerminal() {
			t.Fatalf("run %s reached %s while waiting for %s (fault: %v)", runID, run.Status, want, run.Fault)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func kPa(v float64) quantity.Quantity { return quantity.New(v, quantity.Kilopascals) }
func ms(v float64) quantity.Quantity  { return quantity.New(v, quantity.Milliseconds) }

func TestRunnerCompletesValveAndPumpProgram(t *testing.T) {
	rig := newRig(t)
	rig.sensor.QueueReadings(kPa(5), kPa(8), kPa(12))

	timeout := quantity.New(2, quantity.Seconds)
	prog := rig.addProgram(t, "buffer exchange", []program.Step{
		{
			DeviceID:  "valve-1",
			Action:    program.ActionActuate,
			Position:  device.ValveOpen,
			Condition: program.Condition{Kind: program.ConditionDuration, Duration: ms(20)},
		},
		{
			DeviceID: "pump-1",
			Action:   program.ActionActuate,
			Target:   quantity.New(5, quantity.MillilitersPerMinute),
			Condition: program.Condition{
				Kind:      program.ConditionThreshold,
				SensorID:  "sensor-1",
				Operator:  quantity.OpGreaterEqual,
				Threshold: kPa(10),
				Timeout:   &timeout,
			},
		},
	})

	history := &recordingHistory{}
	runner := newTestRunner(rig.registry, history)

	run, err := runner.Start(context.Background(), prog.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != StatusPending {
		t.Fatalf("initial status = %s, want %s", run.Status, StatusPending)
	}

	final := waitTerminal(t, runner, run.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (fault: %v), want %s", final.Status, final.Fault, StatusCompleted)
	}
	if len(final.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(final.Results))
	}

	// The valve position name resolves to an angle actuation.
	valveTargets := rig.valve.Actuations()
	if len(valveTargets) != 1 {
		t.Fatalf("valve actuations = %d, want 1", len(valveTargets))
	}
	if got := valveTargets[0].Canonical(); got != 0 {
		t.Errorf("valve target = %v deg, want 0", got)
	}
	if len(rig.pump.Actuations()) != 1 {
		t.Errorf("pump actuations = %d, want 1", len(rig.pump.Actuations()))
	}

	second := final.Results[1]
	if second.FinalReading == nil {
		t.Fatal("second step recorded no final reading")
	}
	if got, err := second.FinalReading.Value(quantity.Kilopascals); err != nil || got != 12 {
		t.Errorf("final reading = %v kPa (err %v), want 12", got, err)
	}
	if second.Polls != 3 {
		t.Errorf("polls = %d, want 3", second.Polls)
	}
	if second.Fault != nil {
		t.Errorf("second step fault = %v, want nil", second.Fault)
	}

	if rig.registry.leaseCount() != 0 {
		t.Errorf("leases held after completion = %d, want 0", rig.registry.leaseCount())
	}
	if recorded := history.recorded(); len(recorded) != 1 || recorded[0].ID != run.ID {
		t.Errorf("history recorded %d runs, want the completed run once", len(recorded))
	}
}

func TestRunnerFailsOnThresholdTimeout(t *testing.T) {
	rig := newRig(t)
	rig.sensor.QueueReadings(kPa(5)) // repeats forever, never reaches 10

	timeout := ms(40)
	prog := rig.addProgram(t, "stalled exchange", []program.Step{
		{
			DeviceID:  "valve-1",
			Action:    program.ActionActuate,
			Position:  device.ValveOpen,
			Condition: program.Condition{Kind: program.ConditionDuration, Duration: ms(5)},
		},
		{
			DeviceID: "pump-1",
			Action:   program.ActionActuate,
			Target:   quantity.New(1, quantity.MillilitersPerSecond),
			Condition: program.Condition{
				Kind:      program.ConditionThreshold,
				SensorID:  "sensor-1",
				Operator:  quantity.OpGreaterEqual,
				Threshold: kPa(10),
				Timeout:   &timeout,
			},
		},
	})

	runner := newTestRunner(rig.registry, nil)
	run, err := runner.Start(context.Background(), prog.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitTerminal(t, runner, run.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", final.Status, StatusFailed)
	}
	if final.Fault == nil || final.Fault.Class != FaultClassTimeout {
		t.Fatalf("fault = %v, want class %s", final.Fault, FaultClassTimeout)
	}
	if final.Fault.Step != 1 {
		t.Errorf("fault step = %d, want 1", final.Fault.Step)
	}
	if final.Fault.DeviceID != "sensor-1" {
		t.Errorf("fault device = %q, want sensor-1", final.Fault.DeviceID)
	}

	// Both steps appear in the log: the completed first step and the
	// faulted second.
	if len(final.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(final.Results))
	}
	if final.Results[0].Fault != nil {
		t.Errorf("first step fault = %v, want nil", final.Results[0].Fault)
	}
	if final.Results[1].Fault == nil || final.Results[1].Fault.Class != FaultClassTimeout {
		t.Errorf("second step fault = %v, want timeout", final.Results[1].Fault)
	}
	if final.Results[1].Polls == 0 {
		t.Error("second step recorded zero polls")
	}

	if rig.registry.leaseCount() != 0 {
		t.Errorf("leases held after failure = %d, want 0", rig.registry.leaseCount())
	}
}

func TestRunnerRejectsContendedDevices(t *testing.T) {
	rig := newRig(t)

	long := rig.addProgram(t, "long flush", []program.Step{{
		DeviceID:  "pump-1",
		Action:    program.ActionActuate,
		Target:    quantity.New(1, quantity.MillilitersPerSecond),
		Condition: program.Condition{Kind: program.ConditionDuration, Duration: quantity.New(10, quantity.Seconds)},
	}})
	contender := rig.addProgram(t, "contender", []program.Step{{
		DeviceID:  "pump-1",
		Action:    program.ActionActuate,
		Target:    quantity.New(2, quantity.MillilitersPerSecond),
		Condition: program.Condition{Kind: program.ConditionDuration, Duration: ms(5)},
	}})

	runner := newTestRunner(rig.registry, nil)

	first, err := runner.Start(context.Background(), long.ID)
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	waitStatus(t, runner, first.ID, StatusRunning)

	second, err := runner.Start(context.Background(), contender.ID)
	if err != nil {
		t.Fatalf("start second: %v", err)
	}

	final := waitTerminal(t, runner, second.ID)
	if final.Status != StatusFailed {
		t.Fatalf("contender status = %s, want %s", final.Status, StatusFailed)
	}
	if !IsBusy(final.Fault) {
		t.Fatalf("contender fault = %v, want busy", final.Fault)
	}
	if final.Fault.DeviceID != "pump-1" {
		t.Errorf("fault device = %q, want pump-1", final.Fault.DeviceID)
	}
	// The contender never left Pending into Running: no step executed,
	// no start time recorded.
	if len(final.Results) != 0 {
		t.Errorf("contender results = %d, want 0", len(final.Results))
	}
	if final.StartedAt != nil {
		t.Error("contender has a start time despite never running")
	}
	if len(rig.pump.Actuations()) != 1 {
		t.Errorf("pump actuated %d times, want 1 (first run only)", len(rig.pump.Actuations()))
	}

	if err := runner.Cancel(context.Background(), first.ID); err != nil {
		t.Fatalf("cancel first: %v", err)
	}
}

func TestRunnerCancelDuringTimedWait(t *testing.T) {
	rig := newRig(t)
	prog := rig.addProgram(t, "slow soak", []program.Step{
		{
			DeviceID:  "valve-1",
			Action:    program.ActionActuate,
			Position:  device.ValveOpen,
			Condition: program.Condition{Kind: program.ConditionDuration, Duration: ms(5)},
		},
		{
			Action:    program.ActionWait,
			Condition: program.Condition{Kind: program.ConditionDuration, Duration: quantity.New(10, quantity.Seconds)},
		},
	})

	runner := newTestRunner(rig.registry, nil)
	run, err := runner.Start(context.Background(), prog.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, runner, run.ID, StatusRunning)

	// Let the run settle into the long second step.
	time.Sleep(20 * time.Millisecond)

	if err := runner.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Cancel blocks until the run unwound, so the terminal snapshot and
	// the released leases are observable immediately.
	final, err := runner.Run(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("fetch run: %v", err)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", final.Status, StatusCancelled)
	}
	if rig.registry.leaseCount() != 0 {
		t.Errorf("leases held after cancel = %d, want 0", rig.registry.leaseCount())
	}

	// The interrupted step is marked in the log.
	if len(final.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(final.Results))
	}
	last := final.Results[1]
	if last.Fault == nil || last.Fault.Class != FaultClassCancelled {
		t.Errorf("interrupted step fault = %v, want cancelled", last.Fault)
	}

	// Cancelling a terminal run is a validation fault.
	err = runner.Cancel(context.Background(), run.ID)
	if !IsValidation(err) {
		t.Errorf("second cancel = %v, want validation fault", err)
	}
}

func TestRunnerZeroTimeoutThreshold(t *testing.T) {
	tests := []struct {
		name       string
		reading    quantity.Quantity
		wantStatus Status
	}{
		{"already satisfied", kPa(15), StatusCompleted},
		{"unsatisfied", kPa(5), StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newRig(t)
			rig.sensor.QueueReadings(tt.reading)

			zero := quantity.New(0, quantity.Seconds)
			prog := rig.addProgram(t, "spot check", []program.Step{{
				Action: program.ActionWait,
				Condition: program.Condition{
					Kind:      program.ConditionThreshold,
					SensorID:  "sensor-1",
					Operator:  quantity.OpGreaterEqual,
					Threshold: kPa(10),
					Timeout:   &zero,
				},
			}})

			runner := newTestRunner(rig.registry, nil)
			run, err := runner.Start(context.Background(), prog.ID)
			if err != nil {
				t.Fatalf("start: %v", err)
			}

			final := waitTerminal(t, runner, run.ID)
			if final.Status != tt.wantStatus {
				t.Fatalf("status = %s (fault: %v), want %s", final.Status, final.Fault, tt.wantStatus)
			}
			if final.Results[0].Polls != 1 {
				t.Errorf("polls = %d, want exactly 1", final.Results[0].Polls)
			}
			if tt.wantStatus == StatusFailed && final.Fault.Class != FaultClassTimeout {
				t.Errorf("fault class = %s, want %s", final.Fault.Class, FaultClassTimeout)
			}
		})
	}
}

func TestRunnerDurationIsLowerBound(t *testing.T) {
	rig := newRig(t)
	prog := rig.addProgram(t, "timed soak", []program.Step{{
		Action:    program.ActionWait,
		Condition: program.Condition{Kind: program.ConditionDuration, Duration: ms(60)},
	}})

	runner := newTestRunner(rig.registry, nil)
	run, err := runner.Start(context.Background(), prog.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitTerminal(t, runner, run.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", final.Status, StatusCompleted)
	}
	if final.Results[0].Elapsed < 60*time.Millisecond {
		t.Errorf("step elapsed = %v, want >= 60ms", final.Results[0].Elapsed)
	}
	if final.Duration < 60*time.Millisecond {
		t.Errorf("run duration = %v, want >= 60ms", final.Duration)
	}
}

func TestRunnerDeviceFaultFailsRun(t *testing.T) {
	rig := newRig(t)
	rig.pump.FailActuate(device.FaultIO)

	prog := rig.addProgram(t, "faulty pump", []program.Step{{
		DeviceID:  "pump-1",
		Action:    program.ActionActuate,
		Target:    quantity.New(1, quantity.MillilitersPerSecond),
		Condition: program.Condition{Kind: program.ConditionDuration, Duration: ms(5)},
	}})

	runner := newTestRunner(rig.registry, nil)
	run, err := runner.Start(context.Background(), prog.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitTerminal(t, runner, run.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", final.Status, StatusFailed)
	}
	if final.Fault == nil || final.Fault.Class != FaultClassDevice {
		t.Fatalf("fault = %v, want class %s", final.Fault, FaultClassDevice)
	}
	if final.Fault.Step != 0 {
		t.Errorf("fault step = %d, want 0", final.Fault.Step)
	}
	if len(final.Results) != 1 || final.Results[0].Fault == nil {
		t.Errorf("results = %+v, want one faulted entry", final.Results)
	}
	if rig.registry.leaseCount() != 0 {
		t.Errorf("leases held after fault = %d, want 0", rig.registry.leaseCount())
	}
}

func TestRunnerStartUnknownProgram(t *testing.T) {
	runner := newTestRunner(newMemRegistry(), nil)
	_, err := runner.Start(context.Background(), "no-such-program")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want not_found fault", err)
	}
}

func TestRunnerCancelUnknownRun(t *testing.T) {
	runner := newTestRunner(newMemRegistry(), nil)
	err := runner.Cancel(context.Background(), "no-such-run")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want not_found fault", err)
	}
}

func TestRunnerConcurrentDisjointRuns(t *testing.T) {
	rig := newRig(t)
	rig.sensor.QueueReadings(kPa(12))

	pumpProg := rig.addProgram(t, "pump only", []program.Step{{
		DeviceID:  "pump-1",
		Action:    program.ActionActuate,
		Target:    quantity.New(1, quantity.MillilitersPerSecond),
		Condition: program.Condition{Kind: program.ConditionDuration, Duration: ms(30)},
	}})
	valveProg := rig.addProgram(t, "valve only", []program.Step{{
		DeviceID:  "valve-1",
		Action:    program.ActionActuate,
		Position:  device.ValveShut,
		Condition: program.Condition{Kind: program.ConditionDuration, Duration: ms(30)},
	}})

	runner := newTestRunner(rig.registry, nil)
	a, err := runner.Start(context.Background(), pumpProg.ID)
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	b, err := runner.Start(context.Background(), valveProg.ID)
	if err != nil {
		t.Fatalf("start b: %v", err)
	}

	finalA := waitTerminal(t, runner, a.ID)
	finalB := waitTerminal(t, runner, b.ID)
	if finalA.Status != StatusCompleted {
		t.Errorf("pump run = %s (fault: %v), want completed", finalA.Status, finalA.Fault)
	}
	if finalB.Status != StatusCompleted {
		t.Errorf("valve run = %s (fault: %v), want completed", finalB.Status, finalB.Fault)
	}
}

func TestStartReturnsIsolatedPendingSnapshot(t *testing.T) {
	rig := newRig(t)
	prog := rig.addProgram(t, "pump briefly", []program.Step{{
		DeviceID:  "pump-1",
		Action:    program.ActionActuate,
		Target:    quantity.New(1, quantity.MillilitersPerSecond),
		Condition: program.Condition{Kind: program.ConditionDuration, Duration: ms(30)},
	}})

	runner := newTestRunner(rig.registry, nil)
	snap, err := runner.Start(context.Background(), prog.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap.Status != StatusPending {
		t.Errorf("returned status = %s, want pending", snap.Status)
	}
	if snap.StartedAt != nil {
		t.Errorf("returned StartedAt = %v, want nil", snap.StartedAt)
	}
	if len(snap.Leases) != 0 {
		t.Errorf("returned leases = %v, want none", snap.Leases)
	}
	if len(snap.Results) != 0 {
		t.Errorf("returned results = %v, want none", snap.Results)
	}

	waitTerminal(t, runner, snap.ID)

	// The value Start handed back is a snapshot; the goroutine driving
	// the run must not be able to mutate it.
	if snap.Status != StatusPending {
		t.Errorf("snapshot status changed to %s after run finished", snap.Status)
	}
	if len(snap.Results) != 0 {
		t.Errorf("snapshot results grew to %d after run finished", len(snap.Results))
	}
}

func TestCancelBeforeStartLeavesDevicesUntouched(t *testing.T) {
	rig := newRig(t)
	prog := rig.addProgram(t, "pump briefly", []program.Step{{
		DeviceID:  "pump-1",
		Action:    program.ActionActuate,
		Target:    quantity.New(1, quantity.MillilitersPerSecond),
		Condition: program.Condition{Kind: program.ConditionDuration, Duration: ms(30)},
	}})

	runner := newTestRunner(rig.registry, nil)

	// Build the pending run by hand and feed execute a context that was
	// cancelled before it ever ran, so the pre-lease cancel branch is
	// taken deterministically instead of racing a real goroutine.
	run := &Run{
		ID:        "run-cancelled-pending",
		ProgramID: prog.ID,
		Program:   prog.Snapshot(),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	rig.registry.SaveRun(run)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entry := &activeRun{cancel: cancel, done: make(chan struct{})}
	runner.execute(ctx, run, entry)

	final, err := runner.Run(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("run lookup: %v", err)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if final.Fault == nil || final.Fault.Class != FaultClassCancelled {
		t.Errorf("fault = %v, want class cancelled", final.Fault)
	}
	if final.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil for a run that never started", final.StartedAt)
	}
	if len(final.Results) != 0 {
		t.Errorf("results = %v, want empty", final.Results)
	}
	if got := rig.registry.leaseCount(); got != 0 {
		t.Errorf("lease count = %d, want 0", got)
	}
	if got := rig.pump.Actuations(); len(got) != 0 {
		t.Errorf("pump actuated %d times, want 0", len(got))
	}
	select {
	case <-entry.done:
	default:
		t.Error("done channel not closed after execute returned")
	}
}
