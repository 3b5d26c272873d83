package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Aehmlo/deoxy/pkg/program"
	"github.com/Aehmlo/deoxy/pkg/quantity"
	"github.com/Aehmlo/deoxy/pkg/telemetry"
)

// DefaultPollInterval is the sensor poll cadence used when the runner
// is not configured with one. Chemistry-timescale protocols do not need
// sub-100ms reaction times.
const DefaultPollInterval = 250 * time.Millisecond

// Runner executes programs as runs. Each run executes its steps
// strictly in sequence on its own goroutine; runs over disjoint device
// sets proceed concurrently, and runs contending for a device serialize
// through the registry's lease table with the later request failing
// fast.
type Runner struct {
	registry Registry
	history  History
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	pollInterval time.Duration

	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun tracks a run whose goroutine has not yet finished.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a Runner. The zero value is usable: it polls at
// DefaultPollInterval, logs nowhere, records no metrics or history and
// emits no spans.
type Options struct {
	// PollInterval is the sensor-threshold poll cadence.
	PollInterval time.Duration

	// Logger receives structured execution logs.
	Logger zerolog.Logger

	// Metrics receives execution metrics. May be nil.
	Metrics *telemetry.Metrics

	// Tracer emits run and step spans. May be nil.
	Tracer trace.Tracer

	// History receives terminal runs for durable storage. May be nil.
	History History
}

// NewRunner creates a runner executing against the given registry.
func NewRunner(registry Registry, opts Options) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Runner{
		registry:     registry,
		history:      opts.History,
		logger:       opts.Logger.With().Str("component", "runner").Logger(),
		metrics:      opts.Metrics,
		tracer:       tracer,
		pollInterval: opts.PollInterval,
		active:       make(map[string]*activeRun),
	}
}

// Start creates a run for the program and begins executing it
// asynchronously. The returned snapshot is the run in its initial
// Pending state; callers observe progress through Run.
func (r *Runner) Start(_ context.Context, programID string) (*Run, error) {
	prog, err := r.registry.Program(programID)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.New().String(),
		ProgramID: prog.ID,
		Program:   prog.Snapshot(),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	r.registry.SaveRun(run)

	// Execution is detached from the caller's context: an HTTP request
	// finishing must not abort a run mid-protocol.
	execCtx, cancel := context.WithCancel(context.Background())
	entry := &activeRun{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.active[run.ID] = entry
	r.mu.Unlock()

	r.metrics.RunStarted()
	log := telemetry.WithProgramID(telemetry.WithRunID(r.logger, run.ID), prog.ID)
	log.Info().Str("program", prog.Name).Msg("run created")

	// Snapshot before handing the run to its goroutine: from the go
	// statement on, the goroutine owns the working copy.
	snapshot := run.Snapshot()
	go r.execute(execCtx, run, entry)

	return snapshot, nil
}

// Run returns the latest snapshot of a run.
func (r *Runner) Run(_ context.Context, runID string) (*Run, error) {
	return r.registry.Run(runID)
}

// Cancel requests cancellation of a pending or running run and blocks
// until the run has unwound and released every lease it held.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	snap, err := r.registry.Run(runID)
	if err != nil {
		return err
	}
	if snap.Status.IsTerminal() {
		return NewFault(FaultClassValidation,
			fmt.Sprintf("run %s is already %s", runID, snap.Status), nil)
	}

	r.mu.Lock()
	entry, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		// The goroutine finished between the snapshot and here.
		return nil
	}

	r.logger.Info().Str("run_id", runID).Msg("cancellation requested")
	entry.cancel()

	select {
	case <-entry.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute drives a run from Pending to a terminal state.
func (r *Runner) execute(ctx context.Context, run *Run, entry *activeRun) {
	defer func() {
		r.mu.Lock()
		delete(r.active, run.ID)
		r.mu.Unlock()
		close(entry.done)
	}()

	ctx, span := telemetry.StartRunSpan(ctx, r.tracer, run.ID, run.ProgramID)
	defer span.End()

	log := telemetry.WithRunID(r.logger, run.ID)

	// A cancel that lands before the devices are leased terminates the
	// run with no device interaction and an empty result log.
	if ctx.Err() != nil {
		run.Fault = NewFault(FaultClassCancelled, "cancelled before start", nil)
		r.finalize(run, StatusCancelled, log, span)
		return
	}

	// Lease every device the program touches before leaving Pending.
	// Contention fails the whole run up front; buffer-exchange
	// protocols assume exclusive device ownership for the run's
	// duration, so queuing would only hide a conflict.
	deviceIDs := run.Program.Devices()
	if err := r.registry.AcquireLeases(run.ID, deviceIDs); err != nil {
		run.Fault = Classify(err)
		log.Warn().Err(err).Msg("lease acquisition failed")
		r.finalize(run, StatusFailed, log, span)
		return
	}
	run.Leases = deviceIDs
	r.metrics.LeasesHeld(len(deviceIDs))

	now := time.Now().UTC()
	run.StartedAt = &now
	run.Status = StatusRunning
	r.registry.SaveRun(run)
	log.Info().Int("steps", len(run.Program.Steps)).Msg("run started")

	for i := range run.Program.Steps {
		step := run.Program.Steps[i]
		run.CurrentStep = i

		result, err := r.executeStep(ctx, run.ID, i, step, log)
		run.Results = append(run.Results, result)
		r.metrics.StepFinished(string(step.Action), result.Elapsed)

		if err != nil {
			fault := Classify(err)
			if fault.Class == FaultClassCancelled {
				run.Fault = fault
				r.finalize(run, StatusCancelled, log, span)
				return
			}
			run.Fault = fault
			r.finalize(run, StatusFailed, log, span)
			return
		}

		run.CurrentStep = i + 1
		r.registry.SaveRun(run)
	}

	r.finalize(run, StatusCompleted, log, span)
}

// finalize releases all leases, then moves the run into its terminal
// state. Leases are released first so a waiting caller that observes
// the terminal status can immediately lease the devices.
func (r *Runner) finalize(run *Run, status Status, log zerolog.Logger, span trace.Span) {
	span.SetAttributes(telemetry.AttrRunStatus.String(string(status)))
	if run.Fault != nil {
		span.SetAttributes(telemetry.AttrFaultClass.String(string(run.Fault.Class)))
		telemetry.RecordError(span, run.Fault)
	}

	r.registry.ReleaseLeases(run.ID)
	r.metrics.LeasesHeld(-len(run.Leases))
	run.Leases = nil

	now := time.Now().UTC()
	run.CompletedAt = &now
	if run.StartedAt != nil {
		run.Duration = now.Sub(*run.StartedAt)
	}
	run.Status = status
	r.registry.SaveRun(run)

	r.metrics.RunFinished(string(status), run.Duration)
	if run.Fault != nil {
		r.metrics.FaultRecorded(string(run.Fault.Class))
	}

	evt := log.Info()
	if status == StatusFailed {
		evt = log.Error().Err(run.Fault)
	}
	evt.Str("status", string(status)).
		Int("steps_recorded", len(run.Results)).
		Dur("duration", run.Duration).
		Msg("run finished")

	if r.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.history.RecordRun(ctx, run.Snapshot()); err != nil {
			log.Warn().Err(err).Msg("failed to record run history")
		}
	}
}

// executeStep runs one step: issue the action, then wait out the
// completion condition. The returned StepResult is appended to the run
// log whether the step succeeded, faulted or was interrupted.
func (r *Runner) executeStep(ctx context.Context, runID string, idx int, step program.Step, log zerolog.Logger) (StepResult, error) {
	ctx, span := telemetry.StartStepSpan(ctx, r.tracer, idx, step.DeviceID, string(step.Action))
	defer span.End()

	start := time.Now().UTC()
	result := StepResult{
		Index:     idx,
		DeviceID:  step.DeviceID,
		Action:    step.Action,
		StartedAt: start,
	}
	fail := func(err error) (StepResult, error) {
		fault := Classify(err).WithStep(idx)
		result.Fault = fault
		result.Elapsed = time.Since(start)
		telemetry.RecordError(span, fault)
		return result, fault
	}

	if step.Action == program.ActionActuate {
		dev, ok := r.registry.Device(step.DeviceID)
		if !ok {
			// Programs are validated against the registry at creation
			// and devices are never deleted while referenced.
			return fail(NewNotFound("device", step.DeviceID))
		}
		if err := dev.Actuate(ctx, step.Target); err != nil {
			return fail(err)
		}
		r.metrics.Actuation(dev.ID)
		devLog := telemetry.WithDeviceID(log, dev.ID)
		devLog.Debug().
			Int("step", idx).
			Stringer("target", step.Target).
			Msg("device actuated")
	}

	switch step.Condition.Kind {
	case program.ConditionDuration:
		if err := r.waitDuration(ctx, step.Condition.Duration); err != nil {
			return fail(err)
		}
	case program.ConditionThreshold:
		reading, polls, err := r.waitThreshold(ctx, runID, step.Condition, log)
		result.Polls = polls
		if reading != nil {
			result.FinalReading = reading
		}
		if err != nil {
			return fail(err)
		}
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// waitDuration suspends until the fixed duration elapses or the run is
// cancelled. The step never completes before the full duration.
func (r *Runner) waitDuration(ctx context.Context, d quantity.Quantity) error {
	wait, err := d.Duration()
	if err != nil {
		return err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return NewFault(FaultClassCancelled, "cancelled during timed wait", ctx.Err())
	}
}

// waitThreshold polls the condition's sensor until the comparison holds,
// the optional timeout elapses or the run is cancelled. It returns the
// last reading observed and the number of polls made.
func (r *Runner) waitThreshold(ctx context.Context, runID string, cond program.Condition, log zerolog.Logger) (*quantity.Quantity, int, error) {
	sensor, ok := r.registry.Device(cond.SensorID)
	if !ok {
		return nil, 0, NewNotFound("device", cond.SensorID)
	}

	var timeoutC <-chan time.Time
	if cond.Timeout != nil {
		d, err := cond.Timeout.Duration()
		if err != nil {
			return nil, 0, err
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeoutC = timer.C
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var lastReading *quantity.Quantity
	polls := 0

	poll := func() (bool, error) {
		reading, err := sensor.Read(ctx)
		if err != nil {
			return false, err
		}
		polls++
		lastReading = &reading
		r.metrics.SensorRead(sensor.ID)
		return cond.Operator.Apply(reading, cond.Threshold)
	}

	// Evaluate once up front so an already satisfied condition (or a
	// zero timeout) resolves without waiting for the first tick.
	done, err := poll()
	if err != nil {
		return lastReading, polls, err
	}
	if done {
		return lastReading, polls, nil
	}

	for {
		select {
		case <-ctx.Done():
			return lastReading, polls, NewFault(FaultClassCancelled, "cancelled while polling sensor", ctx.Err())
		case <-timeoutC:
			observed := "nothing"
			if lastReading != nil {
				observed = lastReading.String()
			}
			return lastReading, polls, NewFault(FaultClassTimeout,
				fmt.Sprintf("sensor %s never reached %s %s (last observed %s)",
					cond.SensorID, cond.Operator, cond.Threshold, observed), nil).
				WithDevice(cond.SensorID)
		case <-ticker.C:
			done, err := poll()
			if err != nil {
				return lastReading, polls, err
			}
			if done {
				log.Debug().
					Str("run_id", runID).
					Str("sensor_id", cond.SensorID).
					Int("polls", polls).
					Msg("threshold condition satisfied")
				return lastReading, polls, nil
			}
		}
	}
}
