package engine

import (
	"time"

	"github.com/Aehmlo/deoxy/pkg/program"
	"github.com/Aehmlo/deoxy/pkg/quantity"
)

// Run is one execution instance of a program. A run embeds a snapshot
// of the program it executes, so later program edits or deletion cannot
// retroactively affect it.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// ProgramID is the id of the program this run executes.
	ProgramID string `json:"program_id"`

	// Program is the immutable snapshot taken when the run was created.
	Program program.Program `json:"program"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// CurrentStep is the zero-based index of the step being executed,
	// or the step count once the run completed.
	CurrentStep int `json:"current_step"`

	// Results is the per-step outcome log. Its length never exceeds
	// the program's step count.
	Results []StepResult `json:"results"`

	// Leases lists the device ids this run holds leases on. Empty
	// once the run is terminal.
	Leases []string `json:"leases,omitempty"`

	// Fault describes why the run failed or where it was cancelled.
	// Nil for pending, running and completed runs.
	Fault *Fault `json:"fault,omitempty"`

	// CreatedAt is when the run was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the run left Pending, if it did.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the run reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total wall-clock execution time.
	Duration time.Duration `json:"duration"`
}

// Snapshot returns a deep copy of the run safe to hand to other
// goroutines while the engine keeps mutating its working copy.
func (r *Run) Snapshot() *Run {
	cp := *r
	cp.Program = r.Program.Snapshot()
	cp.Results = make([]StepResult, len(r.Results))
	copy(cp.Results, r.Results)
	if r.Leases != nil {
		cp.Leases = make([]string, len(r.Leases))
		copy(cp.Leases, r.Leases)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.Fault != nil {
		f := *r.Fault
		cp.Fault = &f
	}
	return &cp
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	// Index is the zero-based step index.
	Index int `json:"index"`

	// DeviceID is the step's target device, if any.
	DeviceID string `json:"device_id,omitempty"`

	// Action is what the step did.
	Action program.ActionKind `json:"action"`

	// StartedAt is when the step began executing.
	StartedAt time.Time `json:"started_at"`

	// Elapsed is how long the step took until it completed, faulted
	// or was interrupted.
	Elapsed time.Duration `json:"elapsed"`

	// FinalReading is the last sensor reading observed by a threshold
	// condition, if any.
	FinalReading *quantity.Quantity `json:"final_reading,omitempty"`

	// Polls is the number of sensor reads a threshold condition made.
	Polls int `json:"polls,omitempty"`

	// Fault is set when the step failed or the run was cancelled
	// during it.
	Fault *Fault `json:"fault,omitempty"`
}
