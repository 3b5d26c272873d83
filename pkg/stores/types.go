package stores

import (
	"time"
)

// RunRecord is a terminal run as persisted to the history store. The
// full program snapshot travels as JSON so historical runs stay
// interpretable after the program itself is deleted or replaced.
type RunRecord struct {
	ID           string        `json:"id"`
	ProgramID    string        `json:"program_id"`
	ProgramName  string        `json:"program_name"`
	ProgramJSON  string        `json:"program_json"`
	Status       string        `json:"status"`
	FaultClass   *string       `json:"fault_class,omitempty"`
	FaultMessage *string       `json:"fault_message,omitempty"`
	FaultStep    *int          `json:"fault_step,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  time.Time     `json:"completed_at"`
	Duration     time.Duration `json:"duration"`

	// Steps is the recorded step log, in execution order.
	Steps []StepRecord `json:"steps,omitempty"`
}

// StepRecord is one step-log entry of a persisted run.
type StepRecord struct {
	Index        int           `json:"index"`
	DeviceID     string        `json:"device_id,omitempty"`
	Action       string        `json:"action"`
	StartedAt    time.Time     `json:"started_at"`
	Elapsed      time.Duration `json:"elapsed"`
	FinalReading *string       `json:"final_reading,omitempty"`
	Polls        int           `json:"polls"`
	FaultClass   *string       `json:"fault_class,omitempty"`
	FaultMessage *string       `json:"fault_message,omitempty"`
}
