package engine

import (
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	// StatusPending indicates the run is created but its devices are
	// not yet leased.
	StatusPending Status = "pending"

	// StatusRunning indicates leases are held and steps are executing.
	StatusRunning Status = "running"

	// StatusCompleted indicates every step finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates a step raised a fault or a condition
	// could not be satisfied before its timeout.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the run was cancelled before natural
	// completion.
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
// Terminal states are immutable.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive returns true if the run is pending or running.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}
