package syncer

import "time"

// State is a node of the per-source machine
// idle -> running -> {succeeded, failed} -> idle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

type SourceStatus struct {
	State       State      `json:"state"`
	LastOutcome State      `json:"lastOutcome,omitempty"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
}
