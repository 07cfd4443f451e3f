package poller

import (
	"encoding/json"
	"time"
)

// State is the lifecycle position of one analysis job. Terminal states are
// immutable: once a job completes, fails, or is cancelled it never moves.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state ends polling.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// parseState maps a backend status string to a State. Unknown strings
// yield "" so the caller can keep the previous state.
func parseState(s string) State {
	switch State(s) {
	case StatePending, StateProcessing, StateCompleted, StateFailed, StateCancelled:
		return State(s)
	default:
		return ""
	}
}

// Job is one backend analysis run as tracked on this side of the wire.
type Job struct {
	ID           string          `json:"id"`
	SourceURL    string          `json:"source_url"`
	State        State           `json:"state"`
	Progress     float64         `json:"progress"`
	Message      string          `json:"message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	RetryCount   int             `json:"retry_count"`
	StartedAt    time.Time       `json:"started_at"`
	LastPolledAt time.Time       `json:"last_polled_at"`
}
