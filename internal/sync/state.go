package sync

import (
	"time"

	"github.com/saikiran76/dailyfix-core/internal/retry"
)

// State represents a sync operation lifecycle state.
type State string

const (
	StateIdle     State = "IDLE"
	StateSyncing  State = "SYNCING"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
	StateError    State = "ERROR"
)

// validTransitions defines allowed sync state transitions. Explicit cancel
// resets are the only path that bypasses this table.
var validTransitions = map[State][]State{
	StateIdle:     {StateSyncing},
	StateSyncing:  {StateApproved, StateRejected, StateError},
	StateApproved: {StateSyncing, StateIdle},
	StateRejected: {StateSyncing, StateIdle},
	StateError:    {StateSyncing, StateIdle},
}

// SyncError is the typed failure attached to an ERROR state.
type SyncError struct {
	Category           retry.Category
	Message            string
	RequiresUserAction bool
}

// Update is one progress report from a sync runner.
type Update struct {
	Progress        float64
	Details         string
	AllowRegression bool
}

// Snapshot is the read-only view of the orchestrator's current operation.
type Snapshot struct {
	State       State
	OperationID string
	Trigger     string
	Attempt     int
	Progress    float64
	Details     string
	Velocity    float64
	StartedAt   time.Time
	LastError   *SyncError
}

// StateChange is the payload of sync.state_changed events.
type StateChange struct {
	From        State
	To          State
	OperationID string
	Trigger     string
}

// Progress is the payload of sync.progress events. Velocity is percentage
// points per second; ETASeconds is a linear extrapolation to 100 and zero
// when velocity is not yet known.
type Progress struct {
	OperationID string
	Progress    float64
	Details     string
	Velocity    float64
	ETASeconds  float64
}

// StallWarning is the payload of sync.stall_warning events.
type StallWarning struct {
	OperationID  string
	Progress     float64
	SinceSeconds float64
}

// RetryScheduled is the payload of sync.retry_scheduled events.
type RetryScheduled struct {
	OperationID string
	Category    retry.Category
	Attempt     int
	Delay       time.Duration
}

// ErrorFrequency is the payload of sync.error_frequency events: how many
// failures of one category landed inside the rolling window.
type ErrorFrequency struct {
	Category      retry.Category
	Count         int
	WindowSeconds int
}

// ErrorPattern is the payload of sync.error_pattern events.
type ErrorPattern struct {
	Count         int
	WindowSeconds int
}
