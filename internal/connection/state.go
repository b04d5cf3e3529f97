package connection

import (
	"time"

	"github.com/saikiran76/dailyfix-core/internal/retry"
)

// State represents a bridge pairing lifecycle state.
type State string

const (
	StateIdle          State = "IDLE"
	StateInitializing  State = "INITIALIZING"
	StateQRReady       State = "QR_READY"
	StateAwaitingToken State = "AWAITING_TOKEN"
	StateConnected     State = "CONNECTED"
	StateQRExpired     State = "QR_EXPIRED"
	StateError         State = "ERROR"
)

// validTransitions defines allowed state transitions. QR_EXPIRED is the
// error sub-state for an expired pairing artifact; regenerate walks it back
// through IDLE. Explicit cancel resets are the only path that bypasses
// this table.
var validTransitions = map[State][]State{
	StateIdle:          {StateInitializing},
	StateInitializing:  {StateQRReady, StateAwaitingToken, StateConnected, StateError},
	StateQRReady:       {StateConnected, StateQRExpired, StateError},
	StateAwaitingToken: {StateConnected, StateError},
	StateQRExpired:     {StateIdle, StateInitializing},
	StateError:         {StateIdle, StateInitializing},
	StateConnected:     {StateIdle},
}

// NonTerminal reports whether a pairing flow is still in progress.
func (s State) NonTerminal() bool {
	switch s {
	case StateInitializing, StateQRReady, StateAwaitingToken:
		return true
	}
	return false
}

// SessionError is a typed connection failure surfaced to the UI.
type SessionError struct {
	Category           retry.Category
	Message            string
	RequiresUserAction bool
}

// Session is the read-only snapshot of one platform's pairing session.
// It is mutated only through the Manager's state-machine entry points.
type Session struct {
	Platform        string
	Status          State
	PairingCode     string
	PairingArtifact []byte
	BridgeRoomID    string
	Err             *SessionError
	RetryCount      int
	ExpiresAt       time.Time
}

// StatusChange is the payload of conn.status_changed events.
type StatusChange struct {
	Platform string
	From     State
	To       State
}
