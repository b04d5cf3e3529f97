package realtime

import (
	"encoding/json"
	"fmt"

	"go.mau.fi/util/jsontime"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
)

// envelopeVersion is the wire version this client speaks.
const envelopeVersion = 1

// EventType identifies a realtime envelope's payload shape.
type EventType string

const (
	TypeSetupStatus   EventType = "setup.status"
	TypeConnStatus    EventType = "conn.status"
	TypeSyncProgress  EventType = "sync.progress"
	TypeSyncStatus    EventType = "sync.status"
	TypeTimelineEvent EventType = "timeline.event"
)

var knownTypes = map[EventType]bool{
	TypeSetupStatus:   true,
	TypeConnStatus:    true,
	TypeSyncProgress:  true,
	TypeSyncStatus:    true,
	TypeTimelineEvent: true,
}

// Envelope is the versioned frame every realtime event arrives in. The
// payload stays raw until the router knows the type.
type Envelope struct {
	V       int                `json:"v"`
	Type    EventType          `json:"type"`
	ID      string             `json:"id"`
	TS      jsontime.UnixMilli `json:"ts"`
	Payload json.RawMessage    `json:"payload"`
}

// Validate checks the structural invariants of an envelope before routing.
func (e *Envelope) Validate() error {
	if e.V != envelopeVersion {
		return fmt.Errorf("unsupported envelope version %d", e.V)
	}
	if e.ID == "" {
		return fmt.Errorf("envelope missing id")
	}
	if !knownTypes[e.Type] {
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s missing payload", e.ID)
	}
	return nil
}

// SetupStatusPayload carries pairing lifecycle changes pushed by the bridge.
type SetupStatusPayload struct {
	Platform     string `json:"platform"`
	State        string `json:"state"`
	QRCode       string `json:"qrCode,omitempty"`
	BridgeRoomID string `json:"bridgeRoomId,omitempty"`
}

// ConnStatusPayload carries steady-state connection changes.
type ConnStatusPayload struct {
	Platform     string `json:"platform"`
	Status       string `json:"status"`
	BridgeRoomID string `json:"bridgeRoomId,omitempty"`
}

// SyncProgressPayload carries server-sourced sync progress.
type SyncProgressPayload struct {
	Progress float64 `json:"progress"`
	Details  string  `json:"details,omitempty"`
}

// SyncStatusPayload carries server-decided sync outcomes.
type SyncStatusPayload struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// TimelineEventPayload is the live message envelope, identical to the
// history endpoints' shape.
type TimelineEventPayload = bridge.MessageEnvelope
