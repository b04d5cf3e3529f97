package bus

import "time"

// Kind identifies a domain event. The set of kinds is closed: routing and
// subscriptions are written against these constants, never ad hoc strings.
type Kind string

const (
	// Connection lifecycle (namespace "conn.").
	KindConnStatusChanged Kind = "conn.status_changed"
	KindConnQRGenerated   Kind = "conn.qr_generated"
	KindConnQRExpired     Kind = "conn.qr_expired"
	KindConnConnected     Kind = "conn.connected"
	KindConnFailed        Kind = "conn.failed"
	KindConnTransportLost Kind = "conn.transport_lost"

	// Sync lifecycle (namespace "sync.").
	KindSyncStateChanged   Kind = "sync.state_changed"
	KindSyncProgress       Kind = "sync.progress"
	KindSyncStallWarning   Kind = "sync.stall_warning"
	KindSyncRetryScheduled Kind = "sync.retry_scheduled"
	KindSyncErrorFrequency Kind = "sync.error_frequency"
	KindSyncErrorPattern   Kind = "sync.error_pattern"

	// Timeline updates (namespace "timeline.").
	KindTimelineUpdated Kind = "timeline.updated"

	// Outgoing message lifecycle (namespace "message.").
	KindMessageUpserted   Kind = "message.upserted"
	KindMessageSendAck    Kind = "message.send_ack"
	KindMessageSendFailed Kind = "message.send_failed"

	// Realtime transport (namespace "realtime.").
	KindRealtimeConnected    Kind = "realtime.connected"
	KindRealtimeDisconnected Kind = "realtime.disconnected"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}
