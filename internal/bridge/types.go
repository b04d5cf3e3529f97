package bridge

import "go.mau.fi/util/jsontime"

// Initiate/finalize/status response statuses as sent by the bridge service.
const (
	StatusPending   = "pending"
	StatusQRReady   = "qr_ready"
	StatusConnected = "connected"
	StatusActive    = "active"
	StatusError     = "error"
)

// InitiateResponse is the body of POST /connect/{platform}/initiate.
type InitiateResponse struct {
	Status        string `json:"status"`
	QRCode        string `json:"qrCode,omitempty"`
	RequiresToken bool   `json:"requiresToken,omitempty"`
}

// FinalizeResponse is the body of POST /connect/{platform}/finalize.
type FinalizeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is the body of GET /status/{platform}.
type StatusResponse struct {
	Status       string `json:"status"`
	BridgeRoomID string `json:"bridgeRoomId,omitempty"`
}

// MessageEnvelope is the raw message/reaction envelope carried by both the
// history endpoints and realtime timeline events.
type MessageEnvelope struct {
	EventID        string             `json:"eventId"`
	ConversationID string             `json:"conversationId"`
	SenderID       string             `json:"senderId"`
	Kind           string             `json:"kind"`
	Body           string             `json:"body,omitempty"`
	MediaURL       string             `json:"mediaUrl,omitempty"`
	MimeType       string             `json:"mimeType,omitempty"`
	Filename       string             `json:"filename,omitempty"`
	Size           int64              `json:"size,omitempty"`
	ReplyToID      string             `json:"replyToId,omitempty"`
	Timestamp      jsontime.UnixMilli `json:"timestamp"`
}

// MessageBatch is the body of GET /messages/{conversationId}.
type MessageBatch struct {
	Events []MessageEnvelope `json:"events"`
}

// SendRequest is the body of POST /messages/{conversationId}.
type SendRequest struct {
	ClientMsgID string `json:"clientMsgId"`
	Body        string `json:"body"`
}

// SendResponse is the server acknowledgment of a send.
type SendResponse struct {
	EventID   string             `json:"eventId"`
	Timestamp jsontime.UnixMilli `json:"timestamp"`
}

// Contact is one entry of GET /contacts.
type Contact struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ContactsResponse is the body of GET /contacts.
type ContactsResponse struct {
	Contacts []Contact `json:"contacts"`
}
