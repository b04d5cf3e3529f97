package store

// Contact represents a cached bridge contact.
type Contact struct {
	ID        string
	Name      string
	AvatarURL string
}

// Credentials represents the per-platform credential blob plus the bridge
// room id assigned once the connection is active.
type Credentials struct {
	Platform     string
	Blob         string
	BridgeRoomID string
}

// Cursor represents the persisted pagination position of a conversation.
type Cursor struct {
	ConversationID string
	OldestEventID  string
	HasMore        bool
}

// Message is the durable projection of a timeline entry.
type Message struct {
	ID             int64
	ConversationID string
	EventID        string
	SenderID       string
	Kind           string
	Body           string
	ReplyToID      string
	LocalEcho      bool
	Timestamp      int64
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID            int64
	ClientMsgID   string
	ConversationID string
	Body          string
	Status        string // queued, sending, sent, failed
	Attempts      int
	NextAttemptAt int64
	ErrorMessage  string
	ServerMsgID   string
}
