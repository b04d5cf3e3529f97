package timeline

// ContentKind tags the supported message content variants.
type ContentKind string

const (
	ContentText    ContentKind = "text"
	ContentImage   ContentKind = "image"
	ContentFile    ContentKind = "file"
	ContentVideo   ContentKind = "video"
	ContentAudio   ContentKind = "audio"
	ContentSticker ContentKind = "sticker"
)

// Content is the tagged union of message payloads. Kind selects which
// fields are meaningful; Text doubles as the degraded placeholder for
// unknown content.
type Content struct {
	Kind     ContentKind
	Text     string
	MediaURL string
	MimeType string
	Filename string
	Size     int64
}

// Entry is one rendered timeline item. Its ID is unique within a
// conversation; duplicate deliveries merge into the existing entry.
type Entry struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        Content
	Timestamp      int64 // unix milliseconds, server-assigned
	IsLocalEcho    bool
	ReplyToID      string

	// seq records arrival order for stable tie-breaking on equal timestamps.
	seq int64
}
