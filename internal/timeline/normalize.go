package timeline

import (
	"fmt"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
)

var knownKinds = map[string]ContentKind{
	"text":    ContentText,
	"image":   ContentImage,
	"file":    ContentFile,
	"video":   ContentVideo,
	"audio":   ContentAudio,
	"sticker": ContentSticker,
}

// Normalize converts a raw bridge envelope into an Entry. Unknown or
// malformed content degrades to a textual placeholder rather than failing:
// an undisplayable message is still a message.
func Normalize(env bridge.MessageEnvelope) Entry {
	return Entry{
		ID:             env.EventID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		Content:        normalizeContent(env),
		Timestamp:      env.Timestamp.UnixMilli(),
		ReplyToID:      env.ReplyToID,
	}
}

func normalizeContent(env bridge.MessageEnvelope) Content {
	kind, ok := knownKinds[env.Kind]
	if !ok {
		return Content{Kind: ContentText, Text: placeholder(env.Kind)}
	}

	switch kind {
	case ContentText:
		return Content{Kind: ContentText, Text: env.Body}
	default:
		if env.MediaURL == "" {
			// Media without a source cannot be rendered.
			return Content{Kind: ContentText, Text: placeholder(env.Kind)}
		}
		return Content{
			Kind:     kind,
			Text:     env.Body,
			MediaURL: env.MediaURL,
			MimeType: env.MimeType,
			Filename: env.Filename,
			Size:     env.Size,
		}
	}
}

func placeholder(kind string) string {
	if kind == "" {
		return "[unsupported message]"
	}
	return fmt.Sprintf("[unsupported message: %s]", kind)
}
