package store

import (
	"database/sql"
	"time"
)

// SaveCursor upserts the pagination cursor for a conversation.
func (db *DB) SaveCursor(c *Cursor) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO cursors (conversation_id, oldest_event_id, has_more, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			oldest_event_id = excluded.oldest_event_id,
			has_more = excluded.has_more,
			updated_at = excluded.updated_at`,
		c.ConversationID, c.OldestEventID, c.HasMore, now)
	return err
}

// GetCursor returns the persisted cursor for a conversation, or nil.
func (db *DB) GetCursor(conversationID string) (*Cursor, error) {
	var c Cursor
	err := db.QueryRow(`
		SELECT conversation_id, oldest_event_id, has_more
		FROM cursors WHERE conversation_id = ?`, conversationID).
		Scan(&c.ConversationID, &c.OldestEventID, &c.HasMore)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
