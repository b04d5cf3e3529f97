package store

import (
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + event_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, event_id, sender_id, kind, body, reply_to_id, local_echo, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, event_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			kind = excluded.kind,
			body = excluded.body,
			reply_to_id = excluded.reply_to_id,
			local_echo = excluded.local_echo`,
		m.ConversationID, m.EventID, m.SenderID, m.Kind, m.Body, m.ReplyToID, m.LocalEcho, m.Timestamp, now)
	return err
}

// BulkUpsertMessages upserts a batch of messages in a single transaction.
func (db *DB) BulkUpsertMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, event_id, sender_id, kind, body, reply_to_id, local_echo, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, event_id) DO UPDATE SET
				sender_id = excluded.sender_id,
				kind = excluded.kind,
				body = excluded.body,
				reply_to_id = excluded.reply_to_id,
				local_echo = excluded.local_echo`,
			m.ConversationID, m.EventID, m.SenderID, m.Kind, m.Body, m.ReplyToID, m.LocalEcho, m.Timestamp, now); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.EventID, err)
		}
	}
	return tx.Commit()
}

// ReplaceMessageID renames a message's event id in place, used when a local
// echo is reconciled with the server-assigned id. A no-op if the old id is
// not present.
func (db *DB) ReplaceMessageID(conversationID, oldEventID, newEventID string) error {
	_, err := db.Exec(`
		UPDATE messages SET event_id = ?, local_echo = 0
		WHERE conversation_id = ? AND event_id = ?
		AND NOT EXISTS (SELECT 1 FROM messages WHERE conversation_id = ? AND event_id = ?)`,
		newEventID, conversationID, oldEventID, conversationID, newEventID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, event_id, sender_id, kind, body, reply_to_id, local_echo, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.EventID, &m.SenderID, &m.Kind, &m.Body, &m.ReplyToID, &m.LocalEcho, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteConversation removes a conversation's messages and cursor, used on
// conversation eviction.
func (db *DB) DeleteConversation(conversationID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM cursors WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// MessageCount returns the total number of stored messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
