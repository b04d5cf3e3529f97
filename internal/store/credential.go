package store

import (
	"database/sql"
	"time"
)

// SaveCredentials upserts the credential blob for a platform.
func (db *DB) SaveCredentials(c *Credentials) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO credentials (platform, blob, bridge_room_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET
			blob = CASE WHEN excluded.blob != '' THEN excluded.blob ELSE credentials.blob END,
			bridge_room_id = CASE WHEN excluded.bridge_room_id != '' THEN excluded.bridge_room_id ELSE credentials.bridge_room_id END,
			updated_at = excluded.updated_at`,
		c.Platform, c.Blob, c.BridgeRoomID, now)
	return err
}

// GetCredentials returns stored credentials for a platform, or nil.
func (db *DB) GetCredentials(platform string) (*Credentials, error) {
	var c Credentials
	err := db.QueryRow(`SELECT platform, blob, bridge_room_id FROM credentials WHERE platform = ?`, platform).
		Scan(&c.Platform, &c.Blob, &c.BridgeRoomID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteCredentials removes stored credentials for a platform.
func (db *DB) DeleteCredentials(platform string) error {
	_, err := db.Exec(`DELETE FROM credentials WHERE platform = ?`, platform)
	return err
}
