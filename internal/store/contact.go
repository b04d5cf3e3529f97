package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertContact inserts or updates a contact.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (id, name, avatar_url, fetched_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE contacts.avatar_url END,
			fetched_at = excluded.fetched_at,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.AvatarURL, now, now)
	return err
}

// BulkUpsertContacts inserts or updates multiple contacts in a single
// transaction, stamping every row with the same freshness timestamp.
func (db *DB) BulkUpsertContacts(contacts []Contact, fetchedAt time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if _, err := tx.Exec(`
			INSERT INTO contacts (id, name, avatar_url, fetched_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
				avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE contacts.avatar_url END,
				fetched_at = excluded.fetched_at,
				updated_at = excluded.updated_at`,
			c.ID, c.Name, c.AvatarURL, fetchedAt.UnixMilli(), now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetContact returns a contact by id, or nil if not cached.
func (db *DB) GetContact(id string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT id, name, avatar_url FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts returns all cached contacts ordered by name.
func (db *DB) ListContacts() ([]Contact, error) {
	rows, err := db.Query(`SELECT id, name, avatar_url FROM contacts ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.AvatarURL); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// ContactsFreshness returns the most recent fetched_at timestamp, or zero
// time if no contacts are cached.
func (db *DB) ContactsFreshness() (time.Time, error) {
	var ms sql.NullInt64
	err := db.QueryRow(`SELECT MAX(fetched_at) FROM contacts`).Scan(&ms)
	if err != nil {
		return time.Time{}, err
	}
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64), nil
}
