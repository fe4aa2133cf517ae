package store

import (
	"database/sql"
	"time"
)

// ListConversations returns conversation summaries sorted by most recent
// message first.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT counterpart_id, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.CounterpartID, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpsertConversation refreshes the summary row for one conversation
// without touching its message sequence.
func (db *DB) UpsertConversation(counterpartID string, lastAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (counterpart_id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(counterpart_id) DO UPDATE SET
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			updated_at = excluded.updated_at`,
		counterpartID, lastAt, truncate(preview, 100), now)
	return err
}

// GetConversation returns a single conversation summary, or nil if unknown.
func (db *DB) GetConversation(counterpartID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT counterpart_id, last_message_at, last_message_preview
		FROM conversations
		WHERE counterpart_id = ?`, counterpartID).
		Scan(&c.CounterpartID, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
