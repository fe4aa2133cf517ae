package store

import (
	"database/sql"
	"time"
)

// SaveConversation atomically replaces the stored sequence for one
// conversation with the reconciler's output and refreshes the summary row.
// The sequence is the authoritative ordering; rows are written in order.
func (db *DB) SaveConversation(counterpartID string, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE counterpart_id = ?`, counterpartID); err != nil {
		return err
	}

	var lastAt int64
	var lastPreview string
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (counterpart_id, identity_key, server_id, client_key, sender_id, receiver_id, content, created_at, edited_at, state, ordinal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			counterpartID, m.Key, m.ServerID, m.ClientKey, m.SenderID, m.ReceiverID,
			m.Content, m.CreatedAt, m.EditedAt, string(m.State), m.Ordinal); err != nil {
			return err
		}
		lastAt = m.CreatedAt
		lastPreview = truncate(m.Content, 100)
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO conversations (counterpart_id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(counterpart_id) DO UPDATE SET
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			updated_at = excluded.updated_at`,
		counterpartID, lastAt, lastPreview, now); err != nil {
		return err
	}

	return tx.Commit()
}

// ListMessages returns the stored sequence for a conversation in
// reconciled order.
func (db *DB) ListMessages(counterpartID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, identity_key, server_id, client_key, sender_id, receiver_id, content, created_at, edited_at, state, ordinal
		FROM messages
		WHERE counterpart_id = ?
		ORDER BY created_at ASC, server_id ASC, ordinal ASC`, counterpartID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var state string
		if err := rows.Scan(&m.ID, &m.Key, &m.ServerID, &m.ClientKey, &m.SenderID, &m.ReceiverID,
			&m.Content, &m.CreatedAt, &m.EditedAt, &state, &m.Ordinal); err != nil {
			return nil, err
		}
		m.State = MessageState(state)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ConversationOf returns the conversation currently holding a message, or
// "" when the server id is unknown locally.
func (db *DB) ConversationOf(serverID string) (string, error) {
	var counterpartID string
	err := db.QueryRow(`SELECT counterpart_id FROM messages WHERE server_id = ?`, serverID).
		Scan(&counterpartID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return counterpartID, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
