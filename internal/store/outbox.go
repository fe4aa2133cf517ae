package store

import "time"

// QueueOutbox appends a send to the outbox in queued state.
func (db *DB) QueueOutbox(clientKey, receiverID, content string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_key, receiver_id, content, status, enqueued_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		clientKey, receiverID, content, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' and bumps its
// attempt counter.
func (db *DB) MarkOutboxSending(clientKey string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE client_key = ?`, now, clientKey)
	return err
}

// MarkOutboxSent removes a successfully replayed entry. Queued sends exist
// only until delivery; there is nothing to keep once the channel took them.
func (db *DB) MarkOutboxSent(clientKey string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_key = ?`, clientKey)
	return err
}

// RequeueOutbox returns a failed attempt to queued state for a later retry.
func (db *DB) RequeueOutbox(clientKey, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', error_message = ?, updated_at = ?
		WHERE client_key = ?`, errMsg, now, clientKey)
	return err
}

// MarkOutboxFailed marks an entry permanently failed after its attempts
// are exhausted.
func (db *DB) MarkOutboxFailed(clientKey, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE client_key = ?`, errMsg, now, clientKey)
	return err
}

// CancelOutbox removes a queued entry that the caller withdrew.
func (db *DB) CancelOutbox(clientKey string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_key = ? AND status = 'queued'`, clientKey)
	return err
}

// OutboxStatuses returns the status of every outbox entry keyed by client
// key. Keys absent from the map have either been delivered or cancelled.
func (db *DB) OutboxStatuses() (map[string]string, error) {
	rows, err := db.Query(`SELECT client_key, status FROM outbox`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	statuses := make(map[string]string)
	for rows.Next() {
		var key, status string
		if err := rows.Scan(&key, &status); err != nil {
			return nil, err
		}
		statuses[key] = status
	}
	return statuses, rows.Err()
}

// PendingOutbox returns queued entries in enqueue order.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_key, receiver_id, content, status, attempts, error_message, enqueued_at
		FROM outbox WHERE status = 'queued' ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientKey, &e.ReceiverID, &e.Content, &e.Status,
			&e.Attempts, &e.ErrorMessage, &e.EnqueuedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
