package store

import (
	"database/sql"
	"time"
)

// PutAvatar stores an avatar lookup result. An empty url records a negative
// result so users without an avatar are not refetched until expiry.
func (db *DB) PutAvatar(userID, url string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO avatar_cache (user_id, url, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET url = excluded.url, fetched_at = excluded.fetched_at`,
		userID, url, now)
	return err
}

// GetAvatar returns the cached entry for userID, or nil on a miss.
func (db *DB) GetAvatar(userID string) (*AvatarEntry, error) {
	var e AvatarEntry
	err := db.QueryRow(`SELECT user_id, url, fetched_at FROM avatar_cache WHERE user_id = ?`, userID).
		Scan(&e.UserID, &e.URL, &e.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteAvatar evicts a cache entry.
func (db *DB) DeleteAvatar(userID string) error {
	_, err := db.Exec(`DELETE FROM avatar_cache WHERE user_id = ?`, userID)
	return err
}
