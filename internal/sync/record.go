package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vterra/chirp/internal/store"
)

// Record is one message observation from any source: an optimistic local
// echo, a push event, or a pull response row. Records are merged by the
// reconciler; they are never shown directly.
type Record struct {
	ServerID   string
	ClientKey  string
	SenderID   string
	ReceiverID string
	Content    string
	CreatedAt  int64 // unix millis
	EditedAt   int64 // unix millis, 0 = not an edit
	State      store.MessageState
	// Tombstone marks a deletion: the message with ServerID is removed,
	// and a late-arriving insert for it is suppressed.
	Tombstone bool
}

// IdentityKey returns the key under which a record is deduplicated: the
// server id when one exists, otherwise a digest of (sender, createdAt,
// content). Records sharing a key are the same logical message.
func (r Record) IdentityKey() string {
	return identityKey(r.ServerID, r.SenderID, r.CreatedAt, r.Content)
}

func identityKey(serverID, senderID string, createdAt int64, content string) string {
	if serverID != "" {
		return "id:" + serverID
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s", senderID, createdAt, content))
	return "cx:" + hex.EncodeToString(sum[:12])
}

// WireMessage is the JSON shape the server uses for a message, shared by
// the push channel and the pull endpoints.
type WireMessage struct {
	ID         string `json:"id,omitempty"`
	ClientKey  string `json:"clientKey,omitempty"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt"`
	EditedAt   int64  `json:"editedAt,omitempty"`
}

// Record converts a wire message into a server-confirmed record.
func (w WireMessage) Record() Record {
	return Record{
		ServerID:   w.ID,
		ClientKey:  w.ClientKey,
		SenderID:   w.SenderID,
		ReceiverID: w.ReceiverID,
		Content:    w.Content,
		CreatedAt:  w.CreatedAt,
		EditedAt:   w.EditedAt,
		State:      store.StateConfirmed,
	}
}

// Counterpart returns the remote party of the record from selfID's point
// of view.
func (r Record) Counterpart(selfID string) string {
	if r.SenderID == selfID {
		return r.ReceiverID
	}
	return r.SenderID
}
