package store

// MessageState is the delivery state of a message as seen locally.
type MessageState string

const (
	StatePending   MessageState = "pending"
	StateConfirmed MessageState = "confirmed"
	StateFailed    MessageState = "failed"
)

// Message is one entry in a conversation's reconciled sequence.
// Key is the reconciler's identity key: the server id when one exists,
// otherwise a composite of sender, creation time and content. Exactly one
// row per (conversation, Key) is ever visible.
type Message struct {
	ID         int64
	Key        string
	ServerID   string // empty until server-confirmed
	ClientKey  string // local key assigned before confirmation
	SenderID   string
	ReceiverID string
	Content    string
	CreatedAt  int64 // unix millis
	EditedAt   int64 // unix millis, 0 = never edited
	State      MessageState
	Ordinal    int64 // insertion index, stable tie-break for unconfirmed rows
}

// Conversation is the per-counterpart summary row.
type Conversation struct {
	CounterpartID      string
	LastMessageAt      int64
	LastMessagePreview string
}

// OutboxEntry is a send buffered while the push channel is unavailable.
type OutboxEntry struct {
	ID           int64
	ClientKey    string
	ReceiverID   string
	Content      string
	Status       string // queued, sending, sent, failed
	Attempts     int
	ErrorMessage string
	EnqueuedAt   int64
}

// AvatarEntry is a cached avatar lookup. An empty URL is a cached negative
// result (user has no avatar) and is served until the entry expires.
type AvatarEntry struct {
	UserID    string
	URL       string
	FetchedAt int64
}
