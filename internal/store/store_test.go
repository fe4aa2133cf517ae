package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSaveConversationReplacesSequence(t *testing.T) {
	db := testDB(t)

	first := []Message{
		{Key: "s1", ServerID: "s1", SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAt: 1000, State: StateConfirmed, Ordinal: 0},
		{Key: "s2", ServerID: "s2", SenderID: "bob", ReceiverID: "alice", Content: "hey", CreatedAt: 2000, State: StateConfirmed, Ordinal: 1},
	}
	if err := db.SaveConversation("bob", first); err != nil {
		t.Fatal(err)
	}

	// Second save with one row removed must not leave the old row behind.
	if err := db.SaveConversation("bob", first[1:]); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Key != "s2" {
		t.Fatalf("got %d messages, want only s2", len(msgs))
	}
}

func TestSaveConversationSummary(t *testing.T) {
	db := testDB(t)

	msgs := []Message{
		{Key: "s1", ServerID: "s1", SenderID: "alice", ReceiverID: "bob", Content: "first", CreatedAt: 1000, State: StateConfirmed},
		{Key: "s2", ServerID: "s2", SenderID: "bob", ReceiverID: "alice", Content: "latest", CreatedAt: 2000, State: StateConfirmed, Ordinal: 1},
	}
	if err := db.SaveConversation("bob", msgs); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("bob")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("conversation not created")
	}
	if c.LastMessageAt != 2000 || c.LastMessagePreview != "latest" {
		t.Errorf("summary = %+v, want last=2000/latest", c)
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Errorf("got %d conversations, want 1", len(convs))
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("c1", "bob", "one"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c2", "bob", "two"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ClientKey != "c1" || pending[1].ClientKey != "c2" {
		t.Fatalf("pending = %+v, want c1 then c2", pending)
	}

	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("c2", "gone"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0", len(pending))
	}
}

func TestOutboxRequeueKeepsOrder(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("c1", "bob", "one"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c2", "bob", "two"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.RequeueOutbox("c1", "timeout"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ClientKey != "c1" {
		t.Fatalf("pending = %+v, want c1 still first", pending)
	}
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending[0].Attempts)
	}
}

func TestAvatarCache(t *testing.T) {
	db := testDB(t)

	e, err := db.GetAvatar("alice")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Fatal("expected miss for unknown user")
	}

	if err := db.PutAvatar("alice", "https://cdn/a.png"); err != nil {
		t.Fatal(err)
	}
	// Negative result: empty URL is a valid cached value.
	if err := db.PutAvatar("bob", ""); err != nil {
		t.Fatal(err)
	}

	e, err = db.GetAvatar("alice")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.URL != "https://cdn/a.png" {
		t.Errorf("entry = %+v, want cached url", e)
	}

	e, err = db.GetAvatar("bob")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.URL != "" {
		t.Errorf("entry = %+v, want cached empty url", e)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)

	v, err := db.GetCheckpoint("pull.bob")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("value = %q, want empty for unset key", v)
	}

	if err := db.SetCheckpoint("pull.bob", "1700000000000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("pull.bob", "1700000001000"); err != nil {
		t.Fatal(err)
	}

	v, err = db.GetCheckpoint("pull.bob")
	if err != nil {
		t.Fatal(err)
	}
	if v != "1700000001000" {
		t.Errorf("value = %q, want latest", v)
	}
}

func TestUpsertConversationRefreshesSummary(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation("bob", 1000, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation("bob", 2000, "newer"); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("bob")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.LastMessageAt != 2000 || c.LastMessagePreview != "newer" {
		t.Errorf("conversation = %+v, want last=2000/newer", c)
	}

	msgs, err := db.ListMessages("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want none touched by summary upsert", len(msgs))
	}
}

func TestOutboxStatuses(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("c1", "bob", "one"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c2", "bob", "two"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c3", "bob", "three"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("c2"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("c2"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("c3", "gone"); err != nil {
		t.Fatal(err)
	}

	statuses, err := db.OutboxStatuses()
	if err != nil {
		t.Fatal(err)
	}
	if statuses["c1"] != "queued" {
		t.Errorf("c1 status = %q, want queued", statuses["c1"])
	}
	if _, ok := statuses["c2"]; ok {
		t.Error("c2 still present after delivery")
	}
	if statuses["c3"] != "failed" {
		t.Errorf("c3 status = %q, want failed", statuses["c3"])
	}
}

func TestConversationOfRoutesByServerID(t *testing.T) {
	db := testDB(t)

	msgs := []Message{
		{Key: "s1", ServerID: "s1", SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAt: 1000, State: StateConfirmed},
	}
	if err := db.SaveConversation("bob", msgs); err != nil {
		t.Fatal(err)
	}

	cp, err := db.ConversationOf("s1")
	if err != nil {
		t.Fatal(err)
	}
	if cp != "bob" {
		t.Errorf("counterpart = %q, want bob", cp)
	}

	cp, err = db.ConversationOf("unknown")
	if err != nil {
		t.Fatal(err)
	}
	if cp != "" {
		t.Errorf("counterpart = %q, want empty for unknown id", cp)
	}
}
