package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vterra/chirp/internal/bus"
	"github.com/vterra/chirp/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chirp.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func startEngine(t *testing.T, db *store.DB, b *bus.Bus) *Engine {
	t.Helper()
	e := NewEngine(EngineConfig{SelfID: "self", SweepInterval: time.Hour}, db, b, zap.NewNop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func waitChatUpdated(t *testing.T, sub *bus.Subscription, counterpart string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub.C():
			if evt.Kind != "chat.updated" {
				continue
			}
			if id, ok := evt.Payload.(string); ok && id == counterpart {
				return
			}
		case <-deadline:
			t.Fatalf("no chat.updated for %s", counterpart)
		}
	}
}

func TestEnginePersistsPushedMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := startEngine(t, db, b)

	updates := b.Subscribe("chat.", 16)
	defer updates.Cancel()

	b.Publish(bus.Now("push.message", Record{
		ServerID:   "m1",
		SenderID:   "bob",
		ReceiverID: "self",
		Content:    "hello",
		CreatedAt:  1000,
		State:      store.StateConfirmed,
	}))
	waitChatUpdated(t, updates, "bob")

	msgs, err := e.Snapshot("bob")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ServerID != "m1" {
		t.Fatalf("expected persisted m1, got %+v", msgs)
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].CounterpartID != "bob" {
		t.Fatalf("conversation summary missing: %+v", convs)
	}
}

func TestEngineReplacesOptimisticEcho(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := startEngine(t, db, b)

	updates := b.Subscribe("chat.", 16)
	defer updates.Cancel()

	b.Publish(bus.Now("local.message", Record{
		ClientKey:  "ck-1",
		SenderID:   "self",
		ReceiverID: "bob",
		Content:    "hey",
		CreatedAt:  1000,
		State:      store.StatePending,
	}))
	waitChatUpdated(t, updates, "bob")

	b.Publish(bus.Now("push.message_sent", Record{
		ServerID:   "m5",
		ClientKey:  "ck-1",
		SenderID:   "self",
		ReceiverID: "bob",
		Content:    "hey",
		CreatedAt:  1200,
		State:      store.StateConfirmed,
	}))
	waitChatUpdated(t, updates, "bob")

	msgs, err := e.Snapshot("bob")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("optimistic echo still visible next to confirmation: %+v", msgs)
	}
	if msgs[0].ServerID != "m5" || msgs[0].State != store.StateConfirmed {
		t.Fatalf("expected confirmed m5, got %+v", msgs[0])
	}
}

func TestEngineFlipsPendingOnOutboxFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := startEngine(t, db, b)

	updates := b.Subscribe("chat.", 16)
	defer updates.Cancel()

	b.Publish(bus.Now("local.message", Record{
		ClientKey:  "ck-2",
		SenderID:   "self",
		ReceiverID: "bob",
		Content:    "doomed",
		CreatedAt:  1000,
		State:      store.StatePending,
	}))
	waitChatUpdated(t, updates, "bob")

	b.Publish(bus.Now("outbox.failed", SendFailure{
		ClientKey:  "ck-2",
		ReceiverID: "bob",
		Reason:     "delivery attempts exhausted",
	}))
	waitChatUpdated(t, updates, "bob")

	msgs, err := e.Snapshot("bob")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(msgs) != 1 || msgs[0].State != store.StateFailed {
		t.Fatalf("pending message not marked failed: %+v", msgs)
	}
}

func TestEngineMergesPullBatch(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := startEngine(t, db, b)

	updates := b.Subscribe("chat.", 16)
	defer updates.Cancel()

	b.Publish(bus.Now("push.message", Record{
		ServerID: "m1", SenderID: "bob", ReceiverID: "self",
		Content: "from push", CreatedAt: 1000, State: store.StateConfirmed,
	}))
	waitChatUpdated(t, updates, "bob")

	// The pull returns the pushed message again plus one that push missed.
	b.Publish(bus.Now("pull.records", PullBatch{
		CounterpartID: "bob",
		Records: []Record{
			{ServerID: "m1", SenderID: "bob", ReceiverID: "self",
				Content: "from push", CreatedAt: 1000, State: store.StateConfirmed},
			{ServerID: "m2", SenderID: "bob", ReceiverID: "self",
				Content: "push missed this", CreatedAt: 2000, State: store.StateConfirmed},
		},
	}))
	waitChatUpdated(t, updates, "bob")

	msgs, err := e.Snapshot("bob")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after pull merge, got %+v", msgs)
	}
	if msgs[0].ServerID != "m1" || msgs[1].ServerID != "m2" {
		t.Fatalf("wrong order: %s, %s", msgs[0].ServerID, msgs[1].ServerID)
	}
}

func TestEngineDeleteBeforeInsert(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := startEngine(t, db, b)

	updates := b.Subscribe("chat.", 16)
	defer updates.Cancel()

	// Seed the conversation so the tombstone lands somewhere observable.
	b.Publish(bus.Now("push.message", Record{
		ServerID: "m1", SenderID: "bob", ReceiverID: "self",
		Content: "first", CreatedAt: 500, State: store.StateConfirmed,
	}))
	waitChatUpdated(t, updates, "bob")

	// The delete arrives as the wire delivers it: just the id, before the
	// message itself is known.
	b.Publish(bus.Now("push.message", Record{ServerID: "m9", Tombstone: true}))

	b.Publish(bus.Now("push.message", Record{
		ServerID: "m9", SenderID: "bob", ReceiverID: "self",
		Content: "arrives late", CreatedAt: 1000, State: store.StateConfirmed,
	}))
	waitChatUpdated(t, updates, "bob")

	msgs, err := e.Snapshot("bob")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, m := range msgs {
		if m.ServerID == "m9" {
			t.Fatalf("deleted message resurrected: %+v", m)
		}
	}
}

func TestEngineWarmStartShowsQueuedSends(t *testing.T) {
	db := testDB(t)
	if err := db.QueueOutbox("ck-7", "bob", "queued before restart"); err != nil {
		t.Fatalf("queue outbox: %v", err)
	}

	b := bus.New()
	e := startEngine(t, db, b)

	msgs, err := e.Snapshot("bob")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(msgs) != 1 || msgs[0].State != store.StatePending {
		t.Fatalf("queued send not visible after warm start: %+v", msgs)
	}
	if msgs[0].Content != "queued before restart" {
		t.Fatalf("wrong content: %q", msgs[0].Content)
	}
}
