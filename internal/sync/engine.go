package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vterra/chirp/internal/bus"
	"github.com/vterra/chirp/internal/store"
)

// ConversationSummary is the server's per-conversation digest, delivered
// over the push channel on conversation.update.
type ConversationSummary struct {
	CounterpartID      string `json:"counterpartId"`
	LastMessageAt      int64  `json:"lastMessageAt"`
	LastMessagePreview string `json:"lastMessagePreview"`
}

// SendFailure reports that a buffered send was given up on. The matching
// pending message flips to failed; nothing is ever inserted for it.
type SendFailure struct {
	ClientKey  string
	ReceiverID string
	Reason     string
}

// PullBatch carries the records fetched for one conversation by a pull
// cycle.
type PullBatch struct {
	CounterpartID string
	Records       []Record
}

// EngineConfig tunes the engine. The zero value gets sane defaults.
type EngineConfig struct {
	SelfID string
	// SweepInterval is how often stale pending messages are checked.
	SweepInterval time.Duration
	// PendingMaxAge is how long a pending message may sit without a live
	// outbox entry before it is marked failed.
	PendingMaxAge time.Duration
}

// Engine is the single writer of conversation state. It consumes message
// records from every source over the bus, reconciles them against the
// stored sequence and persists the result, announcing each change as a
// chat.updated event. All record handling happens on one goroutine, so
// reconciliation for a conversation is never concurrent with itself.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cfg    EngineConfig

	// tombs holds the deletion tombstones. Server ids are global, so one
	// list covers every conversation; that also lets a delete arriving
	// before its conversation is even known suppress the insert later.
	// Only the run loop touches it.
	tombs []Tombstone

	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(cfg EngineConfig, db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.PendingMaxAge <= 0 {
		cfg.PendingMaxAge = 2 * time.Minute
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger.Named("sync"),
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// Start subscribes to the record sources and launches the run loop.
// Subscriptions are registered before the warm start so no event published
// during it is lost.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	pushes := e.bus.Subscribe("push.", 256)
	locals := e.bus.Subscribe("local.", 64)
	pulls := e.bus.Subscribe("pull.", 64)
	failures := e.bus.Subscribe("outbox.", 64)

	e.warmStart()

	go func() {
		defer close(e.done)
		defer pushes.Cancel()
		defer locals.Cancel()
		defer pulls.Cancel()
		defer failures.Cancel()

		sweep := time.NewTicker(e.cfg.SweepInterval)
		defer sweep.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-pushes.C():
				e.handle(evt)
			case evt := <-locals.C():
				e.handle(evt)
			case evt := <-pulls.C():
				e.handle(evt)
			case evt := <-failures.C():
				e.handle(evt)
			case <-sweep.C:
				e.sweepPending()
			}
		}
	}()
	return nil
}

// Stop halts the run loop and waits for it to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Snapshot returns the stored sequence for a conversation in canonical
// order.
func (e *Engine) Snapshot(counterpartID string) ([]store.Message, error) {
	return e.db.ListMessages(counterpartID)
}

// warmStart re-applies queued outbox entries so sends buffered before a
// restart are visible as pending again. Reconciliation makes this
// idempotent: entries already persisted merge into themselves.
func (e *Engine) warmStart() {
	entries, err := e.db.PendingOutbox()
	if err != nil {
		e.logger.Error("warm start: reading outbox", zap.Error(err))
		return
	}
	for _, entry := range entries {
		e.apply(entry.ReceiverID, []Record{{
			ClientKey:  entry.ClientKey,
			SenderID:   e.cfg.SelfID,
			ReceiverID: entry.ReceiverID,
			Content:    entry.Content,
			CreatedAt:  entry.EnqueuedAt,
			State:      store.StatePending,
		}})
	}
}

func (e *Engine) handle(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case Record:
		if p.Tombstone {
			e.applyTombstone(p)
			return
		}
		e.apply(p.Counterpart(e.cfg.SelfID), []Record{p})
	case PullBatch:
		e.apply(p.CounterpartID, p.Records)
	case SendFailure:
		e.apply(p.ReceiverID, []Record{{
			ClientKey:  p.ClientKey,
			SenderID:   e.cfg.SelfID,
			ReceiverID: p.ReceiverID,
			State:      store.StateFailed,
		}})
	case ConversationSummary:
		if err := e.db.UpsertConversation(p.CounterpartID, p.LastMessageAt, p.LastMessagePreview); err != nil {
			e.logger.Error("updating conversation summary",
				zap.String("counterpart", p.CounterpartID), zap.Error(err))
			return
		}
		e.bus.Publish(bus.Now("chat.updated", p.CounterpartID))
	default:
		// Other events in the subscribed namespaces (typing, presence)
		// are not the engine's concern.
	}
}

// applyTombstone routes a delete event. The wire form carries only the
// message id, so the owning conversation is looked up locally; when the
// message has not arrived yet, the tombstone is recorded anyway so the
// late insert is suppressed wherever it lands.
func (e *Engine) applyTombstone(rec Record) {
	counterpartID := rec.Counterpart(e.cfg.SelfID)
	if counterpartID == "" {
		var err error
		counterpartID, err = e.db.ConversationOf(rec.ServerID)
		if err != nil {
			e.logger.Error("locating deleted message",
				zap.String("server_id", rec.ServerID), zap.Error(err))
			return
		}
	}
	if counterpartID == "" {
		now := time.Now().UnixMilli()
		e.tombs = append(e.tombs, Tombstone{Key: "id:" + rec.ServerID, SeenAt: now})
		e.logger.Info("delete arrived before message",
			zap.String("server_id", rec.ServerID))
		return
	}
	e.apply(counterpartID, []Record{rec})
}

// apply runs one reconciliation round for a conversation and persists the
// result.
func (e *Engine) apply(counterpartID string, recs []Record) {
	if counterpartID == "" || len(recs) == 0 {
		return
	}
	existing, err := e.db.ListMessages(counterpartID)
	if err != nil {
		e.logger.Error("loading conversation",
			zap.String("counterpart", counterpartID), zap.Error(err))
		return
	}

	merged, tombs := Reconcile(existing, e.tombs, recs, time.Now().UnixMilli())

	if err := e.db.SaveConversation(counterpartID, merged); err != nil {
		e.logger.Error("persisting conversation",
			zap.String("counterpart", counterpartID), zap.Error(err))
		return
	}
	e.tombs = tombs

	e.bus.Publish(bus.Now("chat.updated", counterpartID))
}

// sweepPending fails pending messages that outlived their outbox entry.
// A pending message with no queued or sending entry behind it can never be
// delivered, so after PendingMaxAge it is surfaced as failed rather than
// left spinning forever.
func (e *Engine) sweepPending() {
	statuses, err := e.db.OutboxStatuses()
	if err != nil {
		e.logger.Error("sweep: reading outbox", zap.Error(err))
		return
	}
	convs, err := e.db.ListConversations()
	if err != nil {
		e.logger.Error("sweep: listing conversations", zap.Error(err))
		return
	}

	cutoff := time.Now().UnixMilli() - e.cfg.PendingMaxAge.Milliseconds()
	for _, c := range convs {
		msgs, err := e.db.ListMessages(c.CounterpartID)
		if err != nil {
			e.logger.Error("sweep: loading conversation",
				zap.String("counterpart", c.CounterpartID), zap.Error(err))
			continue
		}
		var stale []Record
		for _, m := range msgs {
			if m.State != store.StatePending || m.CreatedAt > cutoff {
				continue
			}
			status := statuses[m.ClientKey]
			if status == "queued" || status == "sending" {
				continue
			}
			stale = append(stale, Record{
				ClientKey:  m.ClientKey,
				SenderID:   m.SenderID,
				ReceiverID: m.ReceiverID,
				State:      store.StateFailed,
			})
		}
		if len(stale) > 0 {
			e.logger.Warn("failing stale pending messages",
				zap.String("counterpart", c.CounterpartID), zap.Int("count", len(stale)))
			e.apply(c.CounterpartID, stale)
		}
	}
}
