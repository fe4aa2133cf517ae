// Package outbox buffers sends taken while the push channel is down and
// replays them when it comes back, preserving per-receiver order.
package outbox

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/vterra/chirp/internal/bus"
	"github.com/vterra/chirp/internal/conn"
	"github.com/vterra/chirp/internal/store"
	intsync "github.com/vterra/chirp/internal/sync"
)

// Channel is the slice of the connection manager the queue replays
// through.
type Channel interface {
	SendDirect(ctx context.Context, receiverID, content, clientKey string) error
}

// Config tunes the queue. The zero value gets sane defaults.
type Config struct {
	// MaxAttempts is how many deliveries are tried per entry before it is
	// dropped and its message marked failed.
	MaxAttempts int
	// RetryDelay is the pause between attempts for the same entry.
	RetryDelay time.Duration
}

// Queue is the durable send buffer. Entries live in the outbox table, so
// sends queued before a crash survive the restart. Replay is triggered by
// the channel coming online and runs one pass at a time.
type Queue struct {
	db      *store.DB
	bus     *bus.Bus
	channel Channel
	logger  *zap.Logger
	cfg     Config

	mu     stdsync.Mutex // serializes replay passes
	cancel context.CancelFunc
	done   chan struct{}
}

func NewQueue(cfg Config, db *store.DB, b *bus.Bus, ch Channel, logger *zap.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Queue{
		db:      db,
		bus:     b,
		channel: ch,
		logger:  logger.Named("outbox"),
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// Enqueue buffers one send. The acknowledgement is only that the send is
// queued, not that it was delivered.
func (q *Queue) Enqueue(clientKey, receiverID, content string) error {
	if err := q.db.QueueOutbox(clientKey, receiverID, content); err != nil {
		return err
	}
	q.logger.Info("send queued",
		zap.String("receiver", receiverID), zap.String("client_key", clientKey))
	return nil
}

// Cancel withdraws a queued send before it is replayed. The optimistic
// message behind it is surfaced as failed, since it will never be
// delivered.
func (q *Queue) Cancel(clientKey, receiverID string) error {
	if err := q.db.CancelOutbox(clientKey); err != nil {
		return err
	}
	q.bus.Publish(bus.Now("outbox.failed", intsync.SendFailure{
		ClientKey:  clientKey,
		ReceiverID: receiverID,
		Reason:     "cancelled",
	}))
	return nil
}

// Start watches for the channel coming online and replays on each
// transition.
func (q *Queue) Start(ctx context.Context) error {
	ctx, q.cancel = context.WithCancel(ctx)
	online := q.bus.Subscribe("conn.", 16)

	go func() {
		defer close(q.done)
		defer online.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-online.C():
				if evt.Kind == "conn.online" {
					q.Replay(ctx)
				}
			}
		}
	}()
	return nil
}

// Stop halts the watcher and waits for it to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

// Replay delivers queued entries, one lane per receiver. Within a lane
// entries go strictly in enqueue order: an entry is retried until it goes
// through or its attempts run out, and only then is the next one
// considered. Lanes run independently, so a receiver whose entry keeps
// failing never holds up sends to anyone else. A lane stops when the
// channel drops, leaving its remaining entries queued for the next pass.
func (q *Queue) Replay(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.db.PendingOutbox()
	if err != nil {
		q.logger.Error("reading outbox", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}
	q.logger.Info("replaying outbox", zap.Int("entries", len(entries)))

	lanes := make(map[string][]store.OutboxEntry)
	for _, entry := range entries {
		lanes[entry.ReceiverID] = append(lanes[entry.ReceiverID], entry)
	}

	var wg stdsync.WaitGroup
	for _, lane := range lanes {
		wg.Add(1)
		go func(lane []store.OutboxEntry) {
			defer wg.Done()
			for _, entry := range lane {
				if ctx.Err() != nil {
					return
				}
				if !q.deliver(ctx, entry) {
					return
				}
			}
		}(lane)
	}
	wg.Wait()
}

// deliver replays one entry, retrying in place so the entry either goes
// through or is dropped before its lane advances. Returns false when the
// lane must stop.
func (q *Queue) deliver(ctx context.Context, entry store.OutboxEntry) bool {
	attempts := entry.Attempts
	for attempts < q.cfg.MaxAttempts {
		if err := q.db.MarkOutboxSending(entry.ClientKey); err != nil {
			q.logger.Error("marking outbox entry", zap.Error(err))
			return false
		}
		attempts++

		err := q.channel.SendDirect(ctx, entry.ReceiverID, entry.Content, entry.ClientKey)
		if err == nil {
			if err := q.db.MarkOutboxSent(entry.ClientKey); err != nil {
				q.logger.Error("clearing outbox entry", zap.Error(err))
			}
			return true
		}

		if errors.Is(err, conn.ErrNotConnected) || ctx.Err() != nil {
			// Channel dropped mid-replay; the rest waits for the next
			// pass.
			_ = q.db.RequeueOutbox(entry.ClientKey, err.Error())
			return false
		}

		q.logger.Warn("replay attempt failed",
			zap.String("client_key", entry.ClientKey),
			zap.Int("attempt", attempts), zap.Error(err))
		_ = q.db.RequeueOutbox(entry.ClientKey, err.Error())

		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.cfg.RetryDelay):
		}
	}

	// Attempts exhausted: drop the entry and surface the failure.
	reason := "delivery attempts exhausted"
	if err := q.db.MarkOutboxFailed(entry.ClientKey, reason); err != nil {
		q.logger.Error("marking outbox entry failed", zap.Error(err))
	}
	q.bus.Publish(bus.Now("outbox.failed", intsync.SendFailure{
		ClientKey:  entry.ClientKey,
		ReceiverID: entry.ReceiverID,
		Reason:     reason,
	}))
	return true
}
