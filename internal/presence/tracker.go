// Package presence mirrors what the server says about other users: online
// state and typing activity. The server is the only source of truth here;
// on disconnect everything is cleared back to unknown rather than guessed
// at.
package presence

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/vterra/chirp/internal/bus"
	"github.com/vterra/chirp/internal/conn"
)

// Record is the last known presence of one user.
type Record struct {
	UserID   string
	Online   bool
	LastSeen int64 // unix millis, 0 = never seen offline
}

// TypingChange is published on the bus whenever a user starts or stops
// typing, including the automatic expiry.
type TypingChange struct {
	UserID string
	Typing bool
}

// Config tunes the tracker. The zero value gets sane defaults.
type Config struct {
	// TypingTTL is how long a typing notification stays fresh without a
	// refresh before the user is considered to have stopped.
	TypingTTL time.Duration
}

// Tracker owns the presence and typing maps. All mutation goes through
// its methods; expiry timers re-check state under the lock so a stale
// timer firing after a refresh or a clear is a no-op.
type Tracker struct {
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config

	mu      stdsync.Mutex
	records map[string]Record
	typing  map[string]int64 // user -> startedAt (last refresh), unix millis
	timers  map[string]*time.Timer
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewTracker(cfg Config, b *bus.Bus, logger *zap.Logger) *Tracker {
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 5 * time.Second
	}
	return &Tracker{
		bus:     b,
		logger:  logger.Named("presence"),
		cfg:     cfg,
		records: make(map[string]Record),
		typing:  make(map[string]int64),
		timers:  make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
}

// Start feeds the tracker from the push channel's presence and typing
// events and clears it whenever the channel is lost.
func (t *Tracker) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)
	pushes := t.bus.Subscribe("push.", 64)
	states := t.bus.Subscribe("conn.", 16)

	go func() {
		defer close(t.done)
		defer pushes.Cancel()
		defer states.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-pushes.C():
				switch p := evt.Payload.(type) {
				case conn.PresenceEvent:
					if p.Online {
						t.SetOnline(p.UserID)
					} else {
						t.SetOffline(p.UserID, p.LastSeen)
					}
				case conn.TypingEvent:
					t.NoteTyping(p.UserID, p.IsTyping)
				}
			case evt := <-states.C():
				if sc, ok := evt.Payload.(conn.StateChange); ok && sc.From == conn.Connected {
					t.Clear()
				}
			}
		}
	}()
	return nil
}

// Stop halts the event feed, cancels outstanding expiry timers and makes
// any timer already firing a no-op.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	t.mu.Lock()
	t.closed = true
	t.typing = make(map[string]int64)
	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = make(map[string]*time.Timer)
	t.mu.Unlock()
}

// SetOnline records a user as online.
func (t *Tracker) SetOnline(userID string) {
	t.mu.Lock()
	t.records[userID] = Record{UserID: userID, Online: true}
	t.mu.Unlock()
	t.bus.Publish(bus.Now("presence.changed", Record{UserID: userID, Online: true}))
}

// SetOffline records a user as offline with their last-seen time.
func (t *Tracker) SetOffline(userID string, lastSeen int64) {
	rec := Record{UserID: userID, LastSeen: lastSeen}
	t.mu.Lock()
	t.records[userID] = rec
	t.mu.Unlock()
	t.bus.Publish(bus.Now("presence.changed", rec))
}

// IsOnline reports whether a user is currently known to be online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[userID].Online
}

// LastSeen returns the recorded last-seen time for a user, or zero when
// unknown.
func (t *Tracker) LastSeen(userID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[userID].LastSeen
}

// NoteTyping records a typing notification. A true refreshes the typing
// state and re-arms its expiry; a false drops it immediately.
func (t *Tracker) NoteTyping(userID string, isTyping bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if !isTyping {
		_, was := t.typing[userID]
		delete(t.typing, userID)
		if tm, ok := t.timers[userID]; ok {
			tm.Stop()
			delete(t.timers, userID)
		}
		t.mu.Unlock()
		if was {
			t.bus.Publish(bus.Now("presence.typing_changed", TypingChange{UserID: userID}))
		}
		return
	}

	startedAt := time.Now().UnixMilli()
	_, was := t.typing[userID]
	t.typing[userID] = startedAt
	if tm, ok := t.timers[userID]; ok {
		tm.Stop()
	}
	t.timers[userID] = time.AfterFunc(t.cfg.TypingTTL, func() { t.expireTyping(userID, startedAt) })
	t.mu.Unlock()

	if !was {
		t.bus.Publish(bus.Now("presence.typing_changed", TypingChange{UserID: userID, Typing: true}))
	}
}

// IsTyping reports whether a user's typing notification is still fresh.
func (t *Tracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	startedAt, ok := t.typing[userID]
	if !ok {
		return false
	}
	return time.Now().UnixMilli()-startedAt < t.cfg.TypingTTL.Milliseconds()
}

// Clear forgets all presence and typing state. Used on disconnect: the
// server went silent, so nothing can be claimed about anyone.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.records = make(map[string]Record)
	t.typing = make(map[string]int64)
	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = make(map[string]*time.Timer)
	t.mu.Unlock()
	t.logger.Info("presence state cleared")
	t.bus.Publish(bus.Now("presence.cleared", nil))
}

// expireTyping drops a typing record once its TTL passes. A refresh after
// the timer was armed moves startedAt forward, which makes this firing a
// no-op, as does a Stop that raced the timer.
func (t *Tracker) expireTyping(userID string, startedAt int64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	current, ok := t.typing[userID]
	if !ok || current != startedAt {
		t.mu.Unlock()
		return
	}
	delete(t.typing, userID)
	delete(t.timers, userID)
	t.mu.Unlock()
	t.bus.Publish(bus.Now("presence.typing_changed", TypingChange{UserID: userID}))
}
