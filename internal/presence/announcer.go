package presence

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
)

// Notifier is the slice of the connection manager used to announce local
// typing to the server.
type Notifier interface {
	NotifyTyping(ctx context.Context, receiverID string, isTyping bool) error
}

// AnnouncerConfig tunes the announcer. The zero value gets sane defaults.
type AnnouncerConfig struct {
	// Debounce is both the floor between repeated "typing" announcements
	// for one receiver and the idle time after which "stopped typing" is
	// announced automatically.
	Debounce time.Duration
}

// Announcer turns a stream of local keystrokes into the minimal set of
// typing notifications: one "typing" per debounce window and an automatic
// "stopped" once the keystrokes go quiet.
type Announcer struct {
	notifier Notifier
	logger   *zap.Logger
	cfg      AnnouncerConfig

	mu        stdsync.Mutex
	lastSent  map[string]time.Time
	stopTimer map[string]*time.Timer
	closed    bool
}

func NewAnnouncer(cfg AnnouncerConfig, n Notifier, logger *zap.Logger) *Announcer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	return &Announcer{
		notifier:  n,
		logger:    logger.Named("typing"),
		cfg:       cfg,
		lastSent:  make(map[string]time.Time),
		stopTimer: make(map[string]*time.Timer),
	}
}

// Keystroke registers local input addressed to a receiver. The first
// keystroke in a debounce window announces typing; every keystroke pushes
// the automatic stop announcement further out.
func (a *Announcer) Keystroke(ctx context.Context, receiverID string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	now := time.Now()
	announce := now.Sub(a.lastSent[receiverID]) >= a.cfg.Debounce
	if announce {
		a.lastSent[receiverID] = now
	}
	if timer, ok := a.stopTimer[receiverID]; ok {
		timer.Stop()
	}
	a.stopTimer[receiverID] = time.AfterFunc(a.cfg.Debounce, func() {
		a.autoStop(receiverID)
	})
	a.mu.Unlock()

	if announce {
		if err := a.notifier.NotifyTyping(ctx, receiverID, true); err != nil {
			a.logger.Debug("typing announcement dropped", zap.Error(err))
		}
	}
}

// Stopped announces that local typing to a receiver ended, cancelling the
// pending automatic stop. Used when a message is sent or the draft is
// discarded.
func (a *Announcer) Stopped(ctx context.Context, receiverID string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if timer, ok := a.stopTimer[receiverID]; ok {
		timer.Stop()
		delete(a.stopTimer, receiverID)
	}
	delete(a.lastSent, receiverID)
	a.mu.Unlock()

	if err := a.notifier.NotifyTyping(ctx, receiverID, false); err != nil {
		a.logger.Debug("typing announcement dropped", zap.Error(err))
	}
}

// Close cancels all pending stop timers. Announcements in flight become
// no-ops.
func (a *Announcer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, timer := range a.stopTimer {
		timer.Stop()
		delete(a.stopTimer, id)
	}
}

func (a *Announcer) autoStop(receiverID string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	delete(a.stopTimer, receiverID)
	delete(a.lastSent, receiverID)
	a.mu.Unlock()

	if err := a.notifier.NotifyTyping(context.Background(), receiverID, false); err != nil {
		a.logger.Debug("typing announcement dropped", zap.Error(err))
	}
}
