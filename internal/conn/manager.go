// Package conn owns the lifecycle of the push channel: connect,
// authenticate, detect failure, reconnect with bounded backoff, and
// broadcast lifecycle and inbound events on the bus.
package conn

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vterra/chirp/internal/bus"
	"github.com/vterra/chirp/internal/store"
	intsync "github.com/vterra/chirp/internal/sync"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by direct channel operations while the
	// channel is down and no fallback queue applies.
	ErrNotConnected = errors.New("push channel not connected")
	// ErrAuth marks credential rejection; the session must re-authenticate,
	// the channel does not retry.
	ErrAuth = errors.New("push channel authentication rejected")
)

// Config holds the channel endpoint and reconnection policy.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/ws.
	URL string
	// SelfID is the local user id, used to stamp optimistic echoes.
	SelfID string
	// Backoff bounds the reconnection schedule.
	Backoff BackoffPolicy
	// Heartbeat is the ping interval; 0 disables keepalive pings.
	Heartbeat time.Duration
}

// Enqueuer is the send-queue hook used when the channel is down.
type Enqueuer interface {
	Enqueue(clientKey, receiverID, content string) error
}

// Manager drives the push-channel state machine. Lifecycle and inbound
// events are published on the bus under "conn." and "push." namespaces;
// subscribers get independent buffered channels, so no consumer can break
// delivery to another.
type Manager struct {
	cfg     Config
	dialer  Dialer
	tokens  TokenSource
	bus     *bus.Bus
	logger  *zap.Logger
	machine *machine

	mu      sync.Mutex
	sock    Socket
	cancel  context.CancelFunc
	retry   *time.Timer
	bo      backoff
	queue   Enqueuer
	started bool
}

// NewManager creates a manager using the real websocket transport.
func NewManager(cfg Config, tokens TokenSource, b *bus.Bus, logger *zap.Logger) *Manager {
	return NewManagerWithDialer(cfg, &wsDialer{httpc: http.DefaultClient}, tokens, b, logger)
}

// NewManagerWithDialer creates a manager with an injected transport,
// allowing tests to run without a live network.
func NewManagerWithDialer(cfg Config, d Dialer, tokens TokenSource, b *bus.Bus, logger *zap.Logger) *Manager {
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff
	}
	cfg.URL = wsURL(cfg.URL)
	return &Manager{
		cfg:     cfg,
		dialer:  d,
		tokens:  tokens,
		bus:     b,
		logger:  logger,
		machine: newMachine(b),
	}
}

// wsURL rewrites an http(s) base into its websocket form.
func wsURL(u string) string {
	u = strings.Replace(u, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

// SetFallback installs the send queue used when Send is called while the
// channel is down.
func (m *Manager) SetFallback(q Enqueuer) {
	m.mu.Lock()
	m.queue = q
	m.mu.Unlock()
}

// State returns the current channel state.
func (m *Manager) State() State { return m.machine.Current() }

// Connected reports whether the channel is up.
func (m *Manager) Connected() bool { return m.machine.Current() == Connected }

// Start brings the channel up. It is idempotent: calling while an attempt
// is in flight or the channel is up is a no-op. Calling on an errored
// manager is the explicit retry that leaves the terminal error state.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.machine.Current() {
	case Connecting, Connected, Reconnecting:
		m.mu.Unlock()
		return nil
	case Error:
		m.bo.Reset()
	}
	if err := m.machine.Transition(Connecting); err != nil {
		m.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true
	m.mu.Unlock()

	go m.connect(runCtx)
	return nil
}

// Stop tears the channel down: the socket is closed, any pending retry
// timer is cancelled, and the state returns to Disconnected. Safe to call
// multiple times; in-flight callbacks become no-ops once it returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	sock := m.sock
	m.sock = nil
	m.started = false
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close("client stop")
	}
	if m.machine.Current() != Disconnected {
		_ = m.machine.Transition(Disconnected)
	}
}

func (m *Manager) connect(ctx context.Context) {
	token, err := m.tokens.Token()
	if err != nil {
		m.logger.Error("token source failed", zap.Error(err))
		m.fail(err)
		return
	}

	sock, err := m.dialer.Dial(ctx, m.cfg.URL, token)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuth) {
			m.logger.Error("authentication rejected", zap.Error(err))
			m.fail(err)
			return
		}
		m.logger.Warn("connect failed", zap.Error(err))
		m.scheduleRetry(ctx)
		return
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		_ = sock.Close("stopped during connect")
		return
	}
	m.sock = sock
	m.bo.Reset()
	m.mu.Unlock()

	if err := m.machine.Transition(Connected); err != nil {
		m.logger.Warn("connected in unexpected state", zap.Error(err))
	}
	m.logger.Info("push channel connected")
	m.bus.Publish(bus.Now("conn.online", nil))

	go m.readLoop(ctx, sock)
	if m.cfg.Heartbeat > 0 {
		go m.heartbeat(ctx, sock)
	}
}

func (m *Manager) readLoop(ctx context.Context, sock Socket) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			if m.sock == sock {
				m.sock = nil
			}
			m.mu.Unlock()
			m.logger.Warn("push channel lost", zap.Error(err))
			_ = m.machine.Transition(Reconnecting)
			m.scheduleRetry(ctx)
			return
		}
		dispatch(m.bus, m.logger, data)
	}
}

// heartbeat pings the socket at the configured interval; a failed ping
// closes the socket, which surfaces as a read error and triggers the
// normal reconnect path.
func (m *Manager) heartbeat(ctx context.Context, sock Socket) {
	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sock.Ping(ctx); err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("heartbeat failed", zap.Error(err))
					_ = sock.Close("heartbeat timeout")
				}
				return
			}
		}
	}
}

func (m *Manager) scheduleRetry(ctx context.Context) {
	m.mu.Lock()
	delay, ok := m.bo.Next()
	if !ok {
		m.mu.Unlock()
		m.fail(errors.New("reconnect attempts exhausted"))
		return
	}
	if m.machine.Current() != Reconnecting {
		_ = m.machine.Transition(Reconnecting)
	}
	m.retry = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		m.connect(ctx)
	})
	m.mu.Unlock()
	m.logger.Info("reconnect scheduled", zap.Duration("delay", delay))
}

// fail parks the manager in the terminal error state. Only an explicit
// Start leaves it.
func (m *Manager) fail(err error) {
	_ = m.machine.Transition(Error)
	m.bus.Publish(bus.Now("conn.error", err.Error()))
}

// Send submits a message for delivery. While connected it goes straight
// onto the channel; otherwise it is handed to the send queue for replay.
// Either way an optimistic pending record is published for the reconciler,
// keyed by the returned client key.
func (m *Manager) Send(ctx context.Context, receiverID, content string) (string, error) {
	key := uuid.NewString()
	rec := m.pendingRecord(key, receiverID, content)

	if err := m.SendDirect(ctx, receiverID, content, key); err == nil {
		m.bus.Publish(bus.Now("local.message", rec))
		return key, nil
	} else if !errors.Is(err, ErrNotConnected) {
		return "", err
	}

	m.mu.Lock()
	queue := m.queue
	m.mu.Unlock()
	if queue == nil {
		return "", ErrNotConnected
	}
	if err := queue.Enqueue(key, receiverID, content); err != nil {
		return "", err
	}
	m.bus.Publish(bus.Now("local.message", rec))
	return key, nil
}

// SendDirect sends on the channel without queue fallback, for callers that
// would rather fail than buffer.
func (m *Manager) SendDirect(ctx context.Context, receiverID, content, clientKey string) error {
	return m.command(ctx, cmdSendMessage, sendPayload{
		ReceiverID: receiverID,
		Content:    content,
		ClientKey:  clientKey,
	})
}

// NotifyTyping announces a typing state change. Typing is ephemeral and is
// never queued: if the channel is down the notification is dropped.
func (m *Manager) NotifyTyping(ctx context.Context, receiverID string, isTyping bool) error {
	err := m.command(ctx, cmdTypingNotify, typingPayload{ReceiverID: receiverID, IsTyping: isTyping})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// UpdateMessage requests a content edit of an owned message.
func (m *Manager) UpdateMessage(ctx context.Context, messageID, content string) error {
	return m.command(ctx, cmdUpdate, updatePayload{MessageID: messageID, Content: content})
}

// DeleteMessage requests removal of an owned message.
func (m *Manager) DeleteMessage(ctx context.Context, messageID string) error {
	return m.command(ctx, cmdDelete, deletePayload{MessageID: messageID})
}

func (m *Manager) command(ctx context.Context, typ string, payload any) error {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock == nil || m.machine.Current() != Connected {
		return ErrNotConnected
	}
	data, err := encodeCommand(typ, payload)
	if err != nil {
		return err
	}
	return sock.Write(ctx, data)
}

func (m *Manager) pendingRecord(clientKey, receiverID, content string) intsync.Record {
	return intsync.Record{
		ClientKey:  clientKey,
		SenderID:   m.cfg.SelfID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  time.Now().UnixMilli(),
		State:      store.StatePending,
	}
}

type sendPayload struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ClientKey  string `json:"clientKey"`
}

type typingPayload struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

type updatePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type deletePayload struct {
	MessageID string `json:"messageId"`
}
