package conn

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vterra/chirp/internal/bus"
	intsync "github.com/vterra/chirp/internal/sync"
	"go.uber.org/zap"
)

// Envelope is the framing for every push-channel message, both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Server → client event types.
const (
	evtReceiveMessage     = "message.receive"
	evtMessageSent        = "message.sent"
	evtMessageUpdated     = "message.updated"
	evtMessageDeleted     = "message.deleted"
	evtConversationUpdate = "conversation.update"
	evtUserTyping         = "user.typing"
)

// Client → server command types.
const (
	cmdSendMessage  = "message.send"
	cmdTypingNotify = "typing.notify"
	cmdUpdate       = "message.update"
	cmdDelete       = "message.delete"
)

// TypingEvent is the payload for "push.typing" bus events.
type TypingEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceEvent is the payload for "push.presence" bus events.
type PresenceEvent struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

type deletedPayload struct {
	MessageID string `json:"messageId"`
}

func encodeCommand(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// dispatch decodes one inbound envelope and republishes it as a typed bus
// event. Unknown event types are logged and skipped so a server rollout
// cannot wedge the read loop.
func dispatch(b *bus.Bus, logger *zap.Logger, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("undecodable push frame", zap.Error(err))
		return
	}

	switch env.Type {
	case evtReceiveMessage, evtMessageSent, evtMessageUpdated:
		var w intsync.WireMessage
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			logger.Warn("bad message payload", zap.String("type", env.Type), zap.Error(err))
			return
		}
		rec := w.Record()
		kind := "push.message"
		if env.Type == evtMessageSent {
			kind = "push.message_sent"
		}
		b.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: rec})

	case evtMessageDeleted:
		var p deletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.MessageID == "" {
			logger.Warn("bad delete payload", zap.Error(err))
			return
		}
		b.Publish(bus.Now("push.message", intsync.Record{ServerID: p.MessageID, Tombstone: true}))

	case evtConversationUpdate:
		var p intsync.ConversationSummary
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			logger.Warn("bad conversation payload", zap.Error(err))
			return
		}
		b.Publish(bus.Now("push.conversation", p))

	case evtUserTyping:
		var p TypingEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			logger.Warn("bad typing payload", zap.Error(err))
			return
		}
		b.Publish(bus.Now("push.typing", p))

	case "user.presence":
		var p PresenceEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			logger.Warn("bad presence payload", zap.Error(err))
			return
		}
		b.Publish(bus.Now("push.presence", p))

	default:
		logger.Debug("ignoring unknown push event", zap.String("type", env.Type))
	}
}
