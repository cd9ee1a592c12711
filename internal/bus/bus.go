// Package bus provides the in-process message bus between the gateway
// control plane, channel adapters, and the agent runtime.
package bus

import (
	"context"
	"sync"
	"time"
)

// Well-known metadata keys and message type constants.
const (
	MetaKeyMessageType  = "message_type"
	MetaKeyCronJob      = "cron_job"
	MetaKeyWakeNow      = "wake_now"
	MetaKeyIDLine       = "id_line"
	MessageTypeInternal = "internal"
	MessageTypeExternal = "external"
	MessageTypeSystem   = "system_event"
)

// InboundMessage is work handed to the agent runtime.
type InboundMessage struct {
	Channel    string         `json:"channel"`
	SenderID   string         `json:"sender_id"`
	ChatID     string         `json:"chat_id"`
	SessionKey string         `json:"session_key,omitempty"`
	TraceID    string         `json:"trace_id"`
	Content    string         `json:"content"`
	Model      string         `json:"model,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// MessageType returns the message type from metadata, defaulting to external.
func (m *InboundMessage) MessageType() string {
	if m.Metadata != nil {
		if v, ok := m.Metadata[MetaKeyMessageType].(string); ok && v != "" {
			return v
		}
	}
	return MessageTypeExternal
}

// OutboundMessage is a message leaving the agent or control plane toward a
// channel. ChatID is the channel-specific recipient.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	TraceID string `json:"trace_id"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// MessageBus decouples channels and the control plane from the agent core.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
	subs     map[string]map[int]func(*OutboundMessage)
	nextSub  int
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, 100),
		outbound: make(chan *OutboundMessage, 100),
		subs:     make(map[string]map[int]func(*OutboundMessage)),
	}
}

// PublishInbound queues a message for the agent. It blocks while the queue
// is full until ctx is done.
func (b *MessageBus) PublishInbound(ctx context.Context, msg *InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound queues a message for channel delivery.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg *OutboundMessage) error {
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a callback for outbound messages to a channel. The
// returned func removes the subscription.
func (b *MessageBus) Subscribe(channel string, callback func(*OutboundMessage)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]func(*OutboundMessage))
	}
	b.subs[channel][id] = callback
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[channel], id)
	}
}

// DispatchOutbound runs the outbound message dispatcher until ctx is done.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := make([]func(*OutboundMessage), 0, len(b.subs[msg.Channel]))
			for _, cb := range b.subs[msg.Channel] {
				callbacks = append(callbacks, cb)
			}
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
