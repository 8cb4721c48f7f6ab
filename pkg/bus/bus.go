// Package bus implements the bounded inbound/outbound message queues that
// decouple channel adapters from the agent loop (spec.md §4.1).
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sipeed/oxibot/pkg/media"
)

// ErrBusClosed is returned by Publish* once the bus has been closed.
var ErrBusClosed = errors.New("bus closed")

// InboundMessage is a channel→agent payload (spec.md §3). Immutable once
// published.
type InboundMessage struct {
	Channel    string
	SenderID   string
	ChatID     string
	Content    string
	Timestamp  time.Time
	Media      []media.ContentPart
	Metadata   map[string]string
	SessionKey string
}

// OutboundMessage is an agent→channel payload (spec.md §3).
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Media    []media.ContentPart
	Metadata map[string]string
}

// SessionKey returns "{channel}:{chat_id}", the canonical session identity
// (spec.md §3, §8 invariant 1).
func SessionKey(channel, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// MessageBus holds two bounded FIFO queues: inbound (channels→agent) and
// outbound (agent→channels). Multi-producer, single-consumer per direction.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu     sync.Mutex
	closed bool
}

// NewMessageBus creates a bus with the given per-direction queue capacity.
// A capacity of 0 falls back to the spec default of 100.
func NewMessageBus(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = 100
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
	}
}

// PublishInbound enqueues an inbound message, filling in SessionKey and
// Timestamp if unset. Blocks while the queue is full; returns ErrBusClosed
// once Close has been called.
func (b *MessageBus) PublishInbound(msg InboundMessage) error {
	if msg.SessionKey == "" {
		msg.SessionKey = SessionKey(msg.Channel, msg.ChatID)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	defer func() { recover() }() // sending on a channel closed concurrently
	b.inbound <- msg
	return nil
}

// PublishOutbound enqueues an outbound message, blocking while the outbound
// queue is full. It returns no error: on a closed bus the message is
// silently dropped. Messages drain via ConsumeOutbound in FIFO order.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	defer func() { recover() }()
	b.outbound <- msg
}

// ConsumeInbound blocks until a message is available, ctx is cancelled, or
// the bus is closed (ok=false).
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-b.inbound:
		return msg, ok
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// ConsumeOutbound blocks until a message is available, ctx is cancelled, or
// the bus is closed (ok=false).
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-b.outbound:
		return msg, ok
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// InboundSender returns the raw channel for callers that want to select on
// it directly alongside other events.
func (b *MessageBus) InboundSender() chan<- InboundMessage {
	return b.inbound
}

// OutboundSender returns the raw channel for callers that want to select on
// it directly alongside other events.
func (b *MessageBus) OutboundSender() chan<- OutboundMessage {
	return b.outbound
}

// Close terminates both queues. Safe to call once; a second call is a no-op.
// Consumers blocked in ConsumeInbound/ConsumeOutbound observe ok=false once
// the corresponding channel drains.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.inbound)
	close(b.outbound)
}
