package bus

import (
	"context"
	"testing"
	"time"
)

func TestSessionKey(t *testing.T) {
	if got := SessionKey("telegram", "123"); got != "telegram:123" {
		t.Errorf("unexpected session key: %q", got)
	}
}

func TestPublishInboundFillsSessionKeyAndTimestamp(t *testing.T) {
	b := NewMessageBus(4)
	defer b.Close()

	if err := b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"}); err != nil {
		t.Fatalf("PublishInbound: %v", err)
	}

	msg, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.SessionKey != "telegram:42" {
		t.Errorf("unexpected session key: %q", msg.SessionKey)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected timestamp to be filled in")
	}
}

func TestZeroCapacityDefaultsTo100(t *testing.T) {
	b := NewMessageBus(0)
	defer b.Close()
	if cap(b.inbound) != 100 || cap(b.outbound) != 100 {
		t.Errorf("expected default capacity 100, got in=%d out=%d", cap(b.inbound), cap(b.outbound))
	}
}

func TestPublishOutboundIsFIFO(t *testing.T) {
	b := NewMessageBus(4)
	defer b.Close()

	b.PublishOutbound(OutboundMessage{ChatID: "1", Content: "first"})
	b.PublishOutbound(OutboundMessage{ChatID: "2", Content: "second"})

	ctx := context.Background()
	m1, ok := b.ConsumeOutbound(ctx)
	if !ok || m1.Content != "first" {
		t.Fatalf("expected 'first', got %+v ok=%v", m1, ok)
	}
	m2, ok := b.ConsumeOutbound(ctx)
	if !ok || m2.Content != "second" {
		t.Fatalf("expected 'second', got %+v ok=%v", m2, ok)
	}
}

func TestCloseIsIdempotentAndDrainsConsumers(t *testing.T) {
	b := NewMessageBus(2)
	b.Close()
	b.Close() // must not panic

	if _, ok := b.ConsumeInbound(context.Background()); ok {
		t.Error("expected ok=false after close")
	}
	if _, ok := b.ConsumeOutbound(context.Background()); ok {
		t.Error("expected ok=false after close")
	}
}

func TestPublishInboundAfterCloseReturnsErrBusClosed(t *testing.T) {
	b := NewMessageBus(1)
	b.Close()

	if err := b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "1"}); err != ErrBusClosed {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

func TestPublishOutboundAfterCloseIsSilentNoOp(t *testing.T) {
	b := NewMessageBus(1)
	b.Close()

	// Must not panic even though the channel is closed.
	b.PublishOutbound(OutboundMessage{ChatID: "1", Content: "dropped"})
}

func TestConsumeInboundCancelledByContext(t *testing.T) {
	b := NewMessageBus(1)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("expected ok=false on context cancellation with no message pending")
	}
}

func TestPublishInboundBlocksWhenFull(t *testing.T) {
	b := NewMessageBus(1)
	defer b.Close()

	if err := b.PublishInbound(InboundMessage{Channel: "c", ChatID: "1"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.PublishInbound(InboundMessage{Channel: "c", ChatID: "2"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second publish should block while queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	b.ConsumeInbound(context.Background()) // drain the first, unblocking the goroutine
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not unblock after drain")
	}
}
