// Package channels implements the Channel Manager and the five transport
// adapters (Telegram, Discord, Slack, WhatsApp, Email) that bridge the
// message bus to real-world chat platforms (spec.md §4.7, §4.8).
package channels

import (
	"context"
	"strings"
	"sync"

	"github.com/sipeed/oxibot/pkg/bus"
)

// Channel is one transport adapter. Start runs until ctx is cancelled or the
// adapter gives up permanently (e.g. missing config); it must not block the
// caller past its own setup. Send delivers one outbound message, chunking it
// internally if the platform imposes a length limit.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// BaseChannel factors the bits every adapter needs: a name, a bus handle,
// the running flag, and the allow-list matching rule common to all five
// adapters (spec.md §4.8): empty list allows everyone; otherwise the sender
// ID must match an allowed entry exactly, or — for compound IDs shaped like
// "id|username" — any non-empty '|'-separated part must match.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowList []string

	mu      sync.RWMutex
	running bool
}

// NewBaseChannel constructs the shared adapter state.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) BaseChannel {
	return BaseChannel{name: name, bus: msgBus, allowList: allowList}
}

// Name returns the channel's registration name, e.g. "telegram".
func (b *BaseChannel) Name() string { return b.name }

// Bus exposes the shared message bus to embedding adapters.
func (b *BaseChannel) Bus() *bus.MessageBus { return b.bus }

// IsRunning reports whether Start has completed setup and is actively
// serving traffic.
func (b *BaseChannel) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// SetRunning updates the running flag. Adapters call this from Start/Stop.
func (b *BaseChannel) SetRunning(running bool) {
	b.mu.Lock()
	b.running = running
	b.mu.Unlock()
}

// IsAllowed applies the common allow-list rule. An empty list allows every
// sender. Otherwise senderID must equal an allowed entry, or contain '|'
// with at least one non-empty part equal to an allowed entry (compound IDs
// like Slack's "U123|alice" or Telegram's "123456|jdoe").
func (b *BaseChannel) IsAllowed(senderID string) bool {
	return IsAllowed(b.allowList, senderID)
}

// IsAllowed is the free-function form, reused by adapters (e.g. Slack's
// per-policy checks) that need the rule without embedding BaseChannel.
func IsAllowed(allowList []string, senderID string) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, allowed := range allowList {
		if allowed == senderID {
			return true
		}
	}
	if strings.Contains(senderID, "|") {
		for _, part := range strings.Split(senderID, "|") {
			if part == "" {
				continue
			}
			for _, allowed := range allowList {
				if allowed == part {
					return true
				}
			}
		}
	}
	return false
}
