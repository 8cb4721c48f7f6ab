package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipeed/oxibot/pkg/bus"
	"github.com/sipeed/oxibot/pkg/constants"
	"github.com/sipeed/oxibot/pkg/logger"
)

// Manager owns the registered channel adapters and the single outbound
// dispatcher that routes agent responses to them (spec.md §4.7). Each
// channel's Start runs as its own independent goroutine; the dispatcher is
// a second, always-running goroutine that loops bus.ConsumeOutbound.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates an empty channel manager bound to msgBus.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		channels: make(map[string]Channel),
	}
}

// Register adds a channel to the manager. Call before StartAll.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	return out
}

// StartAll starts the outbound dispatcher and every registered channel.
// A channel that fails to start (e.g. missing required config, which
// adapters treat as "absent" rather than a hard failure) is logged and
// skipped — it never blocks the others from starting.
func (m *Manager) StartAll(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.dispatchOutbound(runCtx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		ch := ch
		name := name
		go func() {
			if err := ch.Start(runCtx); err != nil {
				logger.WarnCF("channels", "channel start failed", map[string]interface{}{"channel": name, "error": err.Error()})
			}
		}()
	}
}

// StopAll cancels every running channel and the outbound dispatcher, then
// calls each channel's Stop for a cooperative shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var wg sync.WaitGroup
	for name, ch := range m.channels {
		ch := ch
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Stop(ctx); err != nil {
				logger.WarnCF("channels", "channel stop error", map[string]interface{}{"channel": name, "error": err.Error()})
			}
		}()
	}
	wg.Wait()
}

// dispatchOutbound loops consuming outbound messages and routing each to
// its named channel. Messages addressed to an internal/synthetic channel
// ("system"/"cli"/"cron") are dropped silently; messages for an unregistered
// channel are dropped with a warning — this is a best-effort,
// fire-and-forget dispatch, not a hard delivery guarantee (spec.md §4.7).
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if constants.IsInternalChannel(msg.Channel) {
			continue
		}

		ch, found := m.Get(msg.Channel)
		if !found {
			logger.WarnCF("channels", "outbound message for unregistered channel dropped", map[string]interface{}{"channel": msg.Channel, "chat_id": msg.ChatID})
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			logger.WarnCF("channels", "channel send failed", map[string]interface{}{"channel": msg.Channel, "chat_id": msg.ChatID, "error": err.Error()})
		}
	}
}

// Status reports which registered channels are currently running, keyed by
// channel name.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.IsRunning()
	}
	return out
}

// ErrMissingConfig builds the error for a channel whose required
// configuration (e.g. a bot token) is absent. None of the adapters in this
// package returns it.
func ErrMissingConfig(channel, field string) error {
	return fmt.Errorf("%s: missing required config %q", channel, field)
}
