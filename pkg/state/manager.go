package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// lastContact persists the most recent non-internal channel/chat the agent
// talked to, so heartbeat and cron jobs have somewhere to deliver proactive
// messages (spec.md §4.9, §4.10).
type lastContact struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chatId"`
}

// Manager persists small pieces of cross-cutting runtime state to
// "<workspace>/state.json". Not a general KV store — just the handful of
// fields the agent loop, cron, and heartbeat need to agree on.
type Manager struct {
	mu          sync.Mutex
	path        string
	lastChannel string
	lastChatID  string
}

func NewManager(workspace string) *Manager {
	m := &Manager{path: filepath.Join(workspace, "state.json")}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	var lc lastContact
	if err := json.Unmarshal(data, &lc); err != nil {
		return
	}
	m.lastChannel = lc.Channel
	m.lastChatID = lc.ChatID
}

func (m *Manager) save() error {
	data, err := json.Marshal(lastContact{Channel: m.lastChannel, ChatID: m.lastChatID})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

// SetLastChannel records the most recently active channel.
func (m *Manager) SetLastChannel(channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastChannel = channel
	return m.save()
}

// SetLastChatID records the most recently active chat.
func (m *Manager) SetLastChatID(chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastChatID = chatID
	return m.save()
}

// LastChannel returns the most recently recorded channel, if any.
func (m *Manager) LastChannel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChannel
}

// LastChatID returns the most recently recorded chat ID, if any.
func (m *Manager) LastChatID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChatID
}
