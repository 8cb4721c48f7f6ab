// Package session implements the per-conversation append-only message log
// (spec.md §4.2).
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/oxibot/pkg/logger"
	"github.com/sipeed/oxibot/pkg/providers"
	"github.com/sipeed/oxibot/pkg/utils"
)

// metadataRecord is line 1 of every session's JSONL file.
type metadataRecord struct {
	Type      string            `json:"_type"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
	Metadata  map[string]string `json:"metadata"`
}

// Session is one conversation's state (spec.md §3 "Session").
type Session struct {
	Key       string
	Messages  []providers.Message
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]string
}

// summaryKey is the Metadata key used to stash the rolling conversation
// summary produced by SPEC_FULL.md §13.4.
const summaryKey = "summary"

// SessionManager owns the in-memory session cache and its on-disk mirror.
// Concurrency: a single RWMutex guards the cache map; each session's own
// message slice is only ever touched while holding that lock (spec.md §4.2,
// "readers/writer lock around the in-memory map").
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dir      string
}

// NewSessionManager creates a manager rooted at dir (typically
// "<workspace>/sessions" or "<data>/sessions").
func NewSessionManager(dir string) *SessionManager {
	os.MkdirAll(dir, 0755)
	return &SessionManager{
		sessions: make(map[string]*Session),
		dir:      dir,
	}
}

func (m *SessionManager) path(key string) string {
	return filepath.Join(m.dir, utils.SafeFilename(strings.ReplaceAll(key, ":", "_"))+".jsonl")
}

// GetOrCreate returns the cached session, loading it from disk first, or
// creating an empty one if neither exists (spec.md §4.2).
func (m *SessionManager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key)
}

func (m *SessionManager) getOrCreateLocked(key string) *Session {
	if s, ok := m.sessions[key]; ok {
		return s
	}

	if s := m.loadFromDisk(key); s != nil {
		m.sessions[key] = s
		return s
	}

	now := time.Now().UTC()
	s := &Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{},
	}
	m.sessions[key] = s
	return s
}

func (m *SessionManager) loadFromDisk(key string) *Session {
	f, err := os.Open(m.path(key))
	if err != nil {
		return nil
	}
	defer f.Close()

	s := &Session{Key: key, Metadata: map[string]string{}}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if first {
			first = false
			var meta metadataRecord
			if err := json.Unmarshal([]byte(line), &meta); err == nil && meta.Type == "_metadata" {
				s.CreatedAt, _ = time.Parse(time.RFC3339, meta.CreatedAt)
				s.UpdatedAt, _ = time.Parse(time.RFC3339, meta.UpdatedAt)
				if meta.Metadata != nil {
					s.Metadata = meta.Metadata
				}
				continue
			}
			// Line 1 wasn't a metadata record — fall through and treat it
			// as a message line too.
		}
		var msg providers.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.WarnCF("session", "skipping malformed session line", map[string]interface{}{"key": key})
			continue
		}
		s.Messages = append(s.Messages, msg)
	}
	return s
}

// AddMessage appends a simple text message under the given role.
func (m *SessionManager) AddMessage(key, role, content string) {
	m.AddFullMessage(key, providers.Message{Role: role, Content: content})
}

// AddFullMessage appends an arbitrary providers.Message (preserving tool
// calls / tool_call_id) and rewrites the session file.
func (m *SessionManager) AddFullMessage(key string, msg providers.Message) {
	m.mu.Lock()
	s := m.getOrCreateLocked(key)
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	if err := m.Save(key); err != nil {
		logger.WarnCF("session", "failed to persist session", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

// GetHistory returns a copy of the last 50 messages for key (all of them if
// fewer exist), loading the session from disk if it is not cached yet. The
// window is fixed; there is no count argument.
func (m *SessionManager) GetHistory(key string) []providers.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		if s = m.loadFromDisk(key); s == nil {
			return nil
		}
		m.sessions[key] = s
	}
	const window = 50
	if len(s.Messages) <= window {
		out := make([]providers.Message, len(s.Messages))
		copy(out, s.Messages)
		return out
	}
	out := make([]providers.Message, window)
	copy(out, s.Messages[len(s.Messages)-window:])
	return out
}

// GetSummary returns the rolling conversation summary, if any
// (SPEC_FULL.md §13.4).
func (m *SessionManager) GetSummary(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.Metadata[summaryKey]
	}
	return ""
}

// SetSummary stores the rolling conversation summary.
func (m *SessionManager) SetSummary(key, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(key)
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	s.Metadata[summaryKey] = summary
	s.UpdatedAt = time.Now().UTC()
}

// TruncateHistory keeps only the last keep messages in memory (the on-disk
// file is rewritten on the next Save).
func (m *SessionManager) TruncateHistory(key string, keep int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok || len(s.Messages) <= keep {
		return
	}
	s.Messages = append([]providers.Message(nil), s.Messages[len(s.Messages)-keep:]...)
}

// Clear truncates a session's messages and rewrites its file.
func (m *SessionManager) Clear(key string) error {
	m.mu.Lock()
	s := m.getOrCreateLocked(key)
	s.Messages = nil
	s.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	return m.Save(key)
}

// Delete drops the cache entry and removes the on-disk file.
func (m *SessionManager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	err := os.Remove(m.path(key))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Save rewrites the entire session file. Simple, durable-enough semantics
// per spec.md §4.2: every AddFullMessage call rewrites the whole file.
func (m *SessionManager) Save(key string) error {
	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	meta := metadataRecord{
		Type:      "_metadata",
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
		Metadata:  s.Metadata,
	}
	messages := make([]providers.Message, len(s.Messages))
	copy(messages, s.Messages)
	m.mu.RUnlock()

	tmp := m.path(key) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating session file: %w", err)
	}

	w := bufio.NewWriter(f)
	metaLine, _ := json.Marshal(meta)
	if _, err := w.Write(append(metaLine, '\n')); err != nil {
		f.Close()
		return err
	}
	for _, msg := range messages {
		line, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, m.path(key))
}

// SessionSummary is a lightweight listing entry (spec.md §4.2 "list_sessions").
type SessionSummary struct {
	Key       string
	UpdatedAt time.Time
}

// ListSessions scans the session directory, reads the metadata line of each
// file, and returns entries sorted by UpdatedAt descending.
func (m *SessionManager) ListSessions() ([]SessionSummary, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []SessionSummary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		f, err := os.Open(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		if scanner.Scan() {
			var meta metadataRecord
			if err := json.Unmarshal(scanner.Bytes(), &meta); err == nil {
				updated, _ := time.Parse(time.RFC3339, meta.UpdatedAt)
				key := strings.TrimSuffix(e.Name(), ".jsonl")
				out = append(out, SessionSummary{Key: key, UpdatedAt: updated})
			}
		}
		f.Close()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
