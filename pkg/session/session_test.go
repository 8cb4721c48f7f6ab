package session

import (
	"testing"
	"time"
)

func TestGetOrCreateIsFreshAndCached(t *testing.T) {
	m := NewSessionManager(t.TempDir())

	s1 := m.GetOrCreate("telegram:1")
	if len(s1.Messages) != 0 {
		t.Fatal("new session should start empty")
	}
	s2 := m.GetOrCreate("telegram:1")
	if s1 != s2 {
		t.Fatal("expected the same cached *Session instance")
	}
}

func TestAddMessageAppendsAndPersists(t *testing.T) {
	dir := t.TempDir()
	m := NewSessionManager(dir)

	m.AddMessage("telegram:1", "user", "hello")
	m.AddMessage("telegram:1", "assistant", "hi there")

	hist := m.GetHistory("telegram:1")
	if len(hist) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(hist))
	}
	if hist[0].Role != "user" || hist[0].Content != "hello" {
		t.Errorf("unexpected first message: %+v", hist[0])
	}

	// Reload from a fresh manager pointed at the same directory.
	m2 := NewSessionManager(dir)
	hist2 := m2.GetHistory("telegram:1")
	if len(hist2) != 2 {
		t.Fatalf("expected persisted history of 2, got %d", len(hist2))
	}
	if hist2[1].Content != "hi there" {
		t.Errorf("unexpected second message after reload: %+v", hist2[1])
	}
}

func TestGetHistoryWindowCapsAt50(t *testing.T) {
	m := NewSessionManager(t.TempDir())
	for i := 0; i < 60; i++ {
		m.AddMessage("k", "user", "msg")
	}
	hist := m.GetHistory("k")
	if len(hist) != 50 {
		t.Fatalf("expected window of 50, got %d", len(hist))
	}
}

func TestSummaryRoundTrip(t *testing.T) {
	m := NewSessionManager(t.TempDir())
	if got := m.GetSummary("k"); got != "" {
		t.Errorf("expected empty summary for unknown session, got %q", got)
	}
	m.SetSummary("k", "a rolling summary")
	if got := m.GetSummary("k"); got != "a rolling summary" {
		t.Errorf("unexpected summary: %q", got)
	}
}

func TestTruncateHistoryKeepsTail(t *testing.T) {
	m := NewSessionManager(t.TempDir())
	for i := 0; i < 10; i++ {
		m.AddMessage("k", "user", "msg")
	}
	m.TruncateHistory("k", 3)
	if got := len(m.GetHistory("k")); got != 3 {
		t.Fatalf("expected 3 messages after truncate, got %d", got)
	}
}

func TestClearWipesMessagesAndPersists(t *testing.T) {
	dir := t.TempDir()
	m := NewSessionManager(dir)
	m.AddMessage("k", "user", "hello")

	if err := m.Clear("k"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := len(m.GetHistory("k")); got != 0 {
		t.Fatalf("expected empty history after clear, got %d", got)
	}

	m2 := NewSessionManager(dir)
	if got := len(m2.GetHistory("k")); got != 0 {
		t.Fatalf("expected persisted clear to survive reload, got %d", got)
	}
}

func TestDeleteRemovesCacheAndFile(t *testing.T) {
	dir := t.TempDir()
	m := NewSessionManager(dir)
	m.AddMessage("k", "user", "hello")

	if err := m.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// A second delete on an already-removed file is a no-op, not an error.
	if err := m.Delete("k"); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}

	m2 := NewSessionManager(dir)
	if got := len(m2.GetHistory("k")); got != 0 {
		t.Fatalf("expected no history after delete, got %d", got)
	}
}

func TestListSessionsSortedByUpdatedAtDescending(t *testing.T) {
	dir := t.TempDir()
	m := NewSessionManager(dir)

	m.AddMessage("telegram:1", "user", "first")
	time.Sleep(5 * time.Millisecond)
	m.AddMessage("telegram:2", "user", "second")

	list, err := m.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].Key != "telegram_2" {
		t.Errorf("expected most recently updated session first, got %q", list[0].Key)
	}
}
