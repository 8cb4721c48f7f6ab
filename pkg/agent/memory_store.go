package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MemoryStore reads the flat-file long-term memory notes the system prompt
// is built from: a single MEMORY.md plus dated daily notes under
// memory/YYYYMM/YYYYMMDD.md.
type MemoryStore struct {
	workspace string
}

func NewMemoryStore(workspace string) *MemoryStore {
	return &MemoryStore{workspace: workspace}
}

const maxDailyNotesContext = 3

// GetMemoryContext returns MEMORY.md's contents plus the most recent daily
// notes (today and the two days before it, if present), concatenated for
// inclusion in the system prompt.
func (m *MemoryStore) GetMemoryContext() string {
	var parts []string

	if data, err := os.ReadFile(filepath.Join(m.workspace, "memory", "MEMORY.md")); err == nil {
		content := strings.TrimSpace(string(data))
		if content != "" {
			parts = append(parts, "## Long-term Memory\n\n"+content)
		}
	}

	if notes := m.recentDailyNotes(maxDailyNotesContext); notes != "" {
		parts = append(parts, notes)
	}

	return strings.Join(parts, "\n\n")
}

func (m *MemoryStore) recentDailyNotes(limit int) string {
	now := time.Now()
	var found []string
	for i := 0; i < limit; i++ {
		day := now.AddDate(0, 0, -i)
		path := filepath.Join(m.workspace, "memory", day.Format("200601"), day.Format("20060102")+".md")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		found = append(found, fmt.Sprintf("### %s\n\n%s", day.Format("2006-01-02"), content))
	}
	if len(found) == 0 {
		return ""
	}
	// found is already newest-first, since i counts days back from today.
	return "## Recent Daily Notes\n\n" + strings.Join(found, "\n\n")
}

// AppendDailyNote appends a timestamped line to today's daily note file,
// creating the monthly directory if needed.
func (m *MemoryStore) AppendDailyNote(line string) error {
	now := time.Now()
	dir := filepath.Join(m.workspace, "memory", now.Format("200601"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating daily notes directory: %w", err)
	}
	path := filepath.Join(dir, now.Format("20060102")+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening daily note: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "- %s %s\n", now.Format("15:04"), line)
	return err
}
