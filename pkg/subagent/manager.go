// Package subagent implements bounded, tool-restricted helper agents spawned
// by the main agent loop (spec.md §4.6).
package subagent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipeed/oxibot/pkg/bus"
	"github.com/sipeed/oxibot/pkg/constants"
	"github.com/sipeed/oxibot/pkg/logger"
	"github.com/sipeed/oxibot/pkg/providers"
	"github.com/sipeed/oxibot/pkg/tools"
)

// TaskStatus is a subagent task's lifecycle state.
type TaskStatus string

const (
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// TaskInfo describes one spawned subagent task.
type TaskInfo struct {
	ID            string
	Label         string
	Task          string
	OriginChannel string
	OriginChatID  string
	Status        TaskStatus
	Result        string
	StartedAt     time.Time
	FinishedAt    time.Time
}

var taskIDCounter uint32

// newTaskID produces an 8-hex-digit identifier by XORing a hashed
// nanosecond timestamp with a monotonically increasing counter. IDs are not
// checked against existing tasks, so a collision is unlikely but possible.
func newTaskID() string {
	n := atomic.AddUint32(&taskIDCounter, 1)
	t := uint32(time.Now().UnixNano()) * 2654435761 // Knuth multiplicative hash
	return fmt.Sprintf("%08x", t^n)
}

// Manager spawns and tracks subagent tasks. Every task uses the manager's
// one tool registry and an ephemeral (non-persisted) message history
// — no session file is ever written for a subagent run (spec.md §4.6).
type Manager struct {
	provider      providers.LLMProvider
	model         string
	workspace     string
	bus           *bus.MessageBus
	toolsTemplate *tools.ToolRegistry

	mu    sync.RWMutex
	tasks map[string]*TaskInfo
}

// NewManager wires a subagent manager. toolsTemplate is shared as is by
// every task: it is not cloned per task, and no SetContext or SetMetadata
// call is made on its tools.
func NewManager(provider providers.LLMProvider, model, workspace string, msgBus *bus.MessageBus, toolsTemplate *tools.ToolRegistry) *Manager {
	return &Manager{
		provider:      provider,
		model:         model,
		workspace:     workspace,
		bus:           msgBus,
		toolsTemplate: toolsTemplate,
		tasks:         make(map[string]*TaskInfo),
	}
}

// Spawn launches a subagent task in a background goroutine and returns
// immediately with its task ID. On completion, a synthetic inbound message
// is published on the internal "system" channel carrying the result, so the
// main agent loop's fixed-point processing picks it up as a normal turn
// (spec.md §4.6, §4.5).
func (m *Manager) Spawn(ctx context.Context, label, systemPrompt, task, originChannel, originChatID string) string {
	id := newTaskID()
	info := &TaskInfo{
		ID:            id,
		Label:         truncateLabel(label),
		Task:          task,
		OriginChannel: originChannel,
		OriginChatID:  originChatID,
		Status:        StatusRunning,
		StartedAt:     time.Now().UTC(),
	}

	m.mu.Lock()
	m.tasks[id] = info
	m.mu.Unlock()

	go m.run(ctx, info, systemPrompt, task)
	return id
}

func truncateLabel(label string) string {
	r := []rune(label)
	if len(r) <= constants.SubagentLabelTruncateLen {
		return label
	}
	return string(r[:constants.SubagentLabelTruncateLen]) + "..."
}

func (m *Manager) run(ctx context.Context, info *TaskInfo, systemPrompt, task string) {
	messages := []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: task},
	}

	result, err := m.runFixedPoint(ctx, messages)

	m.mu.Lock()
	info.FinishedAt = time.Now().UTC()
	if err != nil {
		info.Status = StatusFailed
		info.Result = err.Error()
	} else {
		info.Status = StatusCompleted
		info.Result = result
	}
	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	content := fmt.Sprintf("Result:\n%s", info.Result)
	if err := m.bus.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: "subagent:" + info.ID,
		ChatID:   fmt.Sprintf("%s:%s", info.OriginChannel, info.OriginChatID),
		Content:  content,
		Metadata: map[string]string{
			"subagent_id":    info.ID,
			"subagent_label": info.Label,
			"origin_channel": info.OriginChannel,
			"origin_chat_id": info.OriginChatID,
		},
	}); err != nil {
		logger.WarnCF("subagent", "failed to publish subagent result", map[string]interface{}{"task": info.ID, "error": err.Error()})
	}
}

// runFixedPoint drives a bounded LLM↔tool loop identical in shape to the
// main agent loop's, but against an ephemeral message slice with no session
// persistence and no interrupt channel — a subagent task runs to completion
// or to its iteration cap, whichever comes first.
func (m *Manager) runFixedPoint(ctx context.Context, messages []providers.Message) (string, error) {
	for i := 0; i < constants.SubagentMaxIterations; i++ {
		resp, err := m.provider.Chat(ctx, messages, m.toolsTemplate.ToProviderDefs(), m.model, nil)
		if err != nil {
			return "", fmt.Errorf("subagent llm call: %w", err)
		}

		if !resp.HasToolCalls() {
			return resp.Content, nil
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)

		for _, tc := range resp.ToolCalls {
			result := m.toolsTemplate.Execute(ctx, tc.Name, tc.Arguments)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}
	return "", fmt.Errorf("subagent exceeded %d iterations without a final answer", constants.SubagentMaxIterations)
}

// Count returns the number of tasks currently tracked (all statuses).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// List returns a snapshot of every tracked task.
func (m *Manager) List() []TaskInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskInfo, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

// Get returns a snapshot of one task by ID.
func (m *Manager) Get(id string) (TaskInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return TaskInfo{}, false
	}
	return *t, true
}
