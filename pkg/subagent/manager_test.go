package subagent

import (
	"context"
	"testing"
	"time"

	"github.com/sipeed/oxibot/pkg/bus"
	"github.com/sipeed/oxibot/pkg/providers"
	"github.com/sipeed/oxibot/pkg/tools"
)

type fakeProvider struct {
	responses []*providers.LLMResponse
	call      int
}

func (f *fakeProvider) Chat(ctx context.Context, messages []providers.Message, toolDefs []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	if f.call >= len(f.responses) {
		return &providers.LLMResponse{Content: "done"}, nil
	}
	r := f.responses[f.call]
	f.call++
	return r, nil
}

func (f *fakeProvider) GetDefaultModel() string { return "fake-model" }

func waitForTask(t *testing.T, m *Manager, id string) TaskInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, ok := m.Get(id)
		if ok && info.Status != StatusRunning {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for subagent task to finish")
	return TaskInfo{}
}

func TestSpawnCompletesWithoutToolCalls(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.LLMResponse{{Content: "the answer is 42"}}}
	m := NewManager(provider, "fake-model", t.TempDir(), nil, tools.NewToolRegistry())

	id := m.Spawn(context.Background(), "answer", "you are a helper", "what is the answer?", "telegram", "1")
	info := waitForTask(t, m, id)

	if info.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %q (result=%q)", info.Status, info.Result)
	}
	if info.Result != "the answer is 42" {
		t.Errorf("unexpected result: %q", info.Result)
	}
}

func TestSpawnPublishesResultOnBus(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.LLMResponse{{Content: "finished"}}}
	msgBus := bus.NewMessageBus(4)
	m := NewManager(provider, "fake-model", t.TempDir(), msgBus, tools.NewToolRegistry())

	id := m.Spawn(context.Background(), "task", "sys", "do it", "discord", "chan1")
	waitForTask(t, m, id)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := msgBus.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("expected a published result message: %v", err)
	}
	if msg.Channel != "system" || msg.Metadata["subagent_id"] != id {
		t.Errorf("unexpected published message: %+v", msg)
	}
}

func TestCountAndList(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.LLMResponse{{Content: "ok"}}}
	m := NewManager(provider, "fake-model", t.TempDir(), nil, tools.NewToolRegistry())

	id := m.Spawn(context.Background(), "task", "sys", "go", "telegram", "1")
	waitForTask(t, m, id)

	if m.Count() != 1 {
		t.Fatalf("expected 1 tracked task, got %d", m.Count())
	}
	list := m.List()
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("unexpected task list: %+v", list)
	}
}

func TestGetUnknownTaskReturnsFalse(t *testing.T) {
	m := NewManager(&fakeProvider{}, "fake-model", t.TempDir(), nil, tools.NewToolRegistry())
	if _, ok := m.Get("missing"); ok {
		t.Fatal("expected ok=false for an unknown task id")
	}
}
