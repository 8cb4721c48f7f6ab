package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/oxibot/pkg/providers"
	"github.com/sipeed/oxibot/pkg/tools"
)

// SpawnTool lets the main agent fire off a background subagent task and
// immediately continue — the result arrives later as a synthetic system
// message (spec.md §4.6).
type SpawnTool struct {
	manager *Manager
	channel string
	chatID  string
}

func NewSpawnTool(manager *Manager) *SpawnTool {
	return &SpawnTool{manager: manager}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a background subagent to work on a task independently. You will be notified with the result once it finishes; you do not need to wait."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"label":         map[string]interface{}{"type": "string", "description": "Short label for this task"},
			"task":          map[string]interface{}{"type": "string", "description": "What the subagent should do"},
			"system_prompt": map[string]interface{}{"type": "string", "description": "Optional extra persona/instructions for the subagent"},
		},
		"required": []string{"label", "task"},
	}
}

func (t *SpawnTool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	label, _ := args["label"].(string)
	task, _ := args["task"].(string)
	if label == "" || task == "" {
		return tools.ErrorResult("label and task are required")
	}
	systemPrompt, _ := args["system_prompt"].(string)
	if systemPrompt == "" {
		systemPrompt = defaultSubagentSystemPrompt
	}

	id := t.manager.Spawn(ctx, label, systemPrompt, task, t.channel, t.chatID)
	return tools.SilentResult(fmt.Sprintf("Spawned subagent %s (%s). You'll be notified when it finishes.", id, label))
}

const defaultSubagentSystemPrompt = "You are a focused background helper. Complete the assigned task and answer with your final result only; you have no memory of any other conversation."

func buildEphemeralMessages(systemPrompt, task string) []providers.Message {
	return []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: task},
	}
}

// SubagentTool runs a task synchronously and returns its result directly —
// used when the caller needs the answer before continuing, as opposed to
// SpawnTool's fire-and-forget shape.
type SubagentTool struct {
	manager *Manager
	channel string
	chatID  string
}

func NewSubagentTool(manager *Manager) *SubagentTool {
	return &SubagentTool{manager: manager}
}

func (t *SubagentTool) Name() string { return "subagent" }

func (t *SubagentTool) Description() string {
	return "Run a subagent task synchronously and return its result. Use for tasks whose answer you need right away."
}

func (t *SubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"label":         map[string]interface{}{"type": "string"},
			"task":          map[string]interface{}{"type": "string"},
			"system_prompt": map[string]interface{}{"type": "string"},
		},
		"required": []string{"label", "task"},
	}
}

func (t *SubagentTool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *SubagentTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	label, _ := args["label"].(string)
	task, _ := args["task"].(string)
	if label == "" || task == "" {
		return tools.ErrorResult("label and task are required")
	}
	systemPrompt, _ := args["system_prompt"].(string)
	if systemPrompt == "" {
		systemPrompt = defaultSubagentSystemPrompt
	}

	result, err := t.manager.runFixedPoint(ctx, buildEphemeralMessages(systemPrompt, task))
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	return &tools.ToolResult{ForLLM: result}
}

// SubagentStatusTool reports how many subagent tasks have run and their
// latest statuses — lets the main agent check on in-flight work without
// blocking.
type SubagentStatusTool struct {
	manager *Manager
}

func NewSubagentStatusTool(manager *Manager) *SubagentStatusTool {
	return &SubagentStatusTool{manager: manager}
}

func (t *SubagentStatusTool) Name() string { return "subagent_status" }

func (t *SubagentStatusTool) Description() string {
	return "List spawned subagent tasks and their current status (running, completed, failed)."
}

func (t *SubagentStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *SubagentStatusTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	tasks := t.manager.List()
	if len(tasks) == 0 {
		return &tools.ToolResult{ForLLM: "No subagent tasks have been spawned."}
	}
	var b strings.Builder
	for _, info := range tasks {
		fmt.Fprintf(&b, "%s [%s] %s: %s\n", info.ID, info.Status, info.Label, summarizeForStatus(info.Result))
	}
	return &tools.ToolResult{ForLLM: b.String()}
}

func summarizeForStatus(result string) string {
	const max = 120
	if len(result) <= max {
		return result
	}
	return result[:max] + "..."
}
