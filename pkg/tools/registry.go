// Package tools implements the pluggable Tool surface the agent loop drives
// (spec.md §4.3).
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sipeed/oxibot/pkg/logger"
	"github.com/sipeed/oxibot/pkg/providers"
)

// ToolResult is what Execute returns (spec.md §3 "ToolResult").
type ToolResult struct {
	ForLLM  string
	ForUser string
	Silent  bool
	IsError bool
	Err     error
}

// ErrorResult builds an error ToolResult from a plain message.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: msg, IsError: true}
}

// SilentResult builds a success ToolResult with no user-facing echo.
func SilentResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Silent: true}
}

// Tool is the minimal capability every registered tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ContextualTool is implemented by tools that need to know which
// channel/chat they are currently operating against (e.g. message,
// spawn, subagent).
type ContextualTool interface {
	SetContext(channel, chatID string)
}

// MetadataAwareTool is implemented by tools that want the inbound message's
// metadata (thread_id and similar routing hints) forwarded to them.
type MetadataAwareTool interface {
	SetMetadata(metadata map[string]string)
}

// AsyncCallback lets a long-running tool push an interim update back to the
// user before Execute returns (spec.md §4.3 "asynchronous tools").
type AsyncCallback func(update string)

// AsyncTool is implemented by tools that can report progress while still
// running.
type AsyncTool interface {
	ExecuteAsync(ctx context.Context, args map[string]interface{}, onUpdate AsyncCallback) *ToolResult
}

// ToolRegistry is the name→Tool lookup the agent loop and subagents query.
// Safe for concurrent use: registration typically happens once at startup,
// but Execute may run concurrently with Register from a hot-reload path.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name, if present.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name, if any.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ToProviderDefs renders every registered tool's schema as a
// providers.ToolDefinition list, in deterministic (sorted-by-name) order so
// prompt caching keys stay stable across turns.
func (r *ToolRegistry) ToProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// GetSummaries renders one "- name: description" line per registered tool,
// sorted by name, for embedding in a system prompt's tools section.
func (r *ToolRegistry) GetSummaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		out = append(out, fmt.Sprintf("- **%s**: %s", t.Name(), t.Description()))
	}
	return out
}

// SetContext forwards channel/chatID to every registered ContextualTool.
func (r *ToolRegistry) SetContext(channel, chatID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if ct, ok := t.(ContextualTool); ok {
			ct.SetContext(channel, chatID)
		}
	}
}

// SetMetadata forwards inbound metadata to every registered MetadataAwareTool.
func (r *ToolRegistry) SetMetadata(metadata map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if mt, ok := t.(MetadataAwareTool); ok {
			mt.SetMetadata(metadata)
		}
	}
}

// Execute runs a tool by name with no progress callback. Unknown names and
// panics inside Execute are converted into error ToolResults rather than
// propagated, per spec.md §4.3's "the registry never returns a Go error"
// contract — the LLM sees the failure as ordinary tool output and can react.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) *ToolResult {
	return r.ExecuteWithCallback(ctx, name, args, nil)
}

// ExecuteWithCallback runs a tool by name, forwarding onUpdate to tools that
// implement AsyncTool.
func (r *ToolRegistry) ExecuteWithCallback(ctx context.Context, name string, args map[string]interface{}, onUpdate AsyncCallback) (result *ToolResult) {
	t, ok := r.Get(name)
	if !ok {
		return &ToolResult{ForLLM: fmt.Sprintf("Error: Tool '%s' not found", name), IsError: true}
	}

	defer func() {
		if p := recover(); p != nil {
			logger.ErrorCF("tools", "tool panicked", map[string]interface{}{"tool": name, "panic": fmt.Sprint(p)})
			result = &ToolResult{ForLLM: fmt.Sprintf("Error executing %s: %v", name, p), IsError: true}
		}
	}()

	if at, ok := t.(AsyncTool); ok && onUpdate != nil {
		result = at.ExecuteAsync(ctx, args, onUpdate)
	} else {
		result = t.Execute(ctx, args)
	}

	if result == nil {
		result = &ToolResult{ForLLM: fmt.Sprintf("Error executing %s: tool returned no result", name), IsError: true}
	}
	if result.IsError && result.ForLLM != "" {
		result.ForLLM = fmt.Sprintf("Error executing %s: %s", name, result.ForLLM)
	}
	return result
}

// ExecuteWithContext sets channel/chatID on the named tool (if it implements
// ContextualTool) before executing — the per-call routing refresh the agent
// loop performs for every tool invocation so tools see the current
// conversation's target even if a prior SetContext call was for a different
// session (interrupts can interleave sessions between tool calls).
func (r *ToolRegistry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID string, onUpdate AsyncCallback) *ToolResult {
	if t, ok := r.Get(name); ok {
		if ct, ok := t.(ContextualTool); ok {
			ct.SetContext(channel, chatID)
		}
	}
	return r.ExecuteWithCallback(ctx, name, args, onUpdate)
}
