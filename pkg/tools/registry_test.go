package tools

import (
	"context"
	"testing"
)

type fakeTool struct {
	name        string
	lastChannel string
	lastChatID  string
	lastArgs    map[string]interface{}
	result      *ToolResult
	panicOnRun  bool
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "a fake tool for " + f.name }
func (f *fakeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (f *fakeTool) SetContext(channel, chatID string) {
	f.lastChannel, f.lastChatID = channel, chatID
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	if f.panicOnRun {
		panic("boom")
	}
	f.lastArgs = args
	if f.result != nil {
		return f.result
	}
	return SilentResult("ok")
}

func TestRegisterGetHasUnregister(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&fakeTool{name: "echo"})

	if !r.Has("echo") {
		t.Fatal("expected 'echo' to be registered")
	}
	if _, ok := r.Get("echo"); !ok {
		t.Fatal("expected Get to find 'echo'")
	}
	if r.Count() != 1 {
		t.Fatalf("expected count 1, got %d", r.Count())
	}

	r.Unregister("echo")
	if r.Has("echo") {
		t.Fatal("expected 'echo' to be gone after Unregister")
	}
}

func TestNamesAreSorted(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&fakeTool{name: "zeta"})
	r.Register(&fakeTool{name: "alpha"})
	r.Register(&fakeTool{name: "mid"})

	names := r.Names()
	want := []string{"alpha", "mid", "zeta"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("unexpected order: %v", names)
		}
	}
}

func TestExecuteUnknownToolReturnsErrorResult(t *testing.T) {
	r := NewToolRegistry()
	result := r.Execute(context.Background(), "missing", nil)
	if !result.IsError {
		t.Fatal("expected an error result for an unknown tool")
	}
}

func TestExecutePassesArgsAndReturnsResult(t *testing.T) {
	r := NewToolRegistry()
	ft := &fakeTool{name: "echo"}
	r.Register(ft)

	result := r.Execute(context.Background(), "echo", map[string]interface{}{"x": 1})
	if result.ForLLM != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if ft.lastArgs["x"] != 1 {
		t.Fatalf("expected args to be forwarded, got %+v", ft.lastArgs)
	}
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&fakeTool{name: "boom", panicOnRun: true})

	result := r.Execute(context.Background(), "boom", nil)
	if !result.IsError {
		t.Fatal("expected a panic to be converted into an error result, not propagated")
	}
}

func TestExecuteWrapsErrorResultWithToolName(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&fakeTool{name: "failer", result: ErrorResult("something broke")})

	result := r.Execute(context.Background(), "failer", nil)
	if result.ForLLM != "Error executing failer: something broke" {
		t.Fatalf("unexpected wrapped message: %q", result.ForLLM)
	}
}

func TestExecuteWithContextSetsContextBeforeRunning(t *testing.T) {
	r := NewToolRegistry()
	ft := &fakeTool{name: "ctx"}
	r.Register(ft)

	r.ExecuteWithContext(context.Background(), "ctx", nil, "telegram", "42", nil)
	if ft.lastChannel != "telegram" || ft.lastChatID != "42" {
		t.Fatalf("expected context to be set before execution, got channel=%q chatID=%q", ft.lastChannel, ft.lastChatID)
	}
}

func TestSetContextBroadcastsToAllContextualTools(t *testing.T) {
	r := NewToolRegistry()
	a := &fakeTool{name: "a"}
	b := &fakeTool{name: "b"}
	r.Register(a)
	r.Register(b)

	r.SetContext("discord", "99")
	if a.lastChannel != "discord" || b.lastChannel != "discord" {
		t.Fatal("expected SetContext to reach every registered ContextualTool")
	}
}

func TestToProviderDefsSortedByName(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&fakeTool{name: "zeta"})
	r.Register(&fakeTool{name: "alpha"})

	defs := r.ToProviderDefs()
	if len(defs) != 2 {
		t.Fatalf("expected 2 defs, got %d", len(defs))
	}
	if defs[0].Function.Name != "alpha" || defs[1].Function.Name != "zeta" {
		t.Fatalf("expected sorted order, got %q then %q", defs[0].Function.Name, defs[1].Function.Name)
	}
}

func TestGetSummariesFormatting(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&fakeTool{name: "echo"})

	summaries := r.GetSummaries()
	if len(summaries) != 1 || summaries[0] != "- **echo**: a fake tool for echo" {
		t.Fatalf("unexpected summary: %v", summaries)
	}
}
