package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

const execDefaultTimeout = 60 * time.Second
const execMaxOutputBytes = 30_000

// ExecTool runs a shell command, rooted at workspace. Dangerous by nature —
// only registered on the unrestricted main-agent registry, never on the
// specialist/subagent restricted registries.
type ExecTool struct {
	workspace string
	restrict  bool
}

func NewExecTool(workspace string, restrict bool) *ExecTool {
	return &ExecTool{workspace: workspace, restrict: restrict}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace directory and return its combined stdout/stderr. Times out after 60 seconds."
}

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{"type": "string", "description": "Shell command to run"},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, execDefaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if len(output) > execMaxOutputBytes {
		output = output[:execMaxOutputBytes] + "\n...(truncated)"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s\noutput so far:\n%s", execDefaultTimeout, output))
	}
	if err != nil {
		return &ToolResult{ForLLM: fmt.Sprintf("command exited with error: %v\noutput:\n%s", err, output), IsError: true}
	}
	if output == "" {
		output = "(no output)"
	}
	return &ToolResult{ForLLM: output}
}
