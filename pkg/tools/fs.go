package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxReadFileBytes = 200_000

// resolvePath joins workspace and the requested path, and when restrict is
// set refuses anything that would resolve outside workspace (spec.md §4.3
// "workspace-restricted filesystem tools").
func resolvePath(workspace string, restrict bool, requested string) (string, error) {
	clean := filepath.Clean(requested)
	var full string
	if filepath.IsAbs(clean) {
		full = clean
	} else {
		full = filepath.Join(workspace, clean)
	}
	if !restrict {
		return full, nil
	}

	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("resolving workspace: %w", err)
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	if absFull != absWorkspace && !strings.HasPrefix(absFull, absWorkspace+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", requested)
	}
	return absFull, nil
}

// ReadFileTool reads a text file's contents.
type ReadFileTool struct {
	workspace string
	restrict  bool
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a text file, relative to the workspace unless restrict_to_workspace is disabled."
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Path to read"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	full, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("reading %s: %v", path, err))
	}
	if len(data) > maxReadFileBytes {
		data = data[:maxReadFileBytes]
	}
	return &ToolResult{ForLLM: string(data)}
}

// WriteFileTool overwrites (or creates) a file.
type WriteFileTool struct {
	workspace string
	restrict  bool
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories as needed. Overwrites any existing content."
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "Path to write"},
			"content": map[string]interface{}{"type": "string", "description": "Content to write"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	full, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return ErrorResult(fmt.Sprintf("creating parent directories: %v", err))
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("writing %s: %v", path, err))
	}
	return SilentResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

// AppendFileTool appends content to a file, creating it if necessary.
type AppendFileTool struct {
	workspace string
	restrict  bool
}

func NewAppendFileTool(workspace string, restrict bool) *AppendFileTool {
	return &AppendFileTool{workspace: workspace, restrict: restrict}
}

func (t *AppendFileTool) Name() string { return "append_file" }

func (t *AppendFileTool) Description() string {
	return "Append content to the end of a file, creating it if it does not exist."
}

func (t *AppendFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "Path to append to"},
			"content": map[string]interface{}{"type": "string", "description": "Content to append"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *AppendFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	full, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return ErrorResult(fmt.Sprintf("creating parent directories: %v", err))
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return ErrorResult(fmt.Sprintf("opening %s: %v", path, err))
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return ErrorResult(fmt.Sprintf("appending to %s: %v", path, err))
	}
	return SilentResult(fmt.Sprintf("Appended %d bytes to %s", len(content), path))
}

// EditFileTool does a single exact string replacement within a file.
type EditFileTool struct {
	workspace string
	restrict  bool
}

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{workspace: workspace, restrict: restrict}
}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace an exact substring within a file. Fails if old_string is not found exactly once, unless replace_all is set."
}

func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":        map[string]interface{}{"type": "string"},
			"old_string":  map[string]interface{}{"type": "string"},
			"new_string":  map[string]interface{}{"type": "string"},
			"replace_all": map[string]interface{}{"type": "boolean"},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	oldString, _ := args["old_string"].(string)
	newString, _ := args["new_string"].(string)
	replaceAll, _ := args["replace_all"].(bool)
	if path == "" || oldString == "" {
		return ErrorResult("path and old_string are required")
	}

	full, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("reading %s: %v", path, err))
	}
	content := string(data)
	count := strings.Count(content, oldString)
	if count == 0 {
		return ErrorResult(fmt.Sprintf("old_string not found in %s", path))
	}
	if count > 1 && !replaceAll {
		return ErrorResult(fmt.Sprintf("old_string matches %d times in %s; pass replace_all or provide more context", count, path))
	}

	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(content, oldString, newString)
	} else {
		updated = strings.Replace(content, oldString, newString, 1)
	}
	if err := os.WriteFile(full, []byte(updated), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("writing %s: %v", path, err))
	}
	return SilentResult(fmt.Sprintf("Edited %s", path))
}

// ListDirTool lists a directory's immediate children.
type ListDirTool struct {
	workspace string
	restrict  bool
}

func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{workspace: workspace, restrict: restrict}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the immediate contents of a directory."
}

func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Directory to list; defaults to the workspace root"},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	full, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("listing %s: %v", path, err))
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			b.WriteString(e.Name() + "/\n")
		} else {
			b.WriteString(e.Name() + "\n")
		}
	}
	if b.Len() == 0 {
		return &ToolResult{ForLLM: "(empty directory)"}
	}
	return &ToolResult{ForLLM: b.String()}
}
