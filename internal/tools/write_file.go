package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BackupFunc archives the pre-edit content of a file before a mutation.
// Wired to the session store's file-history ring.
type BackupFunc func(path string, content []byte) error

// NotifyFunc reports a completed file mutation. Wired to the language
// server manager so cached document state is invalidated even when the
// filesystem watcher misses the write.
type NotifyFunc func(path string)

// WriteFileTool creates or overwrites a file inside the workspace.
type WriteFileTool struct {
	workspace string
	restrict  bool
	backup    BackupFunc
	notify    NotifyFunc
}

func NewWriteFileTool(workspace string, restrict bool, backup BackupFunc) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict, backup: backup}
}

// WithNotify registers a post-write callback and returns the tool.
func (t *WriteFileTool) WithNotify(fn NotifyFunc) *WriteFileTool {
	t.notify = fn
	return t
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating it if needed" }
func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	if t.backup != nil {
		if prev, err := os.ReadFile(resolved); err == nil {
			if err := t.backup(resolved, prev); err != nil {
				return ErrorResult(fmt.Sprintf("failed to back up file: %v", err))
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	if t.notify != nil {
		t.notify(resolved)
	}
	return SilentResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}
