package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EditFileTool performs an exact string replacement in one file.
type EditFileTool struct {
	workspace string
	restrict  bool
	backup    BackupFunc
	notify    NotifyFunc
}

func NewEditFileTool(workspace string, restrict bool, backup BackupFunc) *EditFileTool {
	return &EditFileTool{workspace: workspace, restrict: restrict, backup: backup}
}

// WithNotify registers a post-write callback and returns the tool.
func (t *EditFileTool) WithNotify(fn NotifyFunc) *EditFileTool {
	t.notify = fn
	return t
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file. The old string must appear exactly once unless replace_all is set."
}
func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact text to replace",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace every occurrence instead of requiring a unique match",
			},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	replaceAll, _ := args["replace_all"].(bool)

	if path == "" || oldStr == "" {
		return ErrorResult("path and old_string are required")
	}
	if oldStr == newStr {
		return ErrorResult("old_string and new_string are identical")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return ErrorResult("old_string not found in file")
	}
	if count > 1 && !replaceAll {
		return ErrorResult(fmt.Sprintf("old_string appears %d times; provide more context or set replace_all", count))
	}

	if t.backup != nil {
		if err := t.backup(resolved, data); err != nil {
			return ErrorResult(fmt.Sprintf("failed to back up file: %v", err))
		}
	}

	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		updated = strings.Replace(content, oldStr, newStr, 1)
	}
	if err := os.WriteFile(resolved, []byte(updated), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	if t.notify != nil {
		t.notify(resolved)
	}
	if replaceAll {
		return SilentResult(fmt.Sprintf("replaced %d occurrences in %s", count, path))
	}
	return SilentResult(fmt.Sprintf("edited %s", path))
}
