package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const readFileMaxBytes = 512 * 1024

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	workspace string
	restrict  bool
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read",
			},
			"offset": map[string]any{
				"type":        "number",
				"description": "1-based line to start reading from",
			},
			"limit": map[string]any{
				"type":        "number",
				"description": "Maximum number of lines to return",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	if len(data) > readFileMaxBytes {
		data = data[:readFileMaxBytes]
	}

	content := string(data)
	offset, _ := args["offset"].(float64)
	limit, _ := args["limit"].(float64)
	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if offset > 1 {
			start = int(offset) - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if limit > 0 && start+int(limit) < end {
			end = start + int(limit)
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return SilentResult(content)
}
