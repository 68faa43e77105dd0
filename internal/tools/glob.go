package tools

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

const globMaxResults = 200

// GlobTool matches files by glob pattern under the workspace.
type GlobTool struct {
	workspace string
}

func NewGlobTool(workspace string) *GlobTool {
	return &GlobTool{workspace: workspace}
}

func (t *GlobTool) Name() string { return "glob" }
func (t *GlobTool) Description() string {
	return "Find files matching a glob pattern (supports ** for recursive matching)"
}
func (t *GlobTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern, e.g. **/*.go or cmd/*.go",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}

	var matches []string
	err := filepath.WalkDir(t.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(t.workspace, path)
		if relErr != nil {
			return nil
		}
		if matchGlob(pattern, rel) {
			matches = append(matches, rel)
			if len(matches) >= globMaxResults {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("glob failed: %v", err))
	}
	if len(matches) == 0 {
		return SilentResult("no files match " + pattern)
	}
	sort.Strings(matches)
	return SilentResult(strings.Join(matches, "\n"))
}

// matchGlob supports the ** wildcard by splitting the pattern around it and
// matching the remaining segments with path.Match semantics per component.
func matchGlob(pattern, rel string) bool {
	rel = filepath.ToSlash(rel)
	pattern = filepath.ToSlash(pattern)

	if !strings.Contains(pattern, "**") {
		ok, err := filepath.Match(pattern, rel)
		return err == nil && ok
	}

	parts := strings.SplitN(pattern, "**", 2)
	prefix := strings.TrimSuffix(parts[0], "/")
	suffix := strings.TrimPrefix(parts[1], "/")

	if prefix != "" {
		if !strings.HasPrefix(rel, prefix+"/") {
			return false
		}
		rel = strings.TrimPrefix(rel, prefix+"/")
	}
	if suffix == "" {
		return true
	}
	// Match the suffix against every possible tail of the remaining path.
	segs := strings.Split(rel, "/")
	for i := range segs {
		tail := strings.Join(segs[i:], "/")
		if ok, err := filepath.Match(suffix, tail); err == nil && ok {
			return true
		}
	}
	return false
}
