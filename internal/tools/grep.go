package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	grepMaxMatches  = 100
	grepMaxLineLen  = 500
	grepMaxFileSize = 2 * 1024 * 1024
)

// GrepSearchTool searches file contents by regular expression.
type GrepSearchTool struct {
	workspace string
}

func NewGrepSearchTool(workspace string) *GrepSearchTool {
	return &GrepSearchTool{workspace: workspace}
}

func (t *GrepSearchTool) Name() string { return "grep_search" }
func (t *GrepSearchTool) Description() string {
	return "Search file contents with a regular expression, returning matching lines with file and line number"
}
func (t *GrepSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search under (defaults to the workspace root)",
			},
			"include": map[string]any{
				"type":        "string",
				"description": "Only search files matching this glob, e.g. *.go",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GrepSearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err))
	}

	root := t.workspace
	if sub, _ := args["path"].(string); sub != "" {
		resolved, err := resolvePath(sub, t.workspace, true)
		if err != nil {
			return ErrorResult(err.Error())
		}
		root = resolved
	}
	include, _ := args["include"].(string)

	var sb strings.Builder
	matches := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || matches >= grepMaxMatches {
			if matches >= grepMaxMatches {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := filepath.Match(include, d.Name()); !ok {
				return nil
			}
		}
		if info, err := d.Info(); err != nil || info.Size() > grepMaxFileSize {
			return nil
		}
		matches += grepFile(re, path, root, &sb, grepMaxMatches-matches)
		return nil
	})
	if walkErr != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", walkErr))
	}
	if matches == 0 {
		return SilentResult("no matches for " + pattern)
	}
	out := strings.TrimRight(sb.String(), "\n")
	if matches >= grepMaxMatches {
		out += fmt.Sprintf("\n... (stopped at %d matches)", grepMaxMatches)
	}
	return SilentResult(out)
}

func grepFile(re *regexp.Regexp, path, root string, sb *strings.Builder, budget int) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	rel, _ := filepath.Rel(root, path)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	found := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		if len(line) > grepMaxLineLen {
			line = line[:grepMaxLineLen] + "..."
		}
		fmt.Fprintf(sb, "%s:%d: %s\n", rel, lineNo, line)
		found++
		if found >= budget {
			break
		}
	}
	return found
}
