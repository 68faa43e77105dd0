package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "hello.txt", "line1\nline2\nline3\n")

	tool := NewReadFileTool(dir, true)
	res := tool.Execute(context.Background(), map[string]any{"path": "hello.txt"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "line2") {
		t.Errorf("content = %q", res.ForLLM)
	}

	res = tool.Execute(context.Background(), map[string]any{"path": "hello.txt", "offset": 2.0, "limit": 1.0})
	if res.ForLLM != "line2" {
		t.Errorf("offset/limit read = %q, want line2", res.ForLLM)
	}
}

func TestReadFileRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	tool := NewReadFileTool(dir, true)
	res := tool.Execute(context.Background(), map[string]any{"path": "../../etc/passwd"})
	if !res.IsError {
		t.Fatal("path escape not rejected")
	}
}

func TestWriteFileBacksUpExisting(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.txt", "old content")

	var backedUp []byte
	tool := NewWriteFileTool(dir, true, func(path string, content []byte) error {
		backedUp = content
		return nil
	})
	res := tool.Execute(context.Background(), map[string]any{"path": "a.txt", "content": "new content"})
	if res.IsError {
		t.Fatalf("write failed: %s", res.ForLLM)
	}
	if string(backedUp) != "old content" {
		t.Errorf("backup = %q, want old content", backedUp)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	if string(data) != "new content" {
		t.Errorf("file = %q", data)
	}
}

func TestMutationsNotifyAfterWrite(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "sub/c.go", "package sub // v1")

	var notified []string
	notify := func(path string) { notified = append(notified, path) }

	write := NewWriteFileTool(dir, true, nil).WithNotify(notify)
	res := write.Execute(context.Background(), map[string]any{
		"path": "sub/c.go", "content": "package sub // v2",
	})
	if res.IsError {
		t.Fatalf("write failed: %s", res.ForLLM)
	}

	edit := NewEditFileTool(dir, true, nil).WithNotify(notify)
	res = edit.Execute(context.Background(), map[string]any{
		"path": "sub/c.go", "old_string": "v2", "new_string": "v3",
	})
	if res.IsError {
		t.Fatalf("edit failed: %s", res.ForLLM)
	}

	want := filepath.Join(dir, "sub", "c.go")
	if len(notified) != 2 || notified[0] != want || notified[1] != want {
		t.Errorf("notifications = %v, want two for %s", notified, want)
	}

	// A failed edit must not notify.
	res = edit.Execute(context.Background(), map[string]any{
		"path": "sub/c.go", "old_string": "not in the file", "new_string": "x",
	})
	if !res.IsError {
		t.Fatal("edit of missing string succeeded")
	}
	if len(notified) != 2 {
		t.Errorf("failed edit notified: %v", notified)
	}
}

func TestEditFileUniqueMatch(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "b.txt", "aaa bbb aaa")

	tool := NewEditFileTool(dir, true, nil)
	res := tool.Execute(context.Background(), map[string]any{
		"path": "b.txt", "old_string": "aaa", "new_string": "ccc",
	})
	if !res.IsError {
		t.Fatal("ambiguous edit should fail without replace_all")
	}

	res = tool.Execute(context.Background(), map[string]any{
		"path": "b.txt", "old_string": "aaa", "new_string": "ccc", "replace_all": true,
	})
	if res.IsError {
		t.Fatalf("replace_all failed: %s", res.ForLLM)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "b.txt"))
	if string(data) != "ccc bbb ccc" {
		t.Errorf("file = %q", data)
	}
}

func TestGlobTool(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "main.go", "package main")
	writeTestFile(t, dir, "sub/util.go", "package sub")
	writeTestFile(t, dir, "sub/notes.txt", "notes")

	tool := NewGlobTool(dir)
	res := tool.Execute(context.Background(), map[string]any{"pattern": "**/*.go"})
	if res.IsError {
		t.Fatalf("glob failed: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "main.go") || !strings.Contains(res.ForLLM, filepath.Join("sub", "util.go")) {
		t.Errorf("matches = %q", res.ForLLM)
	}
	if strings.Contains(res.ForLLM, "notes.txt") {
		t.Errorf("non-matching file listed: %q", res.ForLLM)
	}
}

func TestGrepSearchTool(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "x.go", "func Alpha() {}\nfunc Beta() {}\n")
	writeTestFile(t, dir, "y.go", "func Gamma() {}\n")

	tool := NewGrepSearchTool(dir)
	res := tool.Execute(context.Background(), map[string]any{"pattern": `func (Alpha|Gamma)`})
	if res.IsError {
		t.Fatalf("grep failed: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "x.go:1") || !strings.Contains(res.ForLLM, "y.go:1") {
		t.Errorf("matches = %q", res.ForLLM)
	}
	if strings.Contains(res.ForLLM, "Beta") {
		t.Errorf("unexpected match: %q", res.ForLLM)
	}
}

func TestListDirectoryTool(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "file.txt", "x")
	if err := os.Mkdir(filepath.Join(dir, "child"), 0755); err != nil {
		t.Fatal(err)
	}

	tool := NewListDirectoryTool(dir, true)
	res := tool.Execute(context.Background(), map[string]any{})
	if res.IsError {
		t.Fatalf("list failed: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "child/") || !strings.Contains(res.ForLLM, "file.txt") {
		t.Errorf("listing = %q", res.ForLLM)
	}
}

func TestExpandToolSpec(t *testing.T) {
	got := ExpandToolSpec([]string{"group:fs", "exec", "custom_remote"})
	want := map[string]bool{
		"read_file": true, "write_file": true, "edit_file": true,
		"list_directory": true, "glob": true, "grep_search": true,
		"exec": true, "custom_remote": true,
	}
	if len(got) != len(want) {
		t.Fatalf("expanded = %v", got)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected name %s", name)
		}
	}
}
