package lsp

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/whale-sh/whale/internal/tools"
)

// queryFunc is a position-based LSP query.
type queryFunc func(ctx context.Context, path string, line, col int) (string, error)

// positionTool adapts a position-based query to the tool interface.
type positionTool struct {
	name string
	desc string
	fn   queryFunc
	cwd  string
}

func (t *positionTool) Name() string        { return t.name }
func (t *positionTool) Description() string { return t.desc }

func (t *positionTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file":   map[string]any{"type": "string", "description": "path to the source file"},
			"line":   map[string]any{"type": "integer", "description": "1-based line number"},
			"column": map[string]any{"type": "integer", "description": "1-based column number"},
		},
		"required": []any{"file", "line", "column"},
	}
}

func (t *positionTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	path, ok := args["file"].(string)
	if !ok || path == "" {
		return tools.ErrorResult("file is required")
	}
	line := intArg(args, "line")
	col := intArg(args, "column")
	if line < 1 || col < 1 {
		return tools.ErrorResult("line and column are 1-based and required")
	}
	out, err := t.fn(ctx, absPath(t.cwd, path), line, col)
	if err != nil {
		return lspError(err)
	}
	return tools.NewResult(out)
}

// documentSymbolsTool takes only a file.
type documentSymbolsTool struct {
	m   *Manager
	cwd string
}

func (t *documentSymbolsTool) Name() string { return "lsp_document_symbols" }
func (t *documentSymbolsTool) Description() string {
	return "List the symbol outline (types, functions, methods) of one source file via the language server."
}

func (t *documentSymbolsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file": map[string]any{"type": "string", "description": "path to the source file"},
		},
		"required": []any{"file"},
	}
}

func (t *documentSymbolsTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	path, ok := args["file"].(string)
	if !ok || path == "" {
		return tools.ErrorResult("file is required")
	}
	out, err := t.m.DocumentSymbols(ctx, absPath(t.cwd, path))
	if err != nil {
		return lspError(err)
	}
	return tools.NewResult(out)
}

// workspaceSymbolsTool searches symbols project-wide.
type workspaceSymbolsTool struct {
	m   *Manager
	cwd string
}

func (t *workspaceSymbolsTool) Name() string { return "lsp_workspace_symbols" }
func (t *workspaceSymbolsTool) Description() string {
	return "Search symbols across the whole project by name via the language server."
}

func (t *workspaceSymbolsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "symbol name or fragment"},
			"file":  map[string]any{"type": "string", "description": "any file in the target project (selects the language server)"},
		},
		"required": []any{"query", "file"},
	}
}

func (t *workspaceSymbolsTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	query, _ := args["query"].(string)
	path, _ := args["file"].(string)
	if query == "" || path == "" {
		return tools.ErrorResult("query and file are required")
	}
	out, err := t.m.WorkspaceSymbols(ctx, absPath(t.cwd, path), query)
	if err != nil {
		return lspError(err)
	}
	return tools.NewResult(out)
}

// RegisterTools adds the lsp_* query tools to the registry.
func RegisterTools(reg *tools.Registry, m *Manager, cwd string) {
	meta := tools.Meta{Category: tools.CategoryLSP, ReadOnly: true}
	position := func(name, desc string, fn queryFunc) {
		reg.Register(&positionTool{name: name, desc: desc, fn: fn, cwd: cwd}, meta)
	}

	position("lsp_definition",
		"Jump to the definition of the symbol at a file position via the language server.", m.Definition)
	position("lsp_references",
		"List all references to the symbol at a file position, including the declaration.", m.References)
	position("lsp_hover",
		"Show the type signature and documentation of the symbol at a file position, as markdown.", m.HoverText)
	position("lsp_implementation",
		"List implementations of the interface or abstract method at a file position.", m.Implementation)
	position("lsp_prepare_call_hierarchy",
		"Resolve the callable symbol at a file position for call-hierarchy queries.", m.PrepareCallHierarchy)
	position("lsp_incoming_calls",
		"List functions that call the function at a file position.", m.IncomingCalls)
	position("lsp_outgoing_calls",
		"List functions called by the function at a file position.", m.OutgoingCalls)

	reg.Register(&documentSymbolsTool{m: m, cwd: cwd}, meta)
	reg.Register(&workspaceSymbolsTool{m: m, cwd: cwd}, meta)
}

func lspError(err error) *tools.Result {
	switch {
	case errors.Is(err, ErrTimeout):
		return tools.ErrorResult("the language server did not answer in time; try again or narrow the query")
	case errors.Is(err, ErrServerDown):
		return tools.ErrorResult("the language server stopped; it will be restarted on the next query")
	default:
		return tools.ErrorResult(err.Error())
	}
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func absPath(cwd, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cwd, path)
}
