package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Query operations. Positions arrive 1-based from the tools and are
// converted at the wire boundary; output is grouped by file, 1-based.

func (m *Manager) position(ctx context.Context, path string, line, col int) (*session, TextDocumentPositionParams, error) {
	s, err := m.session(ctx, path)
	if err != nil {
		return nil, TextDocumentPositionParams{}, err
	}
	if err := s.ensureOpen(ctx, path); err != nil {
		return nil, TextDocumentPositionParams{}, err
	}
	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: pathToURI(path)},
		Position:     Position{Line: line - 1, Character: col - 1},
	}
	return s, params, nil
}

// Definition resolves the definition sites of the symbol at a position.
func (m *Manager) Definition(ctx context.Context, path string, line, col int) (string, error) {
	s, params, err := m.position(ctx, path, line, col)
	if err != nil {
		return "", err
	}
	locs, err := callLocations(ctx, s, "textDocument/definition", params)
	if err != nil {
		return "", err
	}
	if len(locs) == 0 {
		return "no definition found", nil
	}
	return formatLocations(locs, s.root), nil
}

// Implementation resolves implementations of the interface or method at a
// position.
func (m *Manager) Implementation(ctx context.Context, path string, line, col int) (string, error) {
	s, params, err := m.position(ctx, path, line, col)
	if err != nil {
		return "", err
	}
	locs, err := callLocations(ctx, s, "textDocument/implementation", params)
	if err != nil {
		return "", err
	}
	if len(locs) == 0 {
		return "no implementations found", nil
	}
	return formatLocations(locs, s.root), nil
}

// References lists every reference to the symbol at a position, including
// its declaration.
func (m *Manager) References(ctx context.Context, path string, line, col int) (string, error) {
	s, params, err := m.position(ctx, path, line, col)
	if err != nil {
		return "", err
	}
	refParams := ReferenceParams{TextDocumentPositionParams: params}
	refParams.Context.IncludeDeclaration = true

	var locs []Location
	if err := s.call(ctx, "textDocument/references", refParams, &locs); err != nil {
		return "", err
	}
	if len(locs) == 0 {
		return "no references found", nil
	}
	return formatLocations(locs, s.root), nil
}

// HoverText returns the hover documentation at a position as markdown.
func (m *Manager) HoverText(ctx context.Context, path string, line, col int) (string, error) {
	s, params, err := m.position(ctx, path, line, col)
	if err != nil {
		return "", err
	}
	var hover *Hover
	if err := s.call(ctx, "textDocument/hover", params, &hover); err != nil {
		return "", err
	}
	if hover == nil || strings.TrimSpace(hover.Contents.Value) == "" {
		return "no documentation at this position", nil
	}
	return strings.TrimSpace(hover.Contents.Value), nil
}

// DocumentSymbols returns the symbol outline of one file.
func (m *Manager) DocumentSymbols(ctx context.Context, path string) (string, error) {
	s, err := m.session(ctx, path)
	if err != nil {
		return "", err
	}
	if err := s.ensureOpen(ctx, path); err != nil {
		return "", err
	}
	var symbols []DocumentSymbol
	err = s.call(ctx, "textDocument/documentSymbol", map[string]any{
		"textDocument": TextDocumentIdentifier{URI: pathToURI(path)},
	}, &symbols)
	if err != nil {
		return "", err
	}
	if len(symbols) == 0 {
		return "no symbols in this file", nil
	}
	var b strings.Builder
	writeSymbolTree(&b, symbols, 0)
	return strings.TrimRight(b.String(), "\n"), nil
}

// WorkspaceSymbols searches project-wide symbols by (fuzzy) name.
// anchorPath selects which project's server answers.
func (m *Manager) WorkspaceSymbols(ctx context.Context, anchorPath, query string) (string, error) {
	s, err := m.session(ctx, anchorPath)
	if err != nil {
		return "", err
	}
	if err := s.ensureOpen(ctx, anchorPath); err != nil {
		return "", err
	}
	var symbols []SymbolInformation
	if err := s.call(ctx, "workspace/symbol", map[string]any{"query": query}, &symbols); err != nil {
		return "", err
	}
	if len(symbols) == 0 {
		return fmt.Sprintf("no symbols matching %q", query), nil
	}
	const maxResults = 50
	if len(symbols) > maxResults {
		symbols = symbols[:maxResults]
	}
	var b strings.Builder
	for _, sym := range symbols {
		fmt.Fprintf(&b, "%s %s  %s:%d\n", symbolKind(sym.Kind), sym.Name,
			relPath(sym.Location.URI, s.root), sym.Location.Range.Start.Line+1)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// PrepareCallHierarchy resolves the callable item at a position; its result
// feeds IncomingCalls / OutgoingCalls.
func (m *Manager) PrepareCallHierarchy(ctx context.Context, path string, line, col int) (string, error) {
	s, items, err := m.prepareItems(ctx, path, line, col)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "no callable symbol at this position", nil
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "%s %s  %s:%d\n", symbolKind(it.Kind), it.Name,
			relPath(it.URI, s.root), it.SelectionRange.Start.Line+1)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// IncomingCalls lists callers of the function at a position.
func (m *Manager) IncomingCalls(ctx context.Context, path string, line, col int) (string, error) {
	s, items, err := m.prepareItems(ctx, path, line, col)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "no callable symbol at this position", nil
	}
	var calls []CallHierarchyIncomingCall
	if err := s.call(ctx, "callHierarchy/incomingCalls", map[string]any{"item": items[0]}, &calls); err != nil {
		return "", err
	}
	if len(calls) == 0 {
		return fmt.Sprintf("no callers of %s", items[0].Name), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "callers of %s:\n", items[0].Name)
	for _, c := range calls {
		fmt.Fprintf(&b, "  %s  %s:%d\n", c.From.Name, relPath(c.From.URI, s.root), c.From.SelectionRange.Start.Line+1)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// OutgoingCalls lists callees of the function at a position.
func (m *Manager) OutgoingCalls(ctx context.Context, path string, line, col int) (string, error) {
	s, items, err := m.prepareItems(ctx, path, line, col)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "no callable symbol at this position", nil
	}
	var calls []CallHierarchyOutgoingCall
	if err := s.call(ctx, "callHierarchy/outgoingCalls", map[string]any{"item": items[0]}, &calls); err != nil {
		return "", err
	}
	if len(calls) == 0 {
		return fmt.Sprintf("%s calls nothing", items[0].Name), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "calls made by %s:\n", items[0].Name)
	for _, c := range calls {
		fmt.Fprintf(&b, "  %s  %s:%d\n", c.To.Name, relPath(c.To.URI, s.root), c.To.SelectionRange.Start.Line+1)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (m *Manager) prepareItems(ctx context.Context, path string, line, col int) (*session, []CallHierarchyItem, error) {
	s, params, err := m.position(ctx, path, line, col)
	if err != nil {
		return nil, nil, err
	}
	var items []CallHierarchyItem
	if err := s.call(ctx, "textDocument/prepareCallHierarchy", params, &items); err != nil {
		return nil, nil, err
	}
	return s, items, nil
}

// callLocations handles servers that answer with Location, []Location, or
// []LocationLink.
func callLocations(ctx context.Context, s *session, method string, params any) ([]Location, error) {
	var raw json.RawMessage
	if err := s.call(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var locs []Location
	if err := json.Unmarshal(raw, &locs); err == nil && len(locs) > 0 && locs[0].URI != "" {
		return locs, nil
	}
	var one Location
	if err := json.Unmarshal(raw, &one); err == nil && one.URI != "" {
		return []Location{one}, nil
	}
	var links []LocationLink
	if err := json.Unmarshal(raw, &links); err == nil {
		out := make([]Location, 0, len(links))
		for _, l := range links {
			out = append(out, Location{URI: l.TargetURI, Range: l.TargetRange})
		}
		return out, nil
	}
	return nil, nil
}

// formatLocations renders locations grouped by file with 1-based lines.
func formatLocations(locs []Location, root string) string {
	byFile := make(map[string][]Location)
	var files []string
	for _, loc := range locs {
		p := relPath(loc.URI, root)
		if _, seen := byFile[p]; !seen {
			files = append(files, p)
		}
		byFile[p] = append(byFile[p], loc)
	}
	sort.Strings(files)

	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "%s:\n", f)
		entries := byFile[f]
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Range.Start.Line < entries[j].Range.Start.Line
		})
		for _, loc := range entries {
			fmt.Fprintf(&b, "  line %d, col %d\n", loc.Range.Start.Line+1, loc.Range.Start.Character+1)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeSymbolTree(b *strings.Builder, symbols []DocumentSymbol, depth int) {
	for _, sym := range symbols {
		fmt.Fprintf(b, "%s%s %s  line %d\n", strings.Repeat("  ", depth),
			symbolKind(sym.Kind), sym.Name, sym.SelectionRange.Start.Line+1)
		writeSymbolTree(b, sym.Children, depth+1)
	}
}

func relPath(uri, root string) string {
	p := uriToPath(uri)
	if rel, err := filepath.Rel(root, p); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return p
}
