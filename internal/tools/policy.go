package tools

import "strings"

// Tool groups usable in allow/deny specs as "group:<name>".
var toolGroups = map[string][]string{
	"fs":      {"read_file", "write_file", "edit_file", "list_directory", "glob", "grep_search"},
	"runtime": {"exec"},
	"web":     {"web_fetch"},
	"lsp": {
		"lsp_definition", "lsp_references", "lsp_hover", "lsp_document_symbols",
		"lsp_workspace_symbols", "lsp_implementation", "lsp_prepare_call_hierarchy",
		"lsp_incoming_calls", "lsp_outgoing_calls",
	},
	"agents": {"spawn_subagent", "spawn_team"},
}

// SubagentDenyList removes tools sub-agents must not reach: nesting teams
// and prompting the user belong to the root agent.
var SubagentDenyList = []string{"spawn_team", "ask_user"}

// LeafAgentDenyList additionally applies at max recursion depth.
var LeafAgentDenyList = []string{"spawn_subagent"}

// ExpandToolSpec expands group references in an allow/deny spec into
// concrete tool names. Unknown names pass through unchanged so remote
// tools can still be named directly.
func ExpandToolSpec(spec []string) []string {
	if len(spec) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	for _, s := range spec {
		if group, ok := strings.CutPrefix(s, "group:"); ok {
			for _, member := range toolGroups[group] {
				add(member)
			}
			continue
		}
		add(s)
	}
	return out
}

// MergeDeny appends extra denied names to a spec without duplicates.
func MergeDeny(spec, extra []string) []string {
	seen := make(map[string]struct{}, len(spec))
	out := append([]string(nil), spec...)
	for _, s := range spec {
		seen[s] = struct{}{}
	}
	for _, e := range extra {
		if _, dup := seen[e]; !dup {
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}
