// Package subagent spawns isolated child agents and parallel teams. Each
// child runs a fresh turn loop with its own loop detector and a restricted
// tool set; progress is relayed to the parent bus tagged with the child id.
package subagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whale-sh/whale/internal/agent"
	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/internal/loopdetect"
	"github.com/whale-sh/whale/internal/providers"
	"github.com/whale-sh/whale/internal/store"
	"github.com/whale-sh/whale/internal/tools"
)

const (
	// maxDepth stops recursive spawning: the root may spawn children, a
	// child may spawn one more level, a grandchild may not.
	maxDepth = 2

	// childMaxTurns caps each child loop independently of the parent.
	childMaxTurns = 15
)

// Scheduler builds and runs child agents at one recursion depth.
type Scheduler struct {
	cfg      *config.Config
	provider providers.Provider
	registry *tools.Registry
	pub      bus.Publisher
	depth    int
}

// New creates the root scheduler (depth 0). Register wires its tools into
// the given registry.
func New(cfg *config.Config, provider providers.Provider, registry *tools.Registry, pub bus.Publisher) *Scheduler {
	return &Scheduler{cfg: cfg, provider: provider, registry: registry, pub: pub}
}

// Register adds spawn_subagent and spawn_team to the registry.
func (s *Scheduler) Register() {
	s.registry.Register(&spawnTool{s: s}, tools.Meta{Category: tools.CategorySubagent, ReadOnly: true})
	s.registry.Register(&teamTool{s: s}, tools.Meta{Category: tools.CategoryTeam, ReadOnly: true})
}

// systemPrompts per agent type. Unknown types fall back to generic.
var systemPrompts = map[string]string{
	"explore": "You are a focused exploration agent. Investigate the codebase to answer the task. Prefer read-only tools. Report findings with file paths and line references.",
	"plan":    "You are a planning agent. Produce a concrete, ordered implementation plan for the task. Do not modify files.",
	"code":    "You are an implementation agent. Complete the coding task, verify your edits by re-reading them, and summarize what changed.",
	"generic": "You are a task agent. Complete the task and report the outcome concisely.",
}

func promptFor(agentType string) string {
	if p, ok := systemPrompts[agentType]; ok {
		return p
	}
	return systemPrompts["generic"]
}

// childResult is what a finished child reports to its spawner.
type childResult struct {
	content string
	tokens  int
	cost    float64
	turns   int
	err     error
}

// runChild executes one task in a fresh loop and relays its events.
func (s *Scheduler) runChild(ctx context.Context, agentID, agentType, task string) childResult {
	childDepth := s.depth + 1

	deny := tools.SubagentDenyList
	if childDepth >= maxDepth {
		deny = tools.MergeDeny(deny, tools.LeafAgentDenyList)
	}

	registry := s.registry.Clone()
	relay := &relayPublisher{inner: s.pub, agentID: agentID}
	child := &Scheduler{
		cfg:      s.cfg,
		provider: s.provider,
		registry: registry,
		pub:      relay,
		depth:    childDepth,
	}
	child.Register()

	detector := loopdetect.New()
	dispatcher := tools.NewDispatcher(tools.DispatcherConfig{
		Registry:   registry,
		Detector:   detector,
		Publisher:  relay,
		Mode:       config.PermissionYolo,
		Disallowed: deny,
	})

	loop := agent.NewLoop(agent.LoopConfig{
		Config:       s.childConfig(),
		Provider:     s.provider,
		Dispatcher:   dispatcher,
		Detector:     detector,
		Publisher:    relay,
		Session:      store.NewSession(),
		SystemPrompt: promptFor(agentType),
	})

	res, err := loop.Run(ctx, task)
	sess := loop.Session()
	out := childResult{
		tokens: sess.TotalInputTokens + sess.TotalOutputTokens,
		cost:   sess.CostUSD,
		turns:  sess.TurnCount,
		err:    err,
	}
	if res != nil {
		out.content = res.Content
	}
	return out
}

// childConfig derives the child's limits without sharing the parent struct.
func (s *Scheduler) childConfig() *config.Config {
	c := &config.Config{
		Model:         s.cfg.Model,
		FallbackModel: s.cfg.FallbackModel,
		ContextWindow: s.cfg.ContextWindow,
		MaxTokens:     s.cfg.MaxTokens,
		Temperature:   s.cfg.Temperature,
		Effort:        s.cfg.Effort,
		MaxTurns:      childMaxTurns,
		MaxBudgetUSD:  s.cfg.MaxBudgetUSD,
	}
	if s.cfg.MaxTurns > 0 && s.cfg.MaxTurns < childMaxTurns {
		c.MaxTurns = s.cfg.MaxTurns
	}
	return c
}

// spawnTool runs one child agent to completion and returns its report.
type spawnTool struct {
	s *Scheduler
}

func (t *spawnTool) Name() string { return "spawn_subagent" }

func (t *spawnTool) Description() string {
	return "Spawn an isolated sub-agent (type: explore, plan, code, or generic) to work on a task with its own conversation and tool budget. Returns the sub-agent's final report."
}

func (t *spawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type":        map[string]any{"type": "string", "description": "agent type: explore | plan | code | generic"},
			"description": map[string]any{"type": "string", "description": "short label shown to the user"},
			"input":       map[string]any{"type": "string", "description": "the full task for the sub-agent"},
		},
		"required": []any{"input"},
	}
}

func (t *spawnTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	agentType, _ := args["type"].(string)
	label, _ := args["description"].(string)
	task, _ := args["input"].(string)
	if strings.TrimSpace(task) == "" {
		return tools.ErrorResult("spawn_subagent requires a non-empty input")
	}
	if label == "" {
		label = agentType
	}

	agentID := uuid.NewString()[:8]
	t.s.publish(bus.Event{Type: bus.EventSubagentStart, AgentID: agentID, Subagent: &bus.SubagentEvent{
		ID: agentID, Type: agentType, Label: label, State: "running",
	}})

	start := time.Now()
	res := t.s.runChild(ctx, agentID, agentType, task)

	state := "done"
	if res.err != nil {
		state = "failed"
	}
	t.s.publish(bus.Event{Type: bus.EventSubagentDone, AgentID: agentID, Subagent: &bus.SubagentEvent{
		ID: agentID, Type: agentType, Label: label, State: state,
		Tokens: res.tokens, Duration: time.Since(start).Milliseconds(),
		IsError: res.err != nil, Output: res.content,
	}})

	if res.err != nil {
		return tools.ErrorResult(fmt.Sprintf("sub-agent %s failed: %v", label, res.err))
	}
	report := fmt.Sprintf("Sub-agent %s finished in %d turns (%d tokens, $%.4f).\n\n%s",
		label, res.turns, res.tokens, res.cost, res.content)
	return tools.NewResult(report)
}

func (s *Scheduler) publish(ev bus.Event) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}
