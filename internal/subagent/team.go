package subagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/tools"
)

// maxTeammates bounds team concurrency.
const maxTeammates = 4

// teamTool runs several teammates concurrently over a shared task list.
type teamTool struct {
	s *Scheduler
}

func (t *teamTool) Name() string { return "spawn_team" }

func (t *teamTool) Description() string {
	return "Run a team of agents concurrently over a list of tasks. Tasks are distributed round-robin across teammates; one failing task does not stop the others. Returns a per-task status summary."
}

func (t *teamTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"teammates": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "agent types, one per teammate (explore | plan | code | generic)",
			},
			"tasks": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "tasks to distribute across the team",
			},
		},
		"required": []any{"teammates", "tasks"},
	}
}

type taskOutcome struct {
	task     string
	teammate string
	output   string
	tokens   int
	err      error
}

func (t *teamTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	teammates := stringSlice(args["teammates"])
	taskList := stringSlice(args["tasks"])
	if len(teammates) == 0 || len(taskList) == 0 {
		return tools.ErrorResult("spawn_team requires at least one teammate and one task")
	}
	if len(teammates) > maxTeammates {
		teammates = teammates[:maxTeammates]
	}

	teamID := uuid.NewString()[:8]
	t.s.publish(bus.Event{Type: bus.EventTeamStart, AgentID: teamID, Team: &bus.TeamEvent{
		ID: teamID, TasksTotal: len(taskList),
	}})

	// Round-robin assignment: task i goes to teammate i mod T.
	assignments := make([][]int, len(teammates))
	for i := range taskList {
		w := i % len(teammates)
		assignments[w] = append(assignments[w], i)
	}

	outcomes := make([]taskOutcome, len(taskList))
	var wg sync.WaitGroup
	for w, idxs := range assignments {
		if len(idxs) == 0 {
			continue
		}
		wg.Add(1)
		go func(teammate string, idxs []int) {
			defer wg.Done()
			for _, i := range idxs {
				outcomes[i] = t.runTask(ctx, teamID, teammate, taskList[i])
			}
		}(teammates[w], idxs)
	}
	wg.Wait()

	completed, tokens := 0, 0
	for _, o := range outcomes {
		tokens += o.tokens
		if o.err == nil {
			completed++
		}
	}
	success := completed == len(taskList)

	t.s.publish(bus.Event{Type: bus.EventTeamDone, AgentID: teamID, Team: &bus.TeamEvent{
		ID: teamID, TasksTotal: len(taskList), TasksCompleted: completed, Success: success,
	}})

	summary := renderTeamSummary(outcomes, completed, tokens)
	if completed == 0 {
		return tools.ErrorResult(summary)
	}
	return tools.NewResult(summary)
}

// runTask runs one task under one teammate and reports its status.
func (t *teamTool) runTask(ctx context.Context, teamID, teammate, task string) taskOutcome {
	agentID := fmt.Sprintf("%s/%s-%s", teamID, teammate, uuid.NewString()[:4])

	t.s.publish(bus.Event{Type: bus.EventTeamTask, AgentID: teamID, Team: &bus.TeamEvent{
		ID: teamID, Teammate: teammate, Task: task, TaskStatus: "running",
	}})
	start := time.Now()
	res := t.s.runChild(ctx, agentID, teammate, task)

	status := "completed"
	if res.err != nil {
		status = "failed"
	}
	t.s.publish(bus.Event{Type: bus.EventTeamTask, AgentID: teamID, Team: &bus.TeamEvent{
		ID: teamID, Teammate: teammate, Task: task, TaskStatus: status,
		Message: fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
	}})

	return taskOutcome{task: task, teammate: teammate, output: res.content, tokens: res.tokens, err: res.err}
}

func renderTeamSummary(outcomes []taskOutcome, completed, tokens int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Team finished: %d/%d tasks completed, %d tokens.\n\n", completed, len(outcomes), tokens)
	for i, o := range outcomes {
		status := "completed"
		if o.err != nil {
			status = "failed: " + o.err.Error()
		}
		fmt.Fprintf(&b, "Task %d (%s, %s): %s\n", i+1, o.teammate, status, firstLine(o.task))
		if o.output != "" {
			fmt.Fprintf(&b, "%s\n\n", o.output)
		}
	}
	return strings.TrimSpace(b.String())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
