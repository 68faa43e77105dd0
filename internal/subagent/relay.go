package subagent

import "github.com/whale-sh/whale/internal/bus"

// relayPublisher rewrites a child's events into sub-agent progress events
// on the parent bus. The child's terminal events are swallowed; the spawner
// publishes a single subagent_done itself.
type relayPublisher struct {
	inner   bus.Publisher
	agentID string
}

func (r *relayPublisher) Publish(ev bus.Event) error {
	if ev.AgentID == "" {
		ev.AgentID = r.agentID
	}
	switch ev.Type {
	case bus.EventText, bus.EventThinking:
		return r.inner.Publish(bus.Event{
			Type: bus.EventSubagentProgress, AgentID: ev.AgentID,
			Subagent: &bus.SubagentEvent{ID: r.agentID, Message: ev.Text},
		})
	case bus.EventToolStart:
		return r.inner.Publish(bus.Event{
			Type: bus.EventSubagentToolStart, AgentID: ev.AgentID,
			Subagent: &bus.SubagentEvent{ID: r.agentID, Tool: ev.Tool.Name, ToolID: ev.Tool.ID},
		})
	case bus.EventToolEnd:
		return r.inner.Publish(bus.Event{
			Type: bus.EventSubagentToolEnd, AgentID: ev.AgentID,
			Subagent: &bus.SubagentEvent{
				ID: r.agentID, Tool: ev.Tool.Name, ToolID: ev.Tool.ID,
				IsError: ev.Tool.IsError, Duration: ev.Tool.DurationMs,
			},
		})
	case bus.EventDone, bus.EventError:
		// Terminal events stay inside the child; the parent reports.
		return nil
	default:
		return r.inner.Publish(ev)
	}
}
