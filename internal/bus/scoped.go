package bus

// Publisher is the producer-side surface of the bus. Sub-agents receive a
// Scoped publisher so their events carry the child's agent id without the
// child holding any reference to parent state.
type Publisher interface {
	Publish(Event) error
}

type scoped struct {
	inner   Publisher
	agentID string
}

// Scoped returns a publisher that stamps agentID on every event that does
// not already carry one (events relayed from deeper descendants keep theirs).
func Scoped(inner Publisher, agentID string) Publisher {
	return &scoped{inner: inner, agentID: agentID}
}

func (s *scoped) Publish(ev Event) error {
	if ev.AgentID == "" {
		ev.AgentID = s.agentID
	}
	return s.inner.Publish(ev)
}
