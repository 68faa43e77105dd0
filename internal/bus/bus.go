// Package bus is the typed event stream between the engine and transports.
//
// Producers (turn loop, tool dispatcher, sub-agent scheduler) publish in
// program order; each subscriber drains its own queue on a dedicated
// goroutine. Slow consumers may lose intermediate text deltas (they are
// coalesced), but structural events are always queued.
package bus

import (
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Publish after Destroy.
var ErrChannelClosed = errors.New("bus: channel closed")

// EventType discriminates the Event union.
type EventType string

const (
	EventText       EventType = "text"
	EventThinking   EventType = "thinking"
	EventToolStart  EventType = "tool_start"
	EventToolEnd    EventType = "tool_end"
	EventToolOutput EventType = "tool_output"
	EventUsage      EventType = "usage"
	EventCompact    EventType = "compact"
	EventDone       EventType = "done"
	EventError      EventType = "error"
	EventQuestion   EventType = "question"

	EventSubagentStart     EventType = "subagent_start"
	EventSubagentProgress  EventType = "subagent_progress"
	EventSubagentToolStart EventType = "subagent_tool_start"
	EventSubagentToolEnd   EventType = "subagent_tool_end"
	EventSubagentDone      EventType = "subagent_done"

	EventTeamStart    EventType = "team_start"
	EventTeamProgress EventType = "team_progress"
	EventTeamTask     EventType = "team_task"
	EventTeamDone     EventType = "team_done"
)

// Event is one entry on the stream. Exactly one payload field is set,
// matching Type. AgentID is empty for the root agent and set for events
// relayed from sub-agents.
type Event struct {
	Type    EventType
	AgentID string

	Text     string
	Tool     *ToolEvent
	Usage    *UsageEvent
	Compact  *CompactEvent
	Done     *DoneEvent
	Err      *ErrorEvent
	Question *QuestionEvent
	Subagent *SubagentEvent
	Team     *TeamEvent
}

// ToolEvent carries tool_start / tool_end / tool_output.
type ToolEvent struct {
	ID         string
	Name       string
	Input      string
	Result     string
	IsError    bool
	DurationMs int64
}

// UsageEvent reports per-request token usage and derived cost.
type UsageEvent struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// CompactEvent reports one context compaction.
type CompactEvent struct {
	BeforeCount int
	AfterCount  int
	TokensSaved int
}

// DoneEvent is the successful terminal event for one user message.
type DoneEvent struct {
	ConversationID string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	Turns          int
}

// ErrorEvent is the abnormal terminal event. Kind matches agent error kinds
// (Cancelled, BudgetExceeded, TurnLimit, Bailed, ...).
type ErrorEvent struct {
	Kind    string
	Message string
}

// QuestionEvent suspends an interactive tool until the transport answers.
type QuestionEvent struct {
	ID      string
	Prompt  string
	Options []string
}

// SubagentEvent carries sub-agent lifecycle and relayed tool activity.
type SubagentEvent struct {
	ID       string
	Type     string
	Label    string
	State    string
	Message  string
	Tool     string
	ToolID   string
	IsError  bool
	Tokens   int
	Duration int64
	Output   string
}

// TeamEvent carries team lifecycle, per-task status, and the final summary.
type TeamEvent struct {
	ID             string
	Teammate       string
	Task           string
	TaskStatus     string
	Message        string
	TasksTotal     int
	TasksCompleted int
	Success        bool
}

// Handler consumes events for one subscriber.
type Handler func(Event)

// queueCap bounds the per-subscriber queue before text coalescing kicks in.
const queueCap = 64

type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
	fn     Handler
}

// Bus fans events out to subscribers, in order per producer.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*subscriber
	destroyed bool
}

func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a handler under id, replacing any previous handler
// with the same id. The handler runs on a dedicated goroutine.
func (b *Bus) Subscribe(id string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	if old, ok := b.subs[id]; ok {
		old.close()
	}
	s := &subscriber{wake: make(chan struct{}, 1), fn: fn}
	b.subs[id] = s
	go s.drain()
}

// Unsubscribe removes a subscriber. Queued events are still delivered.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		s.close()
		delete(b.subs, id)
	}
}

// Publish delivers ev to every subscriber queue.
func (b *Bus) Publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrChannelClosed
	}
	for _, s := range b.subs {
		s.enqueue(ev)
	}
	return nil
}

// Destroy deregisters all listeners. Publish afterwards fails with
// ErrChannelClosed.
func (b *Bus) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	for id, s := range b.subs {
		s.close()
		delete(b.subs, id)
	}
}

// isDelta reports whether ev may be coalesced under backpressure.
func isDelta(ev Event) bool {
	return ev.Type == EventText || ev.Type == EventThinking
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if isDelta(ev) && len(s.queue) >= queueCap {
		// Coalesce into the most recent queued delta of the same type
		// so a slow consumer loses granularity, not content ordering.
		for i := len(s.queue) - 1; i >= 0; i-- {
			if s.queue[i].Type == ev.Type && s.queue[i].AgentID == ev.AgentID {
				s.queue[i].Text += ev.Text
				s.signal()
				return
			}
		}
	}
	s.queue = append(s.queue, ev)
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			s.fn(ev)
		}
	}
}
