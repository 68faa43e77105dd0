package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whale-sh/whale/internal/bus"
)

const askUserTimeout = 5 * time.Minute

// QuestionBroker parks pending questions until a transport answers them.
type QuestionBroker struct {
	mu      sync.Mutex
	pending map[string]chan string
	pub     bus.Publisher
}

func NewQuestionBroker(pub bus.Publisher) *QuestionBroker {
	return &QuestionBroker{pending: make(map[string]chan string), pub: pub}
}

// Ask publishes a question event and blocks until the transport answers,
// the context ends, or the timeout fires.
func (b *QuestionBroker) Ask(ctx context.Context, prompt string, options []string) (string, error) {
	id := uuid.NewString()
	ch := make(chan string, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.pub.Publish(bus.Event{
		Type:     bus.EventQuestion,
		Question: &bus.QuestionEvent{ID: id, Prompt: prompt, Options: options},
	}); err != nil {
		return "", err
	}

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(askUserTimeout):
		return "", fmt.Errorf("no answer within %s", askUserTimeout)
	}
}

// Answer resolves a pending question. Returns false if the id is unknown
// or already answered.
func (b *QuestionBroker) Answer(id, text string) bool {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- text
	return true
}

// AskUserTool suspends the turn until the user answers a question.
type AskUserTool struct {
	broker *QuestionBroker
}

func NewAskUserTool(broker *QuestionBroker) *AskUserTool {
	return &AskUserTool{broker: broker}
}

func (t *AskUserTool) Name() string { return "ask_user" }
func (t *AskUserTool) Description() string {
	return "Ask the user a question and wait for their answer. Use when a decision genuinely needs user input."
}
func (t *AskUserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "The question to ask",
			},
			"options": map[string]any{
				"type":        "array",
				"description": "Optional fixed choices to present",
				"items":       map[string]any{"type": "string"},
			},
		},
		"required": []string{"question"},
	}
}

func (t *AskUserTool) Execute(ctx context.Context, args map[string]any) *Result {
	question, _ := args["question"].(string)
	if question == "" {
		return ErrorResult("question is required")
	}
	var options []string
	if raw, ok := args["options"].([]any); ok {
		for _, o := range raw {
			if s, ok := o.(string); ok {
				options = append(options, s)
			}
		}
	}

	answer, err := t.broker.Ask(ctx, question, options)
	if err != nil {
		return ErrorResult(fmt.Sprintf("question not answered: %v", err))
	}
	return UserResult(answer)
}
