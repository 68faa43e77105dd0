// Package store persists conversations and their edit history.
package store

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whale-sh/whale/internal/providers"
)

const titleMaxLen = 40

// Session is one conversation with its counters.
type Session struct {
	ID       string              `json:"id"`
	Title    string              `json:"title"`
	Messages []providers.Message `json:"messages"`

	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	CostUSD           float64 `json:"cost_usd"`
	TurnCount         int     `json:"turn_count"`
	CompactionCount   int     `json:"compaction_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionInfo is a listing entry.
type SessionInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore is the persistence surface. Implementations: file (default)
// and sqlite.
type SessionStore interface {
	Load(id string) (*Session, error)
	Save(s *Session) error
	Delete(id string) error
	// List returns sessions ordered by UpdatedAt descending.
	List() ([]SessionInfo, error)
}

// NewSession creates an empty session with a fresh id.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch bumps UpdatedAt.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// SetTitleFromPrompt derives a title from the first user prompt, once.
func (s *Session) SetTitleFromPrompt(prompt string) {
	if s.Title != "" {
		return
	}
	title := strings.Join(strings.Fields(prompt), " ")
	if len(title) > titleMaxLen {
		title = strings.TrimSpace(title[:titleMaxLen])
	}
	s.Title = title
}
