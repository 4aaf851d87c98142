package sessions

import (
	"time"

	"github.com/osagent/osa/internal/providers"
)

// Status is the coarse state of a session's reasoning actor.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusThinking Status = "thinking"
	StatusPlanMode Status = "plan-mode"
)

// LastMeta summarizes the most recent completed run.
type LastMeta struct {
	Iterations int      `json:"iterations"`
	ToolsUsed  []string `json:"tools_used"`
}

// Session holds the mutable state owned by one reasoning actor. All access
// is serialized through the actor mailbox; nothing outside the actor may
// touch it directly.
type Session struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id,omitempty"`
	Channel string `json:"channel,omitempty"`

	// Per-session provider/model overrides. Empty means router default.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	Messages  []providers.Message `json:"messages"`
	Iteration int                 `json:"iteration"`
	Status    Status              `json:"status"`

	PlanModeEnabled bool `json:"plan_mode_enabled"`

	// Signal is the most recent classification attached to the session.
	// The async LLM refinement may replace it after the fact.
	Signal any `json:"-"`

	LastMeta LastMeta `json:"last_meta"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Append adds a message to the in-memory log and bumps Updated.
func (s *Session) Append(msg providers.Message) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now().UTC()
}
