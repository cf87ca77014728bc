// Package session holds the per-session state the proxy accumulates while a
// coding agent works: the stated goal and constraints, a bounded ring of
// observed steps, pending corrections, injection records for prefix
// reconstruction, and the delta tracker that prevents re-sending facts the
// agent has already seen. State is process-local and ephemeral; losing it on
// restart costs one turn of context enrichment, nothing more.
package session

import "time"

// Status describes a session's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// ActionType classifies an observed agent step.
type ActionType string

const (
	ActionRead  ActionType = "read"
	ActionEdit  ActionType = "edit"
	ActionWrite ActionType = "write"
	ActionBash  ActionType = "bash"
	ActionGrep  ActionType = "grep"
	ActionGlob  ActionType = "glob"
	ActionTask  ActionType = "task"
	ActionOther ActionType = "other"
)

// Modifying reports whether the action changes project state. Reads and
// searches never count: exploration is never drift.
func (a ActionType) Modifying() bool {
	switch a {
	case ActionEdit, ActionWrite, ActionBash:
		return true
	}
	return false
}

// StepRecord is one observed agent action. Records are append-only per
// session; only a bounded window is retained.
type StepRecord struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Action        ActionType `json:"action_type"`
	Files         []string   `json:"files,omitempty"`
	Command       string     `json:"command,omitempty"`
	CodeHash      string     `json:"code_hash,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	IsKeyDecision bool       `json:"is_key_decision"`
}

// InjectionType distinguishes recorded injections.
type InjectionType string

const (
	InjectionPreview    InjectionType = "preview"
	InjectionCorrection InjectionType = "correction"
)

// InjectionRecord remembers text injected into a past turn so retried or
// continued conversations can be reconstructed with an identical prefix.
type InjectionRecord struct {
	// Position is the index of the target message in the conversation.
	Position int           `json:"position"`
	Type     InjectionType `json:"type"`
	Preview  string        `json:"preview"`
}

// State is the mutable per-session record.
type State struct {
	SessionID             string    `json:"session_id"`
	ProjectPath           string    `json:"project_path"`
	OriginalGoal          string    `json:"original_goal"`
	Constraints           []string  `json:"constraints,omitempty"`
	TokenCount            int       `json:"token_count"`
	EscalationCount       int       `json:"escalation_count"`
	PendingCorrection     string    `json:"pending_correction,omitempty"`
	PendingForcedRecovery string    `json:"pending_forced_recovery,omitempty"`
	PendingClearSummary   string    `json:"pending_clear_summary,omitempty"`
	Status                Status    `json:"status"`
	DriftHistory          []int     `json:"drift_history,omitempty"`
	StepsSinceCheck       int       `json:"steps_since_check"`
	LastMessageCount      int       `json:"last_message_count"`
	WasCleared            bool      `json:"was_cleared"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// UpdateFields is a partial update: only non-nil fields are applied.
type UpdateFields struct {
	OriginalGoal          *string
	Constraints           *[]string
	TokenCount            *int
	EscalationCount       *int
	PendingCorrection     *string
	PendingForcedRecovery *string
	PendingClearSummary   *string
	Status                *Status
	LastMessageCount      *int
	WasCleared            *bool
}
