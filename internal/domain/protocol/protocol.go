// Package protocol defines the ProtocolRun domain entity and its state machine.
// A protocol is one unit of delivery work: a frozen plan executed step by step
// inside a dedicated git worktree.
package protocol

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a protocol run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusPlanned   Status = "planned"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the protocol is in a final state.
// Terminal transitions release the worktree and close the journal to mutations.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the allowed state graph. Reservation of steps is only
// permitted while the protocol is running.
var transitions = map[Status][]Status{
	StatusPending:  {StatusPlanning, StatusCancelled},
	StatusPlanning: {StatusPlanned, StatusFailed, StatusCancelled},
	StatusPlanned:  {StatusRunning, StatusPaused, StatusCancelled},
	StatusRunning:  {StatusPaused, StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:   {StatusRunning, StatusCancelled},
	StatusBlocked:  {StatusRunning, StatusFailed, StatusCancelled},
	// planning may be re-entered from running for feedback-driven re-planning
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	if from == StatusRunning && to == StatusPlanning {
		// feedback-driven re-plan
		return true
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Run represents a protocol run: the orchestrated execution of one frozen plan.
type Run struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	// Name is unique per project and prefixed by the monotonic sequence, e.g. "0042-fix-login".
	Name   string `json:"name"`
	Seq    int    `json:"seq"`
	Status Status `json:"status"`

	BaseBranch   string `json:"base_branch"`
	BranchName   string `json:"branch_name,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`

	// SpecHash identifies the active frozen spec version; empty until planned.
	SpecHash string `json:"spec_hash,omitempty"`
	// PolicyHash identifies the policy snapshot frozen at planning time.
	PolicyHash string `json:"policy_hash,omitempty"`

	TokensUsed   int64       `json:"tokens_used"`
	CostUSD      float64     `json:"cost_usd"`
	TokenBudget  int64       `json:"token_budget,omitempty"` // 0 = unlimited
	InlineDepth  int         `json:"inline_trigger_depth"`
	LoopCounts   map[int]int `json:"loop_counts,omitempty"` // step_index -> feedback loop count
	StatusReason string      `json:"status_reason,omitempty"`

	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// CreateRequest holds the fields for creating a new protocol run.
type CreateRequest struct {
	ProjectID  string `json:"project_id"`
	NameHint   string `json:"name_hint"`
	BaseBranch string `json:"base_branch"`
}

// FormatName builds the canonical protocol name from the per-project sequence
// number and a short name hint: "NNNN-<hint>".
func FormatName(seq int, hint string) string {
	return fmt.Sprintf("%04d-%s", seq, Slug(hint))
}

// Slug lowercases a name hint and replaces runs of non-alphanumerics with a
// single dash, truncated to 40 characters so branch names stay manageable.
func Slug(s string) string {
	out := make([]rune, 0, len(s))
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
			dash = false
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
			dash = false
		default:
			if !dash && len(out) > 0 {
				out = append(out, '-')
				dash = true
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	if len(out) > 40 {
		out = out[:40]
	}
	if len(out) == 0 {
		return "protocol"
	}
	return string(out)
}
