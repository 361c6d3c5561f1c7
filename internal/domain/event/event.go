// Package event defines the journal Event entity. The per-protocol journal is
// append-only and is the authoritative state history: every status transition
// is atomic with exactly one emitted event.
package event

import "time"

// Type identifies the kind of journal event.
type Type string

const (
	TypeProtocolCreated   Type = "protocol_created"
	TypeProtocolStarted   Type = "protocol_started"
	TypeProtocolCompleted Type = "protocol_completed"
	TypeProtocolFailed    Type = "protocol_failed"
	TypeProtocolCancelled Type = "protocol_cancelled"
	TypeProtocolPaused    Type = "protocol_paused"
	TypeProtocolResumed   Type = "protocol_resumed"
	TypeProtocolBlocked   Type = "protocol_blocked"
	TypeProtocolUnblocked Type = "protocol_unblocked"

	TypePlanningStarted     Type = "planning_started"
	TypePlanCommitted       Type = "plan_committed"
	TypePlanUnchanged       Type = "plan_unchanged"
	TypeSpecValidationError Type = "spec_validation_error"
	TypeReplanTriggered     Type = "replan_triggered"

	TypeStepReserved       Type = "step_reserved"
	TypeStepStarted        Type = "step_started"
	TypeStepCompleted      Type = "step_completed"
	TypeStepFailed         Type = "step_failed"
	TypeStepCancelled      Type = "step_cancelled"
	TypeStepSkipped        Type = "step_skipped"
	TypeStepRetryScheduled Type = "step_retry_scheduled"
	TypeStepArtifactsSaved Type = "step_artifacts_saved"
	TypePromptResolveError Type = "prompt_resolve_error"

	TypeQAVerdict        Type = "qa_verdict"
	TypeFeedbackDecision Type = "feedback_decision"

	TypeBudgetExhausted       Type = "budget_exhausted"
	TypeInlineTriggerLimitHit Type = "inline_trigger_limit_hit"
	TypeClarificationRaised   Type = "clarification_raised"
	TypeClarificationAnswered Type = "clarification_answered"

	TypeWorktreeCreated  Type = "worktree_created"
	TypeWorktreeReleased Type = "worktree_released"

	TypeSystemError Type = "system_error"
)

// Category groups events for filtering.
type Category string

const (
	CategoryLifecycle Category = "lifecycle"
	CategoryPlanning  Category = "planning"
	CategoryExecution Category = "execution"
	CategoryQA        Category = "qa"
	CategoryPolicy    Category = "policy"
	CategoryWorktree  Category = "worktree"
	CategorySystem    Category = "system"
)

// Event is one immutable journal entry. Seq is strictly increasing per
// protocol and assigned by the journal on append.
type Event struct {
	ProtocolID string   `json:"protocol_id"`
	Seq        int64    `json:"seq"`
	Type       Type     `json:"type"`
	Category   Category `json:"category"`
	Message    string   `json:"message,omitempty"`
	StepIndex  *int     `json:"step_index,omitempty"`
	StepRunID  string   `json:"step_run_id,omitempty"`
	// Meta carries structured detail: engine, model, prompt_version, tokens,
	// cost, policy decision, artifact listings.
	Meta map[string]any `json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	// MonotonicNS is a monotonic-clock reading taken at append time, used to
	// verify causal ordering independent of wall-clock adjustments.
	MonotonicNS int64 `json:"monotonic_ns"`
}

// CategoryFor returns the conventional category for an event type.
func CategoryFor(t Type) Category {
	switch t {
	case TypePlanningStarted, TypePlanCommitted, TypePlanUnchanged, TypeSpecValidationError, TypeReplanTriggered:
		return CategoryPlanning
	case TypeStepReserved, TypeStepStarted, TypeStepCompleted, TypeStepFailed,
		TypeStepCancelled, TypeStepSkipped, TypeStepRetryScheduled,
		TypeStepArtifactsSaved, TypePromptResolveError:
		return CategoryExecution
	case TypeQAVerdict, TypeFeedbackDecision:
		return CategoryQA
	case TypeBudgetExhausted, TypeInlineTriggerLimitHit,
		TypeClarificationRaised, TypeClarificationAnswered:
		return CategoryPolicy
	case TypeWorktreeCreated, TypeWorktreeReleased:
		return CategoryWorktree
	case TypeSystemError:
		return CategorySystem
	default:
		return CategoryLifecycle
	}
}
