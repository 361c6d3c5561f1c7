// Package step defines the StepRun domain entity: one execution record for a
// spec step inside a protocol. A protocol exclusively owns its step runs.
package step

import (
	"time"

	"github.com/Strob0t/Maestro/internal/domain/qa"
)

// Status represents the lifecycle state of a step run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusRunning   Status = "running"
	StatusNeedsQA   Status = "needs_qa"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusBlocked   Status = "blocked"
	StatusSkipped   Status = "skipped"
)

// IsTerminal returns true if the step is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// transitions is the allowed per-step state graph. pending may be re-entered
// from failure handling (retry) and from blocked (clarification answered).
var transitions = map[Status][]Status{
	StatusPending:  {StatusReserved, StatusBlocked, StatusCancelled, StatusSkipped},
	StatusReserved: {StatusRunning, StatusPending, StatusBlocked, StatusFailed, StatusCancelled},
	StatusRunning:  {StatusNeedsQA, StatusCompleted, StatusPending, StatusFailed, StatusCancelled, StatusBlocked},
	StatusNeedsQA:  {StatusCompleted, StatusPending, StatusFailed, StatusBlocked, StatusCancelled},
	StatusFailed:   {StatusPending}, // explicit retry_step command
	StatusBlocked:  {StatusPending, StatusCancelled, StatusFailed},
}

// CanTransition reports whether moving from one step status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Run represents one step's execution state within a protocol.
type Run struct {
	ID         string `json:"id"`
	ProtocolID string `json:"protocol_id"`
	StepIndex  int    `json:"step_index"`
	SpecHash   string `json:"spec_hash"`
	Status     Status `json:"status"`

	// Attempts counts adapter invocations (1 on first run). Retries counts
	// feedback-routed retries after QA failure. LoopCount counts feedback
	// loops that re-queued the step (e.g. local re-plan).
	Attempts  int `json:"attempts"`
	Retries   int `json:"retries"`
	LoopCount int `json:"loop_count"`

	TokensUsed    int64   `json:"tokens_used"`
	CostUSD       float64 `json:"cost_usd"`
	PromptVersion string  `json:"prompt_version,omitempty"`

	// QAVerdict holds the aggregated result of the run's most recent QA
	// stage, recorded before feedback routing acts on it.
	QAVerdict *qa.Result `json:"qa_verdict,omitempty"`

	Artifacts []Artifact `json:"artifacts,omitempty"`
	// Partial flags artifacts captured from a force-terminated step.
	Partial bool `json:"partial,omitempty"`

	Error        string `json:"error,omitempty"`
	StatusReason string `json:"status_reason,omitempty"`

	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Artifact is one captured output of a step run.
type Artifact struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	// Kind tags the artifact: "stdout", "aux", "git-status", "diff".
	Kind string `json:"kind"`
}

// DependenciesMet reports whether every dependency index is closed. A skipped
// dependency counts as satisfied: only optional invocations may be skipped,
// so dependents cannot require their outputs.
func DependenciesMet(deps []int, byIndex map[int]*Run) bool {
	for _, d := range deps {
		r, ok := byIndex[d]
		if !ok {
			return false
		}
		if r.Status != StatusCompleted && r.Status != StatusSkipped {
			return false
		}
	}
	return true
}

// ByIndex builds a step_index lookup over the given runs.
func ByIndex(runs []*Run) map[int]*Run {
	m := make(map[int]*Run, len(runs))
	for _, r := range runs {
		m[r.StepIndex] = r
	}
	return m
}

// AllClosed reports whether every step run is completed or skipped,
// which is the precondition for protocol completion.
func AllClosed(runs []*Run) bool {
	for _, r := range runs {
		if r.Status != StatusCompleted && r.Status != StatusSkipped {
			return false
		}
	}
	return true
}
