// Package agent defines the agent adapter port: the single narrow boundary
// through which the orchestrator invokes external coding agents. No code
// outside adapters observes engine identity or prompt text.
package agent

import (
	"context"
	"time"
)

// ResultStatus classifies the outcome of one adapter invocation.
type ResultStatus string

const (
	StatusOK             ResultStatus = "ok"
	StatusTransientError ResultStatus = "transient_error"
	StatusPermanentError ResultStatus = "permanent_error"
)

// Limits bounds one invocation.
type Limits struct {
	WallTime    time.Duration
	TokenBudget int64
	MemoryBytes int64 // 0 = unlimited
}

// OutputTargets declares where the adapter must write its results,
// as absolute paths inside the protocol worktree.
type OutputTargets struct {
	Primary string
	Aux     map[string]string
}

// Invocation carries everything an adapter needs to run one step.
type Invocation struct {
	// WorkDir is the protocol worktree; adapters must never operate outside it.
	WorkDir string
	// PromptRef is the logical prompt id; adapters resolve it through the
	// prompt resolver and report the concrete version in the result.
	PromptRef string
	// Prompt is the resolved template text.
	Prompt string
	// PromptVersion is the resolved concrete prompt identifier.
	PromptVersion string
	// Model is the model identifier the engine should use.
	Model string
	// Inputs maps logical artifact names to paths.
	Inputs map[string]string
	// Outputs declares the capture destinations.
	Outputs OutputTargets
	Limits  Limits
}

// ErrorDetail describes an adapter failure.
type ErrorDetail struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// Result is the outcome of one adapter invocation.
type Result struct {
	Status          ResultStatus `json:"status"`
	StdoutBytes     int64        `json:"stdout_bytes_written"`
	AuxBytes        int64        `json:"aux_bytes_written"`
	TokensUsed      int64        `json:"tokens_used"`
	CostEstimate    float64      `json:"cost_estimate"`
	PromptVersion   string       `json:"prompt_version"`
	Err             *ErrorDetail `json:"error,omitempty"`
}

// Adapter is implemented once per engine. Execute blocks until the agent
// finishes, fails, or ctx is cancelled; cancellation must terminate the
// external process within the configured grace period.
type Adapter interface {
	// Name returns the engine identifier this adapter serves (e.g. "codex").
	Name() string

	// Execute runs one invocation inside inv.WorkDir.
	Execute(ctx context.Context, inv Invocation) (*Result, error)
}
