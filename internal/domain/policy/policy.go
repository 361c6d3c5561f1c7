// Package policy defines the orchestrator's policy layer: the snapshot frozen
// at planning time and the evaluator that gates step reservation on loops,
// retries, token budget, inline-trigger depth, and open clarifications.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EnforcementMode controls how QA warnings are treated.
type EnforcementMode string

const (
	EnforcementOff   EnforcementMode = "off"
	EnforcementWarn  EnforcementMode = "warn"
	EnforcementBlock EnforcementMode = "block"
)

// Valid reports whether m is a recognized enforcement mode.
func (m EnforcementMode) Valid() bool {
	switch m {
	case EnforcementOff, EnforcementWarn, EnforcementBlock:
		return true
	}
	return false
}

// Snapshot is the effective policy frozen for a protocol at planning time.
// The protocol records its hash so later policy edits never affect a
// committed plan.
type Snapshot struct {
	Enforcement EnforcementMode `json:"enforcement"`
	// TokenBudget caps cumulative protocol token usage; 0 = unlimited.
	TokenBudget int64 `json:"token_budget,omitempty"`
	// MaxInlineTriggerDepth bounds inline dependent triggering per call chain.
	MaxInlineTriggerDepth int `json:"max_inline_trigger_depth"`
	// DefaultMaxLoops and DefaultRetryMax apply to steps that declare zero.
	DefaultMaxLoops int `json:"default_max_loops"`
	DefaultRetryMax int `json:"default_retry_max"`
}

// Hash returns the content hash of the snapshot over its canonical JSON form.
func (s *Snapshot) Hash() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal policy snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// BlockWarnings reports whether QA warnings must be promoted to failures.
func (s *Snapshot) BlockWarnings() bool {
	return s.Enforcement == EnforcementBlock
}

// MaxLoopsFor resolves the effective loop limit for a step-declared value.
func (s *Snapshot) MaxLoopsFor(declared int) int {
	if declared > 0 {
		return declared
	}
	return s.DefaultMaxLoops
}

// RetryMaxFor resolves the effective retry limit for a step-declared value.
func (s *Snapshot) RetryMaxFor(declared int) int {
	if declared > 0 {
		return declared
	}
	return s.DefaultRetryMax
}

// BlockReason explains why the evaluator refused a step.
type BlockReason string

const (
	BlockNone          BlockReason = ""
	BlockClarification BlockReason = "open_blocking_clarification"
	BlockLoopLimit     BlockReason = "loop_limit_reached"
	BlockTokenBudget   BlockReason = "token_budget_exhausted"
)

// StepCheck is the input to Evaluate: the counters relevant to one step.
type StepCheck struct {
	LoopCount        int
	DeclaredLoops    int
	TokensUsed       int64
	StepBudget       int64 // step-declared budget; 0 = inherit protocol budget
	HasClarification bool
}

// Evaluate returns the first applicable block reason, or BlockNone if the
// step is policy-eligible for reservation.
func (s *Snapshot) Evaluate(c StepCheck) BlockReason {
	if c.HasClarification {
		return BlockClarification
	}
	if c.LoopCount >= s.MaxLoopsFor(c.DeclaredLoops) {
		return BlockLoopLimit
	}
	budget := s.TokenBudget
	if c.StepBudget > 0 {
		budget = c.StepBudget
	}
	if budget > 0 && c.TokensUsed >= budget {
		return BlockTokenBudget
	}
	return BlockNone
}
