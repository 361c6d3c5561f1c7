package policy_test

import (
	"testing"

	"github.com/Strob0t/Maestro/internal/domain/policy"
)

func snapshot() *policy.Snapshot {
	return &policy.Snapshot{
		Enforcement:           policy.EnforcementWarn,
		TokenBudget:           1000,
		MaxInlineTriggerDepth: 2,
		DefaultMaxLoops:       3,
		DefaultRetryMax:       2,
	}
}

func TestSnapshotHashFrozen(t *testing.T) {
	s := snapshot()
	h1, err := s.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, _ := snapshot().Hash()
	if h1 != h2 {
		t.Fatal("identical snapshots hashed differently")
	}

	s.Enforcement = policy.EnforcementBlock
	h3, _ := s.Hash()
	if h3 == h1 {
		t.Fatal("changed snapshot kept the same hash")
	}
}

func TestLimitResolution(t *testing.T) {
	s := snapshot()
	if got := s.MaxLoopsFor(0); got != 3 {
		t.Fatalf("MaxLoopsFor(0) = %d, want default 3", got)
	}
	if got := s.MaxLoopsFor(5); got != 5 {
		t.Fatalf("MaxLoopsFor(5) = %d, want declared 5", got)
	}
	if got := s.RetryMaxFor(0); got != 2 {
		t.Fatalf("RetryMaxFor(0) = %d, want default 2", got)
	}
	if got := s.RetryMaxFor(1); got != 1 {
		t.Fatalf("RetryMaxFor(1) = %d, want declared 1", got)
	}
}

func TestEvaluateOrdering(t *testing.T) {
	s := snapshot()

	// A blocking clarification outranks every other reason.
	got := s.Evaluate(policy.StepCheck{HasClarification: true, LoopCount: 10, TokensUsed: 5000})
	if got != policy.BlockClarification {
		t.Fatalf("Evaluate = %s, want %s", got, policy.BlockClarification)
	}

	got = s.Evaluate(policy.StepCheck{LoopCount: 3})
	if got != policy.BlockLoopLimit {
		t.Fatalf("Evaluate = %s, want %s", got, policy.BlockLoopLimit)
	}

	got = s.Evaluate(policy.StepCheck{TokensUsed: 1000})
	if got != policy.BlockTokenBudget {
		t.Fatalf("Evaluate = %s, want %s", got, policy.BlockTokenBudget)
	}

	got = s.Evaluate(policy.StepCheck{LoopCount: 1, TokensUsed: 500})
	if got != policy.BlockNone {
		t.Fatalf("Evaluate = %s, want none", got)
	}
}

func TestEvaluateStepBudgetOverridesProtocolBudget(t *testing.T) {
	s := snapshot()

	// Step declares a tighter budget than the protocol.
	got := s.Evaluate(policy.StepCheck{StepBudget: 100, TokensUsed: 100})
	if got != policy.BlockTokenBudget {
		t.Fatalf("Evaluate = %s, want %s", got, policy.BlockTokenBudget)
	}

	// Step declares a looser budget; protocol budget no longer applies.
	got = s.Evaluate(policy.StepCheck{StepBudget: 5000, TokensUsed: 1500})
	if got != policy.BlockNone {
		t.Fatalf("Evaluate = %s, want none", got)
	}
}

func TestEvaluateZeroBudgetIsUnlimited(t *testing.T) {
	s := snapshot()
	s.TokenBudget = 0
	got := s.Evaluate(policy.StepCheck{TokensUsed: 1 << 40})
	if got != policy.BlockNone {
		t.Fatalf("Evaluate = %s, want none", got)
	}
}

func TestEnforcementModeValid(t *testing.T) {
	for _, m := range []policy.EnforcementMode{policy.EnforcementOff, policy.EnforcementWarn, policy.EnforcementBlock} {
		if !m.Valid() {
			t.Errorf("%s.Valid() = false", m)
		}
	}
	if policy.EnforcementMode("strict").Valid() {
		t.Error("unknown mode reported valid")
	}
}
