package qa_test

import (
	"testing"

	"github.com/Strob0t/Maestro/internal/domain/qa"
)

func TestAggregateAllPass(t *testing.T) {
	res := qa.Aggregate([]qa.GateResult{
		{Name: "build", Passed: true},
		{Name: "test", Passed: true},
	}, nil, false)
	if res.Overall != qa.VerdictPass {
		t.Fatalf("Overall = %s, want pass", res.Overall)
	}
}

func TestAggregateGateFailureWins(t *testing.T) {
	res := qa.Aggregate([]qa.GateResult{
		{Name: "build", Passed: true},
		{Name: "test", Passed: false},
	}, &qa.PromptVerdict{Verdict: qa.VerdictPass}, false)
	if res.Overall != qa.VerdictFail {
		t.Fatalf("Overall = %s, want fail", res.Overall)
	}
}

func TestAggregateSkippedGateDoesNotFail(t *testing.T) {
	res := qa.Aggregate([]qa.GateResult{
		{Name: "lint", Skipped: true, Reason: "tool not found"},
		{Name: "build", Passed: true},
	}, nil, false)
	if res.Overall != qa.VerdictPass {
		t.Fatalf("Overall = %s, want pass", res.Overall)
	}
}

func TestAggregateWarningFindingsFloorAtWarn(t *testing.T) {
	gates := []qa.GateResult{
		{Name: "lint", Passed: true, Findings: []qa.Finding{
			{Severity: qa.SeverityWarning, Message: "unused variable"},
		}},
	}
	res := qa.Aggregate(gates, nil, false)
	if res.Overall != qa.VerdictWarn {
		t.Fatalf("Overall = %s, want warn", res.Overall)
	}
}

func TestAggregatePromptVerdictWorsens(t *testing.T) {
	gates := []qa.GateResult{{Name: "build", Passed: true}}

	res := qa.Aggregate(gates, &qa.PromptVerdict{Verdict: qa.VerdictWarn}, false)
	if res.Overall != qa.VerdictWarn {
		t.Fatalf("Overall = %s, want warn", res.Overall)
	}

	res = qa.Aggregate(gates, &qa.PromptVerdict{Verdict: qa.VerdictFail}, false)
	if res.Overall != qa.VerdictFail {
		t.Fatalf("Overall = %s, want fail", res.Overall)
	}

	// A skipped prompt gate never worsens a pass.
	res = qa.Aggregate(gates, &qa.PromptVerdict{Verdict: qa.VerdictSkipped}, false)
	if res.Overall != qa.VerdictPass {
		t.Fatalf("Overall = %s, want pass", res.Overall)
	}
}

func TestAggregateBlockWarningsPromotesToFail(t *testing.T) {
	gates := []qa.GateResult{{Name: "build", Passed: true}}
	prompt := &qa.PromptVerdict{Verdict: qa.VerdictWarn}

	if res := qa.Aggregate(gates, prompt, false); res.Overall != qa.VerdictWarn {
		t.Fatalf("warn mode Overall = %s, want warn", res.Overall)
	}
	if res := qa.Aggregate(gates, prompt, true); res.Overall != qa.VerdictFail {
		t.Fatalf("block mode Overall = %s, want fail", res.Overall)
	}
}

func TestAggregateNoGatesNoPrompt(t *testing.T) {
	res := qa.Aggregate(nil, nil, false)
	if res.Overall != qa.VerdictPass {
		t.Fatalf("Overall = %s, want pass", res.Overall)
	}
}
