// Package qa defines QA gate results and verdict aggregation for step runs.
package qa

// Verdict is the outcome of a gate or of the aggregated QA stage.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictWarn    Verdict = "warn"
	VerdictFail    Verdict = "fail"
	VerdictSkipped Verdict = "skipped"
)

// Severity of a finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is one issue reported by a gate.
type Finding struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message"`
	Location string   `json:"location,omitempty"`
}

// GateResult is the outcome of one deterministic gate.
type GateResult struct {
	Name     string    `json:"name"`
	Passed   bool      `json:"passed"`
	Skipped  bool      `json:"skipped"`
	Reason   string    `json:"reason,omitempty"` // set when skipped (e.g. missing tool)
	Findings []Finding `json:"findings,omitempty"`
}

// PromptVerdict is the structured verdict returned by the QA prompt gate.
type PromptVerdict struct {
	Verdict   Verdict   `json:"verdict"`
	Rationale string    `json:"rationale,omitempty"`
	Findings  []Finding `json:"findings,omitempty"`
}

// Result is the persisted aggregate verdict for a step run.
type Result struct {
	Overall Verdict        `json:"overall"`
	Gates   []GateResult   `json:"gates,omitempty"`
	Prompt  *PromptVerdict `json:"prompt_verdict,omitempty"`
}

// Aggregate combines deterministic gate results and an optional prompt verdict.
// Rules: any required gate failure is an overall fail; otherwise the overall is
// the worst of the prompt verdict and a warn floor derived from gate findings.
// blockWarnings promotes warn to fail (enforcement mode "block").
func Aggregate(gates []GateResult, prompt *PromptVerdict, blockWarnings bool) Result {
	res := Result{Gates: gates, Prompt: prompt}

	overall := VerdictPass
	for _, g := range gates {
		if g.Skipped {
			continue
		}
		if !g.Passed {
			res.Overall = VerdictFail
			return res
		}
		for _, f := range g.Findings {
			if f.Severity == SeverityWarning && overall == VerdictPass {
				overall = VerdictWarn
			}
		}
	}

	if prompt != nil {
		overall = worse(overall, prompt.Verdict)
	}

	if overall == VerdictWarn && blockWarnings {
		overall = VerdictFail
	}

	res.Overall = overall
	return res
}

// worse returns the more severe of two verdicts (fail > warn > pass).
// Skipped never worsens an aggregate.
func worse(a, b Verdict) Verdict {
	rank := map[Verdict]int{VerdictSkipped: 0, VerdictPass: 0, VerdictWarn: 1, VerdictFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
