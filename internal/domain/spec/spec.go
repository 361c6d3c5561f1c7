// Package spec defines the frozen ProtocolSpec document: an ordered sequence
// of step specifications forming a DAG. Specs are immutable once committed;
// re-planning always produces a new document with a new content hash.
package spec

// Version is the schema version this package understands. Documents carrying
// a different version are refused during validation.
const Version = 1

// QAPolicy controls how much quality gating a step receives.
type QAPolicy string

const (
	QASkip  QAPolicy = "skip"  // no gates at all; step completes on adapter success
	QALight QAPolicy = "light" // deterministic gates only
	QAFull  QAPolicy = "full"  // deterministic gates plus the prompt gate
)

// ProtocolSpec is the frozen plan document for one protocol run.
type ProtocolSpec struct {
	Version int        `json:"version" yaml:"version"`
	Steps   []StepSpec `json:"steps" yaml:"steps"`
}

// StepSpec describes one unit of agent-driven work inside a protocol.
type StepSpec struct {
	StepIndex int    `json:"step_index" yaml:"step_index"`
	Name      string `json:"name" yaml:"name"`
	// Type is a free-form tag such as "codex", "review" or "qa-only".
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	EngineID string `json:"engine_id" yaml:"engine_id"`
	Model    string `json:"model" yaml:"model"`
	// PromptRef is a logical id resolvable to a prompt template and version.
	PromptRef string `json:"prompt_ref" yaml:"prompt_ref"`

	// Inputs are logical artifact references consumed by the step.
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	// Outputs declares where agent output is captured, relative to the worktree.
	Outputs OutputSpec `json:"outputs" yaml:"outputs"`

	// DependsOn holds step_index values; the overall graph must be acyclic.
	DependsOn []int `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// ParallelGroup tags steps eligible to run concurrently once their
	// dependencies are satisfied. Empty means singleton.
	ParallelGroup string `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`

	// Optional marks the agent invocation as skippable; only skip-QA optional
	// steps may end in the skipped state.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
	// InlineTrigger requests that on success the step's dependents are run
	// inline without yielding the scheduler, bounded by the configured depth.
	InlineTrigger bool `json:"inline_trigger,omitempty" yaml:"inline_trigger,omitempty"`

	Policies StepPolicies `json:"policies" yaml:"policies"`
	QA       QASpec       `json:"qa" yaml:"qa"`
}

// OutputSpec maps agent output to worktree-relative destinations.
type OutputSpec struct {
	// Primary is where the agent's stdout/result is written.
	Primary string `json:"primary" yaml:"primary"`
	// Aux maps logical names to additional output paths written by the adapter.
	Aux map[string]string `json:"aux,omitempty" yaml:"aux,omitempty"`
}

// StepPolicies bounds a step's execution.
type StepPolicies struct {
	MaxLoops    int      `json:"max_loops" yaml:"max_loops"`
	QAPolicy    QAPolicy `json:"qa_policy" yaml:"qa_policy"`
	RetryMax    int      `json:"retry_max" yaml:"retry_max"`
	TokenBudget int64    `json:"token_budget,omitempty" yaml:"token_budget,omitempty"` // 0 = inherit protocol budget
}

// QASpec configures the quality gates for a step.
type QASpec struct {
	EngineID      string   `json:"engine_id,omitempty" yaml:"engine_id,omitempty"`
	Model         string   `json:"model,omitempty" yaml:"model,omitempty"`
	PromptRef     string   `json:"prompt_ref,omitempty" yaml:"prompt_ref,omitempty"`
	RequiredGates []string `json:"required_gates,omitempty" yaml:"required_gates,omitempty"`
}

// Step returns the StepSpec with the given index, or nil.
func (p *ProtocolSpec) Step(index int) *StepSpec {
	if index < 0 || index >= len(p.Steps) {
		return nil
	}
	// step_index is validated contiguous and zero-based, so direct indexing holds
	return &p.Steps[index]
}

// Dependents returns the indices of steps that depend on the given index.
func (p *ProtocolSpec) Dependents(index int) []int {
	var out []int
	for i := range p.Steps {
		for _, d := range p.Steps[i].DependsOn {
			if d == index {
				out = append(out, p.Steps[i].StepIndex)
				break
			}
		}
	}
	return out
}
