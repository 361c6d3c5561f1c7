package spec

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported spec version")
	ErrNoSteps            = errors.New("at least one step is required")
	ErrIndexNotContiguous = errors.New("step_index values must be contiguous and zero-based")
	ErrStepMissingName    = errors.New("step name is required")
	ErrStepMissingEngine  = errors.New("step engine_id is required")
	ErrStepMissingModel   = errors.New("step model is required")
	ErrStepMissingPrompt  = errors.New("step prompt_ref is required")
	ErrStepMissingOutput  = errors.New("step primary output path is required")
	ErrInvalidQAPolicy    = errors.New("qa_policy must be skip, light, or full")
	ErrNegativeLimit      = errors.New("max_loops and retry_max must be >= 0")
	ErrDAGCycle           = errors.New("step dependencies contain a cycle")
	ErrDAGInvalidRef      = errors.New("step dependency references invalid index")
	ErrQAPromptRequired   = errors.New("qa prompt_ref is required when qa_policy is full")
)

// Validate checks the document for structural correctness: schema version,
// contiguous zero-based indices, required fields, and an acyclic dependency
// graph. A spec that fails validation must never be committed.
func (p *ProtocolSpec) Validate() error {
	if p.Version != Version {
		return fmt.Errorf("version %d: %w", p.Version, ErrUnsupportedVersion)
	}
	if len(p.Steps) == 0 {
		return ErrNoSteps
	}

	for i, s := range p.Steps {
		if s.StepIndex != i {
			return fmt.Errorf("step %d has step_index %d: %w", i, s.StepIndex, ErrIndexNotContiguous)
		}
		if s.Name == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepMissingName)
		}
		if s.EngineID == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepMissingEngine)
		}
		if s.Model == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepMissingModel)
		}
		if s.PromptRef == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepMissingPrompt)
		}
		if s.Outputs.Primary == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepMissingOutput)
		}
		if s.Policies.MaxLoops < 0 || s.Policies.RetryMax < 0 {
			return fmt.Errorf("step %d: %w", i, ErrNegativeLimit)
		}
		switch s.Policies.QAPolicy {
		case QASkip, QALight, QAFull:
		default:
			return fmt.Errorf("step %d: %q: %w", i, s.Policies.QAPolicy, ErrInvalidQAPolicy)
		}
		if s.Policies.QAPolicy == QAFull && s.QA.PromptRef == "" {
			return fmt.Errorf("step %d: %w", i, ErrQAPromptRequired)
		}
	}

	return validateDAG(p.Steps)
}

// validateDAG checks that dependencies form a DAG using Kahn's algorithm.
func validateDAG(steps []StepSpec) error {
	n := len(steps)
	inDegree := make([]int, n)
	adj := make([][]int, n)

	for i, s := range steps {
		for _, dep := range s.DependsOn {
			if dep < 0 || dep >= n {
				return fmt.Errorf("step %d depends on %d: %w", i, dep, ErrDAGInvalidRef)
			}
			if dep == i {
				return fmt.Errorf("step %d depends on itself: %w", i, ErrDAGCycle)
			}
			adj[dep] = append(adj[dep], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, n)
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, neighbor := range adj[node] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if visited != n {
		return ErrDAGCycle
	}
	return nil
}
