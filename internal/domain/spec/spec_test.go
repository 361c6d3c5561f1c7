package spec_test

import (
	"errors"
	"testing"

	"github.com/Strob0t/Maestro/internal/domain/spec"
)

func validSpec() *spec.ProtocolSpec {
	return &spec.ProtocolSpec{
		Version: spec.Version,
		Steps: []spec.StepSpec{
			{
				StepIndex: 0,
				Name:      "implement",
				EngineID:  "claude",
				Model:     "large",
				PromptRef: "implement/default",
				Outputs:   spec.OutputSpec{Primary: "out/impl.md"},
				Policies:  spec.StepPolicies{QAPolicy: spec.QALight},
			},
			{
				StepIndex: 1,
				Name:      "review",
				EngineID:  "claude",
				Model:     "large",
				PromptRef: "review/default",
				Outputs:   spec.OutputSpec{Primary: "out/review.md"},
				DependsOn: []int{0},
				Policies:  spec.StepPolicies{QAPolicy: spec.QAFull},
				QA:        spec.QASpec{PromptRef: "qa/review"},
			},
		},
	}
}

func TestValidateAcceptsWellFormedSpec(t *testing.T) {
	if err := validSpec().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*spec.ProtocolSpec)
		want   error
	}{
		{"wrong version", func(p *spec.ProtocolSpec) { p.Version = 99 }, spec.ErrUnsupportedVersion},
		{"no steps", func(p *spec.ProtocolSpec) { p.Steps = nil }, spec.ErrNoSteps},
		{"gap in indices", func(p *spec.ProtocolSpec) { p.Steps[1].StepIndex = 5 }, spec.ErrIndexNotContiguous},
		{"missing name", func(p *spec.ProtocolSpec) { p.Steps[0].Name = "" }, spec.ErrStepMissingName},
		{"missing engine", func(p *spec.ProtocolSpec) { p.Steps[0].EngineID = "" }, spec.ErrStepMissingEngine},
		{"missing model", func(p *spec.ProtocolSpec) { p.Steps[0].Model = "" }, spec.ErrStepMissingModel},
		{"missing prompt", func(p *spec.ProtocolSpec) { p.Steps[0].PromptRef = "" }, spec.ErrStepMissingPrompt},
		{"missing output", func(p *spec.ProtocolSpec) { p.Steps[0].Outputs.Primary = "" }, spec.ErrStepMissingOutput},
		{"negative retry", func(p *spec.ProtocolSpec) { p.Steps[0].Policies.RetryMax = -1 }, spec.ErrNegativeLimit},
		{"bad qa policy", func(p *spec.ProtocolSpec) { p.Steps[0].Policies.QAPolicy = "strict" }, spec.ErrInvalidQAPolicy},
		{"full qa without prompt", func(p *spec.ProtocolSpec) { p.Steps[1].QA.PromptRef = "" }, spec.ErrQAPromptRequired},
		{"dep out of range", func(p *spec.ProtocolSpec) { p.Steps[1].DependsOn = []int{7} }, spec.ErrDAGInvalidRef},
		{"self dependency", func(p *spec.ProtocolSpec) { p.Steps[0].DependsOn = []int{0} }, spec.ErrDAGCycle},
		{"cycle", func(p *spec.ProtocolSpec) {
			p.Steps[0].DependsOn = []int{1}
			p.Steps[1].DependsOn = []int{0}
		}, spec.ErrDAGCycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validSpec()
			tt.mutate(p)
			err := p.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHashIsStableAcrossEquivalentDocuments(t *testing.T) {
	a := validSpec()
	b := validSpec()

	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if ha != hb {
		t.Fatalf("equal specs hashed differently: %s vs %s", ha, hb)
	}

	b.Steps[0].Model = "small"
	hc, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hc == ha {
		t.Fatal("different specs produced the same hash")
	}
}

func TestParseAcceptsYAMLAndJSON(t *testing.T) {
	yamlDoc := []byte(`
version: 1
steps:
  - step_index: 0
    name: implement
    engine_id: claude
    model: large
    prompt_ref: implement/default
    outputs:
      primary: out/impl.md
    policies:
      max_loops: 0
      qa_policy: light
      retry_max: 0
    qa: {}
`)
	p, err := spec.Parse(yamlDoc)
	if err != nil {
		t.Fatalf("Parse yaml: %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate parsed yaml: %v", err)
	}

	jsonDoc := []byte(`{"version":1,"steps":[{"step_index":0,"name":"implement","engine_id":"claude","model":"large","prompt_ref":"implement/default","outputs":{"primary":"out/impl.md"},"policies":{"max_loops":0,"qa_policy":"light","retry_max":0},"qa":{}}]}`)
	p2, err := spec.Parse(jsonDoc)
	if err != nil {
		t.Fatalf("Parse json: %v", err)
	}

	h1, _ := p.Hash()
	h2, _ := p2.Hash()
	if h1 != h2 {
		t.Fatalf("yaml and json forms of the same spec hashed differently: %s vs %s", h1, h2)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := []byte("version: 1\nsteps: []\nextra_field: true\n")
	if _, err := spec.Parse(doc); err == nil {
		t.Fatal("expected error for unknown field")
	}
}
