package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Strob0t/Maestro/internal/domain/event"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/qa"
	"github.com/Strob0t/Maestro/internal/domain/spec"
	"github.com/Strob0t/Maestro/internal/domain/step"
	"github.com/Strob0t/Maestro/internal/port/agent"
)

// qaOutcome carries the raw QA stage results to the feedback router, which
// aggregates them under the protocol's frozen policy.
type qaOutcome struct {
	gates  []qa.GateResult
	prompt *qa.PromptVerdict
	tokens int64
	cost   float64
}

// evaluateQA runs the step's deterministic gates and, under the full policy,
// the prompt gate. Runs without the lease; gates and the QA agent can be slow.
func (o *Orchestrator) evaluateQA(ctx context.Context, p *protocol.Run, r *step.Run, ss *spec.StepSpec) (qaOutcome, error) {
	var out qaOutcome

	for _, name := range ss.QA.RequiredGates {
		gctx, cancel := context.WithTimeout(ctx, o.cfg.QAWallTime)
		out.gates = append(out.gates, o.gates.Run(gctx, name, p.WorktreePath))
		cancel()
	}

	if ss.Policies.QAPolicy != spec.QAFull || ss.QA.PromptRef == "" {
		return out, nil
	}

	verdict, usage, err := o.promptGate(ctx, p, r, ss)
	if err != nil {
		return out, err
	}
	out.prompt = verdict
	out.tokens = usage.TokensUsed
	out.cost = usage.CostEstimate
	return out, nil
}

// promptGate invokes the QA engine and parses its verdict from the declared
// output file.
func (o *Orchestrator) promptGate(ctx context.Context, p *protocol.Run, r *step.Run, ss *spec.StepSpec) (*qa.PromptVerdict, *agent.Result, error) {
	engine := ss.QA.EngineID
	if engine == "" {
		engine = ss.EngineID
	}
	adapter, err := o.adapters(engine)
	if err != nil {
		return nil, nil, fmt.Errorf("qa engine %s: %w", engine, err)
	}
	tmpl, err := o.prompts.Resolve(ctx, ss.QA.PromptRef)
	if err != nil {
		return nil, nil, fmt.Errorf("qa prompt %s: %w", ss.QA.PromptRef, err)
	}

	verdictPath := filepath.Join(p.WorktreePath, ".maestro", "steps", r.ID, "qa", "verdict.json")
	if err := os.MkdirAll(filepath.Dir(verdictPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("qa output dir: %w", err)
	}

	model := ss.QA.Model
	if model == "" {
		model = ss.Model
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.QAWallTime)
	defer cancel()

	res, err := adapter.Execute(callCtx, agent.Invocation{
		WorkDir:       p.WorktreePath,
		PromptRef:     ss.QA.PromptRef,
		Prompt:        tmpl.Text,
		PromptVersion: tmpl.Version,
		Model:         model,
		Inputs:        qaInputs(p, ss, r),
		Outputs:       agent.OutputTargets{Primary: verdictPath},
		Limits: agent.Limits{
			WallTime:    o.cfg.QAWallTime,
			TokenBudget: o.cfg.TokenBudget,
		},
	})
	if err != nil {
		return nil, res, fmt.Errorf("qa invocation: %w", err)
	}
	if res.Status != agent.StatusOK {
		return nil, res, fmt.Errorf("qa engine returned %s", res.Status)
	}

	data, err := os.ReadFile(verdictPath)
	if err != nil {
		return nil, res, fmt.Errorf("read qa verdict: %w", err)
	}
	var verdict qa.PromptVerdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		return nil, res, fmt.Errorf("parse qa verdict: %w", err)
	}
	switch verdict.Verdict {
	case qa.VerdictPass, qa.VerdictWarn, qa.VerdictFail, qa.VerdictSkipped:
	default:
		return nil, res, fmt.Errorf("qa verdict %q not recognized", verdict.Verdict)
	}
	return &verdict, res, nil
}

// settleQAFailure records a QA stage infrastructure failure: timeouts retry
// while attempts remain, everything else concludes the step.
func (o *Orchestrator) settleQAFailure(ctx context.Context, protocolID, stepRunID string, ss *spec.StepSpec, qaErr error) error {
	return o.withLease(protocolID, func() error {
		p, gerr := o.store.GetProtocol(ctx, protocolID)
		if gerr != nil {
			return gerr
		}
		r, gerr := o.store.GetStepRun(ctx, stepRunID)
		if gerr != nil {
			return gerr
		}
		if r.Status != step.StatusNeedsQA {
			return nil
		}

		o.emit(ctx, event.Event{
			ProtocolID: p.ID,
			Type:       event.TypeSystemError,
			StepIndex:  intPtr(r.StepIndex),
			StepRunID:  r.ID,
			Message:    "qa stage: " + qaErr.Error(),
		})

		snap := o.snapshotFor(p)
		if errors.Is(qaErr, context.DeadlineExceeded) && r.Attempts <= snap.RetryMaxFor(ss.Policies.RetryMax) {
			updated, cerr := o.store.CASStepStatus(ctx, r.ID, step.StatusNeedsQA, step.StatusPending)
			if cerr != nil {
				return cerr
			}
			updated.StatusReason = "qa timed out"
			if uerr := o.store.UpdateStepRun(ctx, updated); uerr != nil {
				return uerr
			}
			o.emit(ctx, event.Event{
				ProtocolID: p.ID,
				Type:       event.TypeStepRetryScheduled,
				StepIndex:  intPtr(r.StepIndex),
				StepRunID:  r.ID,
				Message:    "qa timed out",
				Meta:       map[string]any{"attempt": r.Attempts},
			})
			return nil
		}
		return o.concludeFailureLocked(ctx, p, r, ss, step.StatusNeedsQA, "qa stage: "+qaErr.Error())
	})
}

// qaInputs hands the QA engine the step's captured outputs for review.
func qaInputs(p *protocol.Run, ss *spec.StepSpec, r *step.Run) map[string]string {
	inputs := map[string]string{
		"primary": worktreeAbs(p, ss.Outputs.Primary),
	}
	for _, a := range r.Artifacts {
		if a.Kind == "diff" || a.Kind == "git-status" {
			inputs[a.Kind] = a.Path
		}
	}
	return inputs
}
