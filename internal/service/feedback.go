package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/Maestro/internal/domain"
	"github.com/Strob0t/Maestro/internal/domain/clarify"
	"github.com/Strob0t/Maestro/internal/domain/event"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/qa"
	"github.com/Strob0t/Maestro/internal/domain/spec"
	"github.com/Strob0t/Maestro/internal/domain/step"
)

// FindingReplan is the finding code that requests a re-plan instead of a
// step-local retry.
const FindingReplan = "re_plan"

// routeVerdict aggregates the QA outcome under the frozen policy and routes
// the step: complete, complete with warnings, escalate warnings, retry,
// re-plan, or fail. Returns whether inline triggering of dependents applies.
func (o *Orchestrator) routeVerdict(ctx context.Context, protocolID, stepRunID string, ss *spec.StepSpec, out qaOutcome) (inline bool, err error) {
	err = o.withLease(protocolID, func() error {
		p, gerr := o.store.GetProtocol(ctx, protocolID)
		if gerr != nil {
			return gerr
		}
		r, gerr := o.store.GetStepRun(ctx, stepRunID)
		if gerr != nil {
			return gerr
		}
		if r.Status != step.StatusNeedsQA {
			// cancelled or superseded while QA ran
			return nil
		}

		snap := o.snapshotFor(p)
		agg := qa.Aggregate(out.gates, out.prompt, snap.BlockWarnings())
		raw := qa.Aggregate(out.gates, out.prompt, false)

		// Record the aggregate on the run before routing acts on it, so the
		// verdict survives whatever the router does to the step next.
		r.QAVerdict = &agg
		if out.tokens != 0 || out.cost != 0 {
			r.TokensUsed += out.tokens
			r.CostUSD += out.cost
			p.TokensUsed += out.tokens
			p.CostUSD += out.cost
			if uerr := o.store.UpdateProtocol(ctx, p); uerr != nil {
				return uerr
			}
		}
		if uerr := o.store.UpdateStepRun(ctx, r); uerr != nil {
			return uerr
		}

		meta := map[string]any{
			"overall":     string(agg.Overall),
			"gates_run":   len(out.gates),
			"enforcement": string(snap.Enforcement),
		}
		if len(agg.Gates) > 0 {
			meta["gates"] = agg.Gates
		}
		if out.prompt != nil {
			meta["prompt_verdict"] = string(out.prompt.Verdict)
			if out.prompt.Rationale != "" {
				meta["rationale"] = out.prompt.Rationale
			}
		}
		o.emit(ctx, event.Event{
			ProtocolID: p.ID,
			Type:       event.TypeQAVerdict,
			StepIndex:  intPtr(r.StepIndex),
			StepRunID:  r.ID,
			Meta:       meta,
		})
		if o.metrics != nil {
			o.metrics.QAVerdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(agg.Overall))))
		}

		switch agg.Overall {
		case qa.VerdictPass, qa.VerdictSkipped:
			return o.completeStepLocked(ctx, p, r, ss, "complete", "", &inline)

		case qa.VerdictWarn:
			return o.completeStepLocked(ctx, p, r, ss, "complete_with_warnings", "completed with QA warnings", &inline)

		case qa.VerdictFail:
			if raw.Overall == qa.VerdictWarn {
				// warnings promoted by block enforcement: ask instead of failing
				return o.escalateWarningsLocked(ctx, p, r, out)
			}
			if hasFinding(out, FindingReplan) && o.cfg.AutoGeneratePlan {
				return o.replanFromFeedbackLocked(ctx, p, r)
			}
			return o.retryOrFailLocked(ctx, p, r, ss, out)
		}
		return nil
	})
	return inline, err
}

// completeStepLocked closes the step as completed and records the routing
// decision. Lease held.
func (o *Orchestrator) completeStepLocked(ctx context.Context, p *protocol.Run, r *step.Run, ss *spec.StepSpec, outcome, reason string, inline *bool) error {
	updated, err := o.store.CASStepStatus(ctx, r.ID, step.StatusNeedsQA, step.StatusCompleted)
	if err != nil {
		return err
	}
	now := o.clock.Now()
	updated.EndedAt = &now
	updated.StatusReason = reason
	if err := o.store.UpdateStepRun(ctx, updated); err != nil {
		return err
	}
	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeStepCompleted,
		StepIndex:  intPtr(r.StepIndex),
		StepRunID:  r.ID,
		Message:    reason,
		Meta:       map[string]any{"tokens_used": updated.TokensUsed},
	})
	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeFeedbackDecision,
		StepIndex:  intPtr(r.StepIndex),
		StepRunID:  r.ID,
		Meta:       map[string]any{"outcome": outcome},
	})
	if err := o.maybeCompleteProtocolLocked(ctx, p); err != nil {
		return err
	}
	if ss.InlineTrigger && p.Status == protocol.StatusRunning {
		*inline = true
	}
	return nil
}

// escalateWarningsLocked converts promoted QA warnings into a blocking
// clarification on the step instead of a hard failure. Lease held.
func (o *Orchestrator) escalateWarningsLocked(ctx context.Context, p *protocol.Run, r *step.Run, out qaOutcome) error {
	question := "QA reported warnings and enforcement is set to block; accept the result or revise?"
	if out.prompt != nil && out.prompt.Rationale != "" {
		question = out.prompt.Rationale
	}
	c := &clarify.Clarification{
		Scope:    clarify.ScopeStep,
		ScopeID:  r.ID,
		Key:      fmt.Sprintf("qa-warnings-step-%d", r.StepIndex),
		Blocking: true,
		Question: question,
		Options:  []string{"accept", "revise"},
	}
	if err := o.raiseClarificationLocked(ctx, p, r, c); err != nil {
		return err
	}
	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeFeedbackDecision,
		StepIndex:  intPtr(r.StepIndex),
		StepRunID:  r.ID,
		Meta:       map[string]any{"outcome": "escalate_warnings"},
	})
	return nil
}

// replanFromFeedbackLocked re-enters planning when QA requested a structural
// change. Bounded by the step's loop limit. Lease held.
func (o *Orchestrator) replanFromFeedbackLocked(ctx context.Context, p *protocol.Run, r *step.Run) error {
	snap := o.snapshotFor(p)
	if p.LoopCounts == nil {
		p.LoopCounts = make(map[int]int)
	}
	sp, err := o.getSpec(ctx, p.ID, p.SpecHash)
	if err != nil {
		return err
	}
	declared := 0
	if ss := sp.Step(r.StepIndex); ss != nil {
		declared = ss.Policies.MaxLoops
	}
	if p.LoopCounts[r.StepIndex] >= snap.MaxLoopsFor(declared) {
		return o.concludeFailureLocked(ctx, p, r, sp.Step(r.StepIndex), step.StatusNeedsQA,
			"re-plan loop limit reached")
	}
	p.LoopCounts[r.StepIndex]++
	if err := o.store.UpdateProtocol(ctx, p); err != nil {
		return err
	}

	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeFeedbackDecision,
		StepIndex:  intPtr(r.StepIndex),
		StepRunID:  r.ID,
		Meta:       map[string]any{"outcome": "re_plan", "loop": p.LoopCounts[r.StepIndex]},
	})

	parsed, serr := o.synthesizeSpec(ctx, p)
	if serr != nil {
		_, ferr := o.failPlanning(ctx, p, fmt.Errorf("feedback re-plan: %w", serr))
		return ferr
	}
	_, rerr := o.replanLocked(ctx, p, parsed)
	return rerr
}

// retryOrFailLocked routes a hard QA failure: re-queue while retries remain,
// otherwise close the step (and the protocol when required). Lease held.
func (o *Orchestrator) retryOrFailLocked(ctx context.Context, p *protocol.Run, r *step.Run, ss *spec.StepSpec, out qaOutcome) error {
	snap := o.snapshotFor(p)
	reason := qaFailureReason(out)

	if r.Retries < snap.RetryMaxFor(ss.Policies.RetryMax) {
		updated, err := o.store.CASStepStatus(ctx, r.ID, step.StatusNeedsQA, step.StatusPending)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil
			}
			return err
		}
		updated.Retries++
		updated.LoopCount++
		updated.StatusReason = reason
		if err := o.store.UpdateStepRun(ctx, updated); err != nil {
			return err
		}
		o.emit(ctx, event.Event{
			ProtocolID: p.ID,
			Type:       event.TypeStepRetryScheduled,
			StepIndex:  intPtr(r.StepIndex),
			StepRunID:  r.ID,
			Message:    reason,
			Meta:       map[string]any{"retries": updated.Retries, "loop": updated.LoopCount},
		})
		o.emit(ctx, event.Event{
			ProtocolID: p.ID,
			Type:       event.TypeFeedbackDecision,
			StepIndex:  intPtr(r.StepIndex),
			StepRunID:  r.ID,
			Meta:       map[string]any{"outcome": "retry", "reason": reason},
		})
		return nil
	}

	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeFeedbackDecision,
		StepIndex:  intPtr(r.StepIndex),
		StepRunID:  r.ID,
		Meta:       map[string]any{"outcome": "fail", "reason": "retries exhausted"},
	})
	return o.concludeFailureLocked(ctx, p, r, ss, step.StatusNeedsQA, reason)
}

// hasFinding reports whether any gate or prompt finding carries the code.
func hasFinding(out qaOutcome, code string) bool {
	if out.prompt != nil {
		for _, f := range out.prompt.Findings {
			if f.Code == code {
				return true
			}
		}
	}
	for _, g := range out.gates {
		for _, f := range g.Findings {
			if f.Code == code {
				return true
			}
		}
	}
	return false
}

// qaFailureReason summarizes why QA failed.
func qaFailureReason(out qaOutcome) string {
	for _, g := range out.gates {
		if !g.Skipped && !g.Passed {
			return "qa gate " + g.Name + " failed"
		}
	}
	if out.prompt != nil && out.prompt.Verdict == qa.VerdictFail {
		if out.prompt.Rationale != "" {
			return "qa verdict fail: " + out.prompt.Rationale
		}
		return "qa verdict fail"
	}
	return "qa failed"
}
