package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Strob0t/Maestro/internal/domain"
	"github.com/Strob0t/Maestro/internal/domain/event"
	"github.com/Strob0t/Maestro/internal/domain/fault"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/spec"
	"github.com/Strob0t/Maestro/internal/domain/step"
	"github.com/Strob0t/Maestro/internal/port/agent"
)

// planLocked validates and commits a spec document. Lease must be held.
// Validation failures before the planning transition leave the protocol
// unchanged; failures during planning fail the protocol.
func (o *Orchestrator) planLocked(ctx context.Context, p *protocol.Run, doc []byte) (Result, error) {
	if p.Status != protocol.StatusPending {
		// idempotence: re-planning an unchanged document is a no-op
		if p.SpecHash != "" && len(doc) > 0 {
			if parsed, err := spec.Parse(doc); err == nil {
				if h, herr := parsed.Hash(); herr == nil && h == p.SpecHash {
					o.emit(ctx, event.Event{
						ProtocolID: p.ID,
						Type:       event.TypePlanUnchanged,
						Meta:       map[string]any{"spec_hash": h},
					})
					return Result{ProtocolID: p.ID, State: p.Status, SpecHash: h, Reason: "spec unchanged"}, nil
				}
			}
		}
		return Result{ProtocolID: p.ID, State: p.Status, Reason: "plan requires a pending protocol"},
			fmt.Errorf("plan in %s: %w", p.Status, domain.ErrConflict)
	}

	parsed, err := o.parseAndValidate(ctx, p, doc)
	if err != nil {
		// protocol unchanged: the validation error precedes the planning transition
		return Result{ProtocolID: p.ID, State: p.Status, Reason: err.Error()}, err
	}

	if err := o.transition(ctx, p, protocol.StatusPlanning, event.TypePlanningStarted, "planning", nil); err != nil {
		return Result{ProtocolID: p.ID, State: p.Status}, err
	}

	// Spec synthesis happens inside planning so its failure fails the protocol.
	// The planner engine works inside the worktree, so acquire it first.
	if parsed == nil {
		err = o.ensureWorktree(ctx, p)
		if err == nil {
			parsed, err = o.synthesizeSpec(ctx, p)
		}
		if err == nil {
			err = parsed.Validate()
		}
		if err != nil {
			return o.failPlanning(ctx, p, fmt.Errorf("synthesize plan: %w", err))
		}
	}

	res, err := o.commitSpec(ctx, p, parsed)
	if err != nil {
		return o.failPlanning(ctx, p, err)
	}
	return res, nil
}

// parseAndValidate returns the parsed spec, or (nil, nil) when the document
// is empty and auto-generation is enabled.
func (o *Orchestrator) parseAndValidate(ctx context.Context, p *protocol.Run, doc []byte) (*spec.ProtocolSpec, error) {
	if len(doc) == 0 {
		if o.cfg.AutoGeneratePlan {
			return nil, nil
		}
		err := fault.New(fault.ClassValidation, "spec_empty", "no spec document and auto-generation is off")
		o.emitValidationError(ctx, p, err)
		return nil, err
	}

	parsed, perr := spec.Parse(doc)
	if perr != nil {
		err := fault.Wrap(fault.ClassValidation, "spec_parse", "spec document is not parseable", perr)
		o.emitValidationError(ctx, p, err)
		return nil, err
	}
	if verr := parsed.Validate(); verr != nil {
		if len(parsed.Steps) == 0 && o.cfg.AutoGeneratePlan && errors.Is(verr, spec.ErrNoSteps) {
			return nil, nil
		}
		err := fault.Wrap(fault.ClassValidation, "spec_invalid", "spec document failed validation", verr)
		o.emitValidationError(ctx, p, err)
		return nil, err
	}
	return parsed, nil
}

func (o *Orchestrator) emitValidationError(ctx context.Context, p *protocol.Run, err error) {
	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeSpecValidationError,
		Message:    err.Error(),
		Meta:       map[string]any{"code": fault.CodeOf(err)},
	})
}

// ensureWorktree acquires the protocol's branch and worktree on first use.
// Acquisition is idempotent per protocol.
func (o *Orchestrator) ensureWorktree(ctx context.Context, p *protocol.Run) error {
	if p.WorktreePath != "" {
		return nil
	}
	repo, err := o.repos(p.ProjectID)
	if err != nil {
		return fault.Wrap(fault.ClassSystem, "repo_locate", "locate project repository", err)
	}
	lease, err := o.worktree.Acquire(ctx, repo, p.ID, p.Name, p.BaseBranch)
	if err != nil {
		return fault.Wrap(fault.ClassSystem, "worktree_acquire", "acquire protocol worktree", err)
	}
	p.BranchName = lease.BranchName
	p.WorktreePath = lease.WorktreePath
	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeWorktreeCreated,
		Meta:       map[string]any{"worktree_path": lease.WorktreePath, "branch": lease.BranchName},
	})
	return nil
}

// commitSpec freezes the document: stores the immutable spec version, creates
// worktree and branch on first planning, materializes pending step runs, and
// freezes the policy snapshot.
func (o *Orchestrator) commitSpec(ctx context.Context, p *protocol.Run, parsed *spec.ProtocolSpec) (Result, error) {
	hash, err := parsed.Hash()
	if err != nil {
		return Result{}, fault.Wrap(fault.ClassSystem, "spec_hash", "hash spec", err)
	}

	if err := o.ensureWorktree(ctx, p); err != nil {
		return Result{}, err
	}

	if err := o.store.PutSpec(ctx, p.ID, hash, parsed); err != nil {
		return Result{}, fault.Wrap(fault.ClassSystem, "spec_store", "store frozen spec", err)
	}

	for i := range parsed.Steps {
		r := &step.Run{
			ID:         o.clock.NewID(),
			ProtocolID: p.ID,
			StepIndex:  parsed.Steps[i].StepIndex,
			SpecHash:   hash,
			Status:     step.StatusPending,
			CreatedAt:  o.clock.Now(),
		}
		if err := o.store.CreateStepRun(ctx, r); err != nil {
			return Result{}, fault.Wrap(fault.ClassSystem, "step_materialize", "materialize step runs", err)
		}
	}

	snap := o.snapshotFor(p)
	policyHash, err := snap.Hash()
	if err != nil {
		return Result{}, fault.Wrap(fault.ClassSystem, "policy_hash", "hash policy snapshot", err)
	}
	p.SpecHash = hash
	p.PolicyHash = policyHash

	if err := o.transition(ctx, p, protocol.StatusPlanned, event.TypePlanCommitted, "plan committed", map[string]any{
		"spec_hash":   hash,
		"step_count":  len(parsed.Steps),
		"policy_hash": policyHash,
	}); err != nil {
		return Result{}, err
	}
	return Result{ProtocolID: p.ID, State: p.Status, SpecHash: hash}, nil
}

// failPlanning records the planning failure and moves the protocol to failed.
func (o *Orchestrator) failPlanning(ctx context.Context, p *protocol.Run, cause error) (Result, error) {
	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeSystemError,
		Message:    cause.Error(),
		Meta:       map[string]any{"code": fault.CodeOf(cause), "class": string(fault.ClassOf(cause))},
	})
	if terr := o.transition(ctx, p, protocol.StatusFailed, event.TypeProtocolFailed, cause.Error(), nil); terr != nil {
		return Result{ProtocolID: p.ID, State: p.Status}, terr
	}
	return Result{ProtocolID: p.ID, State: p.Status, Reason: cause.Error()}, cause
}

// synthesizeSpec asks the configured planner engine to produce step specs
// when planning found none. The planner is just another agent behind the
// adapter boundary; its primary output is parsed as a spec document.
func (o *Orchestrator) synthesizeSpec(ctx context.Context, p *protocol.Run) (*spec.ProtocolSpec, error) {
	adapter, err := o.adapters(o.cfg.PlannerEngine)
	if err != nil {
		return nil, fmt.Errorf("planner engine: %w", err)
	}
	tmpl, err := o.prompts.Resolve(ctx, o.cfg.PlannerPromptRef)
	if err != nil {
		return nil, fmt.Errorf("planner prompt: %w", err)
	}

	outPath := filepath.Join(p.WorktreePath, ".maestro", "plan", "spec.yaml")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, fmt.Errorf("plan output dir: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.AgentWallTime)
	defer cancel()

	res, err := adapter.Execute(callCtx, agent.Invocation{
		WorkDir:       p.WorktreePath,
		PromptRef:     o.cfg.PlannerPromptRef,
		Prompt:        tmpl.Text,
		PromptVersion: tmpl.Version,
		Model:         o.cfg.PlannerModel,
		Outputs:       agent.OutputTargets{Primary: outPath},
		Limits: agent.Limits{
			WallTime:    o.cfg.AgentWallTime,
			TokenBudget: o.cfg.TokenBudget,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("planner invocation: %w", err)
	}
	if res.Status != agent.StatusOK {
		return nil, fmt.Errorf("planner returned %s", res.Status)
	}
	p.TokensUsed += res.TokensUsed
	p.CostUSD += res.CostEstimate

	doc, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read synthesized spec: %w", err)
	}
	return spec.Parse(doc)
}

// replanLocked commits a feedback-supplied replacement spec: unfinished step
// runs of the old spec are cancelled, the new document becomes the active
// version, and prior artifacts stay retrievable under the old hash.
func (o *Orchestrator) replanLocked(ctx context.Context, p *protocol.Run, parsed *spec.ProtocolSpec) (Result, error) {
	if err := parsed.Validate(); err != nil {
		verr := fault.Wrap(fault.ClassValidation, "replan_invalid", "replacement spec failed validation", err)
		o.emitValidationError(ctx, p, verr)
		return Result{ProtocolID: p.ID, State: p.Status}, verr
	}

	runs, err := o.store.ListStepRuns(ctx, p.ID, p.SpecHash)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Result{}, err
	}
	for _, r := range runs {
		if r.Status.IsTerminal() {
			continue
		}
		r.Status = step.StatusCancelled
		r.StatusReason = "superseded by re-plan"
		now := o.clock.Now()
		r.EndedAt = &now
		if uerr := o.store.UpdateStepRun(ctx, r); uerr != nil {
			return Result{}, uerr
		}
		o.emit(ctx, event.Event{
			ProtocolID: p.ID,
			Type:       event.TypeStepCancelled,
			StepIndex:  intPtr(r.StepIndex),
			StepRunID:  r.ID,
			Message:    "superseded by re-plan",
		})
	}

	if err := o.transition(ctx, p, protocol.StatusPlanning, event.TypeReplanTriggered, "feedback re-plan", map[string]any{
		"previous_spec_hash": p.SpecHash,
	}); err != nil {
		return Result{}, err
	}

	res, err := o.commitSpec(ctx, p, parsed)
	if err != nil {
		return o.failPlanning(ctx, p, err)
	}
	// a re-planned protocol resumes running immediately
	pp, gerr := o.store.GetProtocol(ctx, p.ID)
	if gerr != nil {
		return res, gerr
	}
	*p = *pp
	if err := o.transition(ctx, p, protocol.StatusRunning, event.TypeProtocolStarted, "resumed after re-plan", nil); err != nil {
		return res, err
	}
	res.State = p.Status
	return res, nil
}
