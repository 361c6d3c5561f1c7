package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	maestrotel "github.com/Strob0t/Maestro/internal/adapter/otel"
	"github.com/Strob0t/Maestro/internal/domain"
	"github.com/Strob0t/Maestro/internal/domain/clarify"
	"github.com/Strob0t/Maestro/internal/domain/event"
	"github.com/Strob0t/Maestro/internal/domain/fault"
	"github.com/Strob0t/Maestro/internal/domain/policy"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/spec"
	"github.com/Strob0t/Maestro/internal/domain/step"
	"github.com/Strob0t/Maestro/internal/port/agent"
	"github.com/Strob0t/Maestro/internal/port/prompt"
)

// disposition classifies the outcome of settling an agent result.
type disposition int

const (
	dispositionDone disposition = iota
	dispositionInline
	dispositionNeedsQA
	dispositionRetry
)

// runOne executes one selection round. parallel controls whether an eligible
// parallel group is reserved whole or one step at a time.
func (o *Orchestrator) runOne(ctx context.Context, protocolID string, parallel bool) (Result, error) {
	// inline trigger depth resets at every dispatched command
	err := o.withLease(protocolID, func() error {
		p, gerr := o.store.GetProtocol(ctx, protocolID)
		if gerr != nil {
			return gerr
		}
		if p.InlineDepth != 0 {
			p.InlineDepth = 0
			return o.store.UpdateProtocol(ctx, p)
		}
		return nil
	})
	if err != nil {
		return Result{ProtocolID: protocolID}, err
	}
	return o.runRound(ctx, protocolID, parallel)
}

// runRound reserves the next runnable batch under the lease, executes it with
// the lease released, and re-enters selection when a completed step requested
// inline triggering of its dependents.
func (o *Orchestrator) runRound(ctx context.Context, protocolID string, parallel bool) (Result, error) {
	var (
		res      Result
		reserved []*step.Run
	)
	err := o.withLease(protocolID, func() error {
		var rerr error
		res, reserved, rerr = o.reserveLocked(ctx, protocolID, parallel)
		return rerr
	})
	if err != nil || len(reserved) == 0 {
		return res, err
	}

	batchCtx, cancelBatch := context.WithCancel(ctx)
	h := &cancelHandle{cancel: cancelBatch, done: make(chan struct{})}
	o.cancelMu.Lock()
	o.cancels[protocolID] = h
	o.cancelMu.Unlock()
	defer func() {
		o.cancelMu.Lock()
		if o.cancels[protocolID] == h {
			delete(o.cancels, protocolID)
		}
		o.cancelMu.Unlock()
		cancelBatch()
		close(h.done)
	}()

	inline := make([]bool, len(reserved))
	if len(reserved) == 1 {
		in, xerr := o.executeStep(batchCtx, protocolID, reserved[0].ID)
		if xerr != nil {
			return res, xerr
		}
		inline[0] = in
	} else {
		g, gctx := errgroup.WithContext(batchCtx)
		for i, r := range reserved {
			i, r := i, r
			g.Go(func() error {
				in, xerr := o.executeStep(gctx, protocolID, r.ID)
				inline[i] = in
				return xerr
			})
		}
		if xerr := g.Wait(); xerr != nil {
			return res, xerr
		}
	}

	res = Result{ProtocolID: protocolID, StepRunID: reserved[0].ID}
	wantInline := false
	for _, in := range inline {
		wantInline = wantInline || in
	}

	proceed := false
	err = o.withLease(protocolID, func() error {
		p, gerr := o.store.GetProtocol(ctx, protocolID)
		if gerr != nil {
			return gerr
		}
		res.State = p.Status
		res.SpecHash = p.SpecHash
		if !wantInline || p.Status != protocol.StatusRunning {
			return nil
		}
		if p.InlineDepth >= o.cfg.MaxInlineTriggerDepth {
			o.emit(ctx, event.Event{
				ProtocolID: p.ID,
				Type:       event.TypeInlineTriggerLimitHit,
				Message:    "inline trigger depth limit reached; dependents deferred to the scheduler",
				Meta:       map[string]any{"depth": p.InlineDepth, "limit": o.cfg.MaxInlineTriggerDepth},
			})
			return nil
		}
		p.InlineDepth++
		if uerr := o.store.UpdateProtocol(ctx, p); uerr != nil {
			return uerr
		}
		proceed = true
		return nil
	})
	if err != nil || !proceed {
		return res, err
	}
	return o.runRound(ctx, protocolID, parallel)
}

// reserveLocked runs selection and reserves the resulting batch. Lease held.
func (o *Orchestrator) reserveLocked(ctx context.Context, protocolID string, parallel bool) (Result, []*step.Run, error) {
	p, err := o.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return Result{ProtocolID: protocolID}, nil, err
	}

	switch {
	case p.Status.IsTerminal():
		return Result{ProtocolID: p.ID, State: p.Status, Reason: "protocol is terminal"}, nil, domain.ErrTerminal
	case p.Status == protocol.StatusPaused:
		return Result{ProtocolID: p.ID, State: p.Status, Reason: "protocol is paused"}, nil, nil
	case p.Status == protocol.StatusBlocked:
		return Result{ProtocolID: p.ID, State: p.Status, Reason: "protocol is blocked; answer clarifications or retry a step"}, nil, nil
	case p.Status == protocol.StatusPlanned:
		if terr := o.transition(ctx, p, protocol.StatusRunning, event.TypeProtocolStarted, "run dispatched", nil); terr != nil {
			return Result{ProtocolID: p.ID, State: p.Status}, nil, terr
		}
	case p.Status == protocol.StatusRunning:
	default:
		return Result{ProtocolID: p.ID, State: p.Status, Reason: "protocol has no committed plan"},
			nil, fmt.Errorf("run in %s: %w", p.Status, domain.ErrConflict)
	}

	sp, err := o.getSpec(ctx, p.ID, p.SpecHash)
	if err != nil {
		return Result{ProtocolID: p.ID, State: p.Status}, nil, err
	}
	runs, err := o.store.ListStepRuns(ctx, p.ID, p.SpecHash)
	if err != nil {
		return Result{ProtocolID: p.ID, State: p.Status}, nil, err
	}
	snap := o.snapshotFor(p)

	sel, err := o.selectRunnable(ctx, p, sp, runs, snap)
	if err != nil {
		return Result{ProtocolID: p.ID, State: p.Status}, nil, err
	}

	switch sel.Kind {
	case SelectionDone:
		if step.AllClosed(runs) {
			if terr := o.transition(ctx, p, protocol.StatusCompleted, event.TypeProtocolCompleted, "all steps closed",
				map[string]any{"tokens_used": p.TokensUsed, "cost_usd": p.CostUSD}); terr != nil {
				return Result{ProtocolID: p.ID, State: p.Status}, nil, terr
			}
		} else {
			if terr := o.transition(ctx, p, protocol.StatusFailed, event.TypeProtocolFailed, "unrecoverable step failures", nil); terr != nil {
				return Result{ProtocolID: p.ID, State: p.Status}, nil, terr
			}
		}
		if repo, rerr := o.repos(p.ProjectID); rerr == nil {
			o.releaseWorktree(ctx, p, repo)
		}
		return Result{ProtocolID: p.ID, State: p.Status}, nil, nil

	case SelectionWait:
		return Result{ProtocolID: p.ID, State: p.Status, Reason: "waiting on in-flight steps"}, nil, nil

	case SelectionBlocked:
		for _, reason := range sel.Reasons {
			if strings.Contains(reason, string(policy.BlockTokenBudget)) {
				o.emit(ctx, event.Event{
					ProtocolID: p.ID,
					Type:       event.TypeBudgetExhausted,
					Message:    reason,
					Meta:       map[string]any{"tokens_used": p.TokensUsed, "token_budget": snap.TokenBudget},
				})
			}
		}
		if terr := o.transition(ctx, p, protocol.StatusBlocked, event.TypeProtocolBlocked,
			strings.Join(sel.Reasons, "; "), map[string]any{"reasons": sel.Reasons}); terr != nil {
			return Result{ProtocolID: p.ID, State: p.Status}, nil, terr
		}
		return Result{ProtocolID: p.ID, State: p.Status, Reason: strings.Join(sel.Reasons, "; ")}, nil, nil
	}

	candidates := sel.Steps
	if !parallel {
		candidates = candidates[:1]
	}

	var reserved []*step.Run
	hookBlocked := false
	for _, r := range candidates {
		ss := sp.Step(r.StepIndex)
		if o.reservationHook != nil {
			if c := o.reservationHook(ctx, p, ss); c != nil {
				if herr := o.raiseClarificationLocked(ctx, p, r, c); herr != nil {
					return Result{ProtocolID: p.ID, State: p.Status}, nil, herr
				}
				hookBlocked = true
				continue
			}
		}

		if !o.workers.TryAcquire(1) {
			if len(reserved) == 0 {
				return Result{ProtocolID: p.ID, State: p.Status, Reason: "worker pool saturated"}, nil, domain.ErrBusy
			}
			break
		}
		updated, cerr := o.store.CASStepStatus(ctx, r.ID, step.StatusPending, step.StatusReserved)
		if cerr != nil {
			o.workers.Release(1)
			if errors.Is(cerr, domain.ErrConflict) {
				continue
			}
			return Result{ProtocolID: p.ID, State: p.Status}, nil, cerr
		}
		o.emit(ctx, event.Event{
			ProtocolID: p.ID,
			Type:       event.TypeStepReserved,
			StepIndex:  intPtr(updated.StepIndex),
			StepRunID:  updated.ID,
			Meta: map[string]any{
				"attempt":        updated.Attempts + 1,
				"engine":         ss.EngineID,
				"parallel_group": ss.ParallelGroup,
			},
		})
		reserved = append(reserved, updated)
	}

	if len(reserved) == 0 {
		if hookBlocked {
			if terr := o.transition(ctx, p, protocol.StatusBlocked, event.TypeProtocolBlocked, "awaiting clarification", nil); terr != nil {
				return Result{ProtocolID: p.ID, State: p.Status}, nil, terr
			}
		}
		return Result{ProtocolID: p.ID, State: p.Status, Reason: "no step reserved"}, nil, nil
	}
	return Result{ProtocolID: p.ID, State: p.Status, StepRunID: reserved[0].ID}, reserved, nil
}

// raiseClarificationLocked records a clarification and blocks the step on it.
func (o *Orchestrator) raiseClarificationLocked(ctx context.Context, p *protocol.Run, r *step.Run, c *clarify.Clarification) error {
	c.ID = o.clock.NewID()
	c.Status = clarify.StatusOpen
	c.CreatedAt = o.clock.Now()
	if c.Scope == "" {
		c.Scope = clarify.ScopeStep
	}
	if c.ScopeID == "" {
		switch c.Scope {
		case clarify.ScopeProject:
			c.ScopeID = p.ProjectID
		case clarify.ScopeProtocol:
			c.ScopeID = p.ID
		default:
			c.ScopeID = r.ID
		}
	}
	if err := o.store.CreateClarification(ctx, c); err != nil {
		return err
	}
	updated, err := o.store.CASStepStatus(ctx, r.ID, r.Status, step.StatusBlocked)
	if err != nil {
		return err
	}
	updated.StatusReason = "awaiting clarification: " + c.Key
	if err := o.store.UpdateStepRun(ctx, updated); err != nil {
		return err
	}
	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeClarificationRaised,
		StepIndex:  intPtr(r.StepIndex),
		StepRunID:  r.ID,
		Message:    c.Question,
		Meta:       map[string]any{"key": c.Key, "scope": string(c.Scope), "blocking": c.Blocking},
	})
	return nil
}

// executeStep drives one reserved step to its next stable state. The protocol
// lease is held only around state mutations; the agent call and QA gates run
// without it so other protocols and commands proceed.
func (o *Orchestrator) executeStep(ctx context.Context, protocolID, stepRunID string) (bool, error) {
	defer o.workers.Release(1)

	var (
		p       *protocol.Run
		sp      *spec.ProtocolSpec
		r       *step.Run
		ss      *spec.StepSpec
		tmpl    *prompt.Template
		settled bool
	)
	err := o.withLease(protocolID, func() error {
		var gerr error
		if p, gerr = o.store.GetProtocol(ctx, protocolID); gerr != nil {
			return gerr
		}
		if sp, gerr = o.getSpec(ctx, p.ID, p.SpecHash); gerr != nil {
			return gerr
		}
		if r, gerr = o.store.GetStepRun(ctx, stepRunID); gerr != nil {
			return gerr
		}
		if r.Status != step.StatusReserved {
			// cancelled or reset between reservation and dispatch
			settled = true
			return nil
		}
		if ss = sp.Step(r.StepIndex); ss == nil {
			return fmt.Errorf("step %d missing from spec %s", r.StepIndex, p.SpecHash)
		}

		var perr error
		if tmpl, perr = o.prompts.Resolve(ctx, ss.PromptRef); perr != nil {
			// prompt resolution failures are never retryable
			settled = true
			o.emit(ctx, event.Event{
				ProtocolID: p.ID,
				Type:       event.TypePromptResolveError,
				StepIndex:  intPtr(r.StepIndex),
				StepRunID:  r.ID,
				Message:    perr.Error(),
				Meta:       map[string]any{"prompt_ref": ss.PromptRef},
			})
			return o.concludeFailureLocked(ctx, p, r, ss, step.StatusReserved,
				fmt.Sprintf("prompt %s: %v", ss.PromptRef, perr))
		}

		updated, cerr := o.store.CASStepStatus(ctx, r.ID, step.StatusReserved, step.StatusRunning)
		if cerr != nil {
			return cerr
		}
		r = updated
		now := o.clock.Now()
		r.Attempts++
		r.StartedAt = &now
		r.PromptVersion = tmpl.Version
		if uerr := o.store.UpdateStepRun(ctx, r); uerr != nil {
			return uerr
		}
		o.emit(ctx, event.Event{
			ProtocolID: p.ID,
			Type:       event.TypeStepStarted,
			StepIndex:  intPtr(r.StepIndex),
			StepRunID:  r.ID,
			Meta: map[string]any{
				"engine":         ss.EngineID,
				"model":          ss.Model,
				"prompt_version": tmpl.Version,
				"attempt":        r.Attempts,
			},
		})
		return nil
	})
	if err != nil || settled {
		return false, err
	}

	var (
		result  *agent.Result
		execErr error
	)
	adapter, aerr := o.adapters(ss.EngineID)
	if aerr != nil {
		execErr = fault.Wrap(fault.ClassPermanentAgent, "engine_unknown", "engine "+ss.EngineID, aerr)
	} else {
		callCtx, cancelCall := context.WithTimeout(ctx, o.cfg.AgentWallTime)
		callCtx, span := maestrotel.StartAgentCallSpan(callCtx, ss.EngineID, ss.Model)
		execErr = o.breaker.Execute(func() error {
			var xerr error
			result, xerr = adapter.Execute(callCtx, o.buildInvocation(p, sp, ss, tmpl))
			return xerr
		})
		if result != nil {
			maestrotel.EndAgentCallSpan(span, result.TokensUsed, result.CostEstimate)
		} else {
			maestrotel.EndAgentCallSpan(span, 0, 0)
		}
		cancelCall()
	}

	disp, delay, err := o.settleAgentResult(ctx, protocolID, stepRunID, ss, result, execErr)
	if err != nil {
		return false, err
	}
	switch disp {
	case dispositionInline:
		return true, nil
	case dispositionRetry:
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		return false, nil
	case dispositionNeedsQA:
	default:
		return false, nil
	}

	out, qaErr := o.evaluateQA(ctx, p, r, ss)
	if qaErr != nil {
		return false, o.settleQAFailure(ctx, protocolID, stepRunID, ss, qaErr)
	}
	return o.routeVerdict(ctx, protocolID, stepRunID, ss, out)
}

// settleAgentResult records the agent outcome under the lease: token
// accounting, artifact capture, and the step's next state.
func (o *Orchestrator) settleAgentResult(ctx context.Context, protocolID, stepRunID string, ss *spec.StepSpec, result *agent.Result, execErr error) (disposition, time.Duration, error) {
	disp := dispositionDone
	var delay time.Duration

	err := o.withLease(protocolID, func() error {
		p, gerr := o.store.GetProtocol(ctx, protocolID)
		if gerr != nil {
			return gerr
		}
		r, gerr := o.store.GetStepRun(ctx, stepRunID)
		if gerr != nil {
			return gerr
		}

		if result != nil {
			r.TokensUsed += result.TokensUsed
			r.CostUSD += result.CostEstimate
			p.TokensUsed += result.TokensUsed
			p.CostUSD += result.CostEstimate
			if uerr := o.store.UpdateProtocol(ctx, p); uerr != nil {
				return uerr
			}
			if o.metrics != nil {
				o.metrics.StepsExecuted.Add(ctx, 1)
				o.metrics.TokensUsed.Add(ctx, result.TokensUsed)
				if r.StartedAt != nil {
					o.metrics.StepDuration.Record(ctx, o.clock.Now().Sub(*r.StartedAt).Seconds())
				}
			}
		}

		// cancellation observed while the agent ran: keep whatever the agent
		// managed to write, flagged partial
		if r.Status == step.StatusCancelled || p.Status.IsTerminal() ||
			(execErr != nil && errors.Is(execErr, context.Canceled)) {
			arts := o.captureArtifacts(ctx, p, r, ss)
			r.Artifacts = arts
			r.Partial = true
			if uerr := o.store.UpdateStepRun(ctx, r); uerr != nil {
				return uerr
			}
			if r.Status == step.StatusRunning {
				updated, cerr := o.store.CASStepStatus(ctx, r.ID, step.StatusRunning, step.StatusCancelled)
				if cerr != nil {
					return cerr
				}
				now := o.clock.Now()
				updated.EndedAt = &now
				updated.StatusReason = "cancelled during execution"
				if uerr := o.store.UpdateStepRun(ctx, updated); uerr != nil {
					return uerr
				}
				o.emit(ctx, event.Event{
					ProtocolID: p.ID,
					Type:       event.TypeStepCancelled,
					StepIndex:  intPtr(r.StepIndex),
					StepRunID:  r.ID,
					Meta:       map[string]any{"partial_artifacts": len(arts) > 0},
				})
			}
			if len(arts) > 0 {
				o.emit(ctx, event.Event{
					ProtocolID: p.ID,
					Type:       event.TypeStepArtifactsSaved,
					StepIndex:  intPtr(r.StepIndex),
					StepRunID:  r.ID,
					Meta:       map[string]any{"count": len(arts), "partial": true},
				})
			}
			return nil
		}

		if execErr == nil && result != nil && result.Status == agent.StatusOK {
			arts := o.captureArtifacts(ctx, p, r, ss)
			r.Artifacts = arts
			if uerr := o.store.UpdateStepRun(ctx, r); uerr != nil {
				return uerr
			}
			if len(arts) > 0 {
				o.emit(ctx, event.Event{
					ProtocolID: p.ID,
					Type:       event.TypeStepArtifactsSaved,
					StepIndex:  intPtr(r.StepIndex),
					StepRunID:  r.ID,
					Meta:       map[string]any{"count": len(arts)},
				})
			}

			if ss.Policies.QAPolicy == spec.QASkip {
				updated, cerr := o.store.CASStepStatus(ctx, r.ID, step.StatusRunning, step.StatusCompleted)
				if cerr != nil {
					return cerr
				}
				now := o.clock.Now()
				updated.EndedAt = &now
				if uerr := o.store.UpdateStepRun(ctx, updated); uerr != nil {
					return uerr
				}
				o.emit(ctx, event.Event{
					ProtocolID: p.ID,
					Type:       event.TypeStepCompleted,
					StepIndex:  intPtr(r.StepIndex),
					StepRunID:  r.ID,
					Meta:       map[string]any{"qa": string(spec.QASkip), "tokens_used": updated.TokensUsed},
				})
				if ferr := o.maybeCompleteProtocolLocked(ctx, p); ferr != nil {
					return ferr
				}
				if ss.InlineTrigger && p.Status == protocol.StatusRunning {
					disp = dispositionInline
				}
				return nil
			}

			if _, cerr := o.store.CASStepStatus(ctx, r.ID, step.StatusRunning, step.StatusNeedsQA); cerr != nil {
				return cerr
			}
			disp = dispositionNeedsQA
			return nil
		}

		reason := failureReason(result, execErr)
		snap := o.snapshotFor(p)
		if o.classifier.Transient(result, execErr) && r.Attempts <= snap.RetryMaxFor(ss.Policies.RetryMax) {
			delay = retryDelay(o.cfg.RetryBackoffBase, r.Attempts)
			updated, cerr := o.store.CASStepStatus(ctx, r.ID, step.StatusRunning, step.StatusPending)
			if cerr != nil {
				return cerr
			}
			updated.StatusReason = reason
			if uerr := o.store.UpdateStepRun(ctx, updated); uerr != nil {
				return uerr
			}
			o.emit(ctx, event.Event{
				ProtocolID: p.ID,
				Type:       event.TypeStepRetryScheduled,
				StepIndex:  intPtr(r.StepIndex),
				StepRunID:  r.ID,
				Message:    reason,
				Meta:       map[string]any{"attempt": r.Attempts, "delay": delay.String()},
			})
			disp = dispositionRetry
			return nil
		}
		return o.concludeFailureLocked(ctx, p, r, ss, step.StatusRunning, reason)
	})
	return disp, delay, err
}

// concludeFailureLocked finishes a permanently failed step: optional steps end
// skipped, required steps fail the step and the protocol. Lease held.
func (o *Orchestrator) concludeFailureLocked(ctx context.Context, p *protocol.Run, r *step.Run, ss *spec.StepSpec, from step.Status, reason string) error {
	now := o.clock.Now()

	if ss.Optional {
		updated, err := o.store.CASStepStatus(ctx, r.ID, from, step.StatusSkipped)
		if err != nil {
			return err
		}
		updated.StatusReason = reason
		updated.EndedAt = &now
		if err := o.store.UpdateStepRun(ctx, updated); err != nil {
			return err
		}
		o.emit(ctx, event.Event{
			ProtocolID: p.ID,
			Type:       event.TypeStepSkipped,
			StepIndex:  intPtr(r.StepIndex),
			StepRunID:  r.ID,
			Message:    reason,
			Meta:       map[string]any{"optional": true},
		})
		return o.maybeCompleteProtocolLocked(ctx, p)
	}

	updated, err := o.store.CASStepStatus(ctx, r.ID, from, step.StatusFailed)
	if err != nil {
		return err
	}
	updated.Error = reason
	updated.EndedAt = &now
	if err := o.store.UpdateStepRun(ctx, updated); err != nil {
		return err
	}
	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeStepFailed,
		StepIndex:  intPtr(r.StepIndex),
		StepRunID:  r.ID,
		Message:    reason,
		Meta:       map[string]any{"attempt": updated.Attempts},
	})

	if p.Status == protocol.StatusRunning {
		if terr := o.transition(ctx, p, protocol.StatusFailed, event.TypeProtocolFailed,
			fmt.Sprintf("step %d failed: %s", r.StepIndex, reason),
			map[string]any{"step_index": r.StepIndex}); terr != nil {
			return terr
		}
		if repo, rerr := o.repos(p.ProjectID); rerr == nil {
			o.releaseWorktree(ctx, p, repo)
		}
	}
	return nil
}

// maybeCompleteProtocolLocked completes the protocol when every step run is
// closed. Lease held.
func (o *Orchestrator) maybeCompleteProtocolLocked(ctx context.Context, p *protocol.Run) error {
	if p.Status != protocol.StatusRunning {
		return nil
	}
	runs, err := o.store.ListStepRuns(ctx, p.ID, p.SpecHash)
	if err != nil {
		return err
	}
	if !step.AllClosed(runs) {
		return nil
	}
	if err := o.transition(ctx, p, protocol.StatusCompleted, event.TypeProtocolCompleted, "all steps closed",
		map[string]any{"tokens_used": p.TokensUsed, "cost_usd": p.CostUSD}); err != nil {
		return err
	}
	if repo, rerr := o.repos(p.ProjectID); rerr == nil {
		o.releaseWorktree(ctx, p, repo)
	}
	return nil
}

// buildInvocation assembles the adapter call for one step.
func (o *Orchestrator) buildInvocation(p *protocol.Run, sp *spec.ProtocolSpec, ss *spec.StepSpec, tmpl *prompt.Template) agent.Invocation {
	outputs := agent.OutputTargets{Primary: worktreeAbs(p, ss.Outputs.Primary)}
	if len(ss.Outputs.Aux) > 0 {
		outputs.Aux = make(map[string]string, len(ss.Outputs.Aux))
		for name, rel := range ss.Outputs.Aux {
			outputs.Aux[name] = worktreeAbs(p, rel)
		}
	}

	var inputs map[string]string
	if len(ss.Inputs) > 0 {
		inputs = make(map[string]string, len(ss.Inputs))
		for _, name := range ss.Inputs {
			inputs[name] = worktreeAbs(p, resolveInput(sp, ss, name))
		}
	}

	budget := o.cfg.TokenBudget
	if ss.Policies.TokenBudget > 0 {
		budget = ss.Policies.TokenBudget
	}

	return agent.Invocation{
		WorkDir:       p.WorktreePath,
		PromptRef:     ss.PromptRef,
		Prompt:        tmpl.Text,
		PromptVersion: tmpl.Version,
		Model:         ss.Model,
		Inputs:        inputs,
		Outputs:       outputs,
		Limits: agent.Limits{
			WallTime:    o.cfg.AgentWallTime,
			TokenBudget: budget,
		},
	}
}

func worktreeAbs(p *protocol.Run, rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.WorktreePath, rel)
}

// resolveInput maps a logical input name to the dependency output that
// declared it, falling back to the name as a worktree-relative path.
func resolveInput(sp *spec.ProtocolSpec, ss *spec.StepSpec, name string) string {
	for _, d := range ss.DependsOn {
		dep := sp.Step(d)
		if dep == nil {
			continue
		}
		if path, ok := dep.Outputs.Aux[name]; ok {
			return path
		}
		if dep.Name == name || filepath.Base(dep.Outputs.Primary) == name {
			return dep.Outputs.Primary
		}
	}
	return name
}

// retryDelay computes the exponential pause before a transient retry.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 2 * time.Minute
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// failureReason renders the most specific failure description available.
func failureReason(result *agent.Result, execErr error) string {
	if result != nil && result.Err != nil {
		return fmt.Sprintf("%s: %s", result.Err.Class, result.Err.Message)
	}
	if execErr != nil {
		return execErr.Error()
	}
	if result != nil {
		return "agent returned " + string(result.Status)
	}
	return "agent returned no result"
}
