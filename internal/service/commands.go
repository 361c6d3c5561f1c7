package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/Maestro/internal/domain"
	"github.com/Strob0t/Maestro/internal/domain/clarify"
	"github.com/Strob0t/Maestro/internal/domain/event"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/step"
)

// Result is the synchronous outcome of a dispatched command. Long-running
// work (agent calls, QA) happens inside the command for run commands, or is
// refused with a reason; callers observe detail through the event journal.
type Result struct {
	ProtocolID string          `json:"protocol_id"`
	State      protocol.Status `json:"state"`
	Reason     string          `json:"reason,omitempty"`
	StepRunID  string          `json:"step_run_id,omitempty"`
	SpecHash   string          `json:"spec_hash,omitempty"`
}

// CreateProtocol registers a new protocol run in pending with a name prefixed
// by the per-project monotonic sequence.
func (o *Orchestrator) CreateProtocol(ctx context.Context, req protocol.CreateRequest) (*protocol.Run, error) {
	if req.ProjectID == "" {
		return nil, errors.New("project_id is required")
	}
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}

	seq, err := o.store.NextProtocolSeq(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("next protocol seq: %w", err)
	}

	p := &protocol.Run{
		ID:         o.clock.NewID(),
		ProjectID:  req.ProjectID,
		Name:       protocol.FormatName(seq, req.NameHint),
		Seq:        seq,
		Status:     protocol.StatusPending,
		BaseBranch: req.BaseBranch,
		LoopCounts: make(map[int]int),
		CreatedAt:  o.clock.Now(),
	}
	if err := o.store.CreateProtocol(ctx, p); err != nil {
		return nil, fmt.Errorf("create protocol: %w", err)
	}

	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeProtocolCreated,
		Message:    p.Name,
		Meta:       map[string]any{"project_id": p.ProjectID, "base_branch": p.BaseBranch, "seq": seq},
	})
	return p, nil
}

// Plan validates and commits a spec document, materializing step runs and
// freezing the policy snapshot. Planning an unchanged document is a no-op.
func (o *Orchestrator) Plan(ctx context.Context, protocolID string, doc []byte) (res Result, err error) {
	err = o.withLease(protocolID, func() error {
		p, gerr := o.store.GetProtocol(ctx, protocolID)
		if gerr != nil {
			return gerr
		}
		res, err = o.planLocked(ctx, p, doc)
		return err
	})
	return res, err
}

// RunNext selects one runnable step, reserves it, and executes it to its next
// stable state (completed, failed, retry-queued, or blocked). Returns without
// side effects when the selector reports no eligible work.
func (o *Orchestrator) RunNext(ctx context.Context, protocolID string) (Result, error) {
	return o.runOne(ctx, protocolID, false)
}

// RunUntilIdle repeats step selection and execution, running parallel groups
// concurrently, until the selector reports blocked or done.
func (o *Orchestrator) RunUntilIdle(ctx context.Context, protocolID string) (Result, error) {
	for {
		res, err := o.runOne(ctx, protocolID, true)
		if err != nil {
			return res, err
		}
		switch res.State {
		case protocol.StatusRunning:
			if res.StepRunID == "" {
				// nothing reserved this round: either in-flight work we must
				// not busy-wait on, or a no-op; yield to the caller
				return res, nil
			}
		default:
			return res, nil
		}
	}
}

// Pause stops new reservations. The in-flight step, if any, drains through
// its QA before the pause is observable as quiescence.
func (o *Orchestrator) Pause(ctx context.Context, protocolID string) (res Result, err error) {
	err = o.withLease(protocolID, func() error {
		p, gerr := o.store.GetProtocol(ctx, protocolID)
		if gerr != nil {
			return gerr
		}
		if p.Status != protocol.StatusRunning && p.Status != protocol.StatusPlanned {
			res = Result{ProtocolID: p.ID, State: p.Status, Reason: "pause requires a planned or running protocol"}
			return fmt.Errorf("pause in %s: %w", p.Status, domain.ErrConflict)
		}
		if terr := o.transition(ctx, p, protocol.StatusPaused, event.TypeProtocolPaused, "paused by command", nil); terr != nil {
			return terr
		}
		res = Result{ProtocolID: p.ID, State: p.Status}
		return nil
	})
	return res, err
}

// Resume re-enables step selection on a paused protocol.
func (o *Orchestrator) Resume(ctx context.Context, protocolID string) (res Result, err error) {
	err = o.withLease(protocolID, func() error {
		p, gerr := o.store.GetProtocol(ctx, protocolID)
		if gerr != nil {
			return gerr
		}
		if p.Status != protocol.StatusPaused {
			res = Result{ProtocolID: p.ID, State: p.Status, Reason: "resume requires a paused protocol"}
			return fmt.Errorf("resume in %s: %w", p.Status, domain.ErrConflict)
		}
		if terr := o.transition(ctx, p, protocol.StatusRunning, event.TypeProtocolResumed, "resumed by command", nil); terr != nil {
			return terr
		}
		res = Result{ProtocolID: p.ID, State: p.Status}
		return nil
	})
	return res, err
}

// Cancel signals the in-flight step's cancellation handle, waits up to the
// configured grace period, and transitions the protocol to cancelled.
// Non-terminal step runs are cancelled; the worktree is released.
func (o *Orchestrator) Cancel(ctx context.Context, protocolID string) (res Result, err error) {
	// Signal outside the lease: the executing step holds no lease during the
	// agent call but will need it to record its own outcome.
	o.signalCancel(protocolID)

	err = o.withLease(protocolID, func() error {
		p, gerr := o.store.GetProtocol(ctx, protocolID)
		if gerr != nil {
			return gerr
		}
		if p.Status.IsTerminal() {
			res = Result{ProtocolID: p.ID, State: p.Status, Reason: "already terminal"}
			return domain.ErrTerminal
		}

		runs, lerr := o.store.ListStepRuns(ctx, p.ID, p.SpecHash)
		if lerr != nil && !errors.Is(lerr, domain.ErrNotFound) {
			return lerr
		}
		for _, r := range runs {
			if r.Status.IsTerminal() {
				continue
			}
			r.Status = step.StatusCancelled
			r.StatusReason = "protocol cancelled"
			now := o.clock.Now()
			r.EndedAt = &now
			if uerr := o.store.UpdateStepRun(ctx, r); uerr != nil {
				return uerr
			}
			o.emit(ctx, event.Event{
				ProtocolID: p.ID,
				Type:       event.TypeStepCancelled,
				StepIndex:  intPtr(r.StepIndex),
				StepRunID:  r.ID,
				Meta:       map[string]any{"partial_artifacts": r.Partial},
			})
		}

		if terr := o.transition(ctx, p, protocol.StatusCancelled, event.TypeProtocolCancelled, "cancelled by command", nil); terr != nil {
			return terr
		}
		if repo, rerr := o.repos(p.ProjectID); rerr == nil {
			o.releaseWorktree(ctx, p, repo)
		}
		res = Result{ProtocolID: p.ID, State: p.Status}
		return nil
	})
	return res, err
}

// AnswerClarification records an answer. When the last applicable blocker is
// removed and the protocol was blocked, it transitions back to running and
// blocked steps return to pending.
func (o *Orchestrator) AnswerClarification(ctx context.Context, protocolID, key, answer string) (res Result, err error) {
	err = o.withLease(protocolID, func() error {
		p, gerr := o.store.GetProtocol(ctx, protocolID)
		if gerr != nil {
			return gerr
		}

		open, lerr := o.store.ListOpenClarifications(ctx, p.ProjectID, p.ID)
		if lerr != nil {
			return lerr
		}
		var target *clarify.Clarification
		for _, c := range open {
			if c.Key == key {
				target = c
				break
			}
		}
		if target == nil {
			return fmt.Errorf("clarification %q: %w", key, domain.ErrNotFound)
		}

		target.Status = clarify.StatusAnswered
		target.Answer = answer
		now := o.clock.Now()
		target.AnsweredAt = &now
		if uerr := o.store.UpdateClarification(ctx, target); uerr != nil {
			return uerr
		}
		o.emit(ctx, event.Event{
			ProtocolID: p.ID,
			Type:       event.TypeClarificationAnswered,
			Message:    key,
			Meta:       map[string]any{"scope": string(target.Scope), "answer": answer},
		})

		// Unblock: any step whose blockers are all gone returns to pending.
		remaining := remove(open, target)
		runs, rerr := o.store.ListStepRuns(ctx, p.ID, p.SpecHash)
		if rerr != nil && !errors.Is(rerr, domain.ErrNotFound) {
			return rerr
		}
		stillBlocked := false
		for _, r := range runs {
			if r.Status != step.StatusBlocked {
				continue
			}
			if clarify.AnyBlocking(remaining, p.ProjectID, p.ID, r.ID) {
				stillBlocked = true
				continue
			}
			if _, cerr := o.store.CASStepStatus(ctx, r.ID, step.StatusBlocked, step.StatusPending); cerr != nil {
				return cerr
			}
		}

		if p.Status == protocol.StatusBlocked && !stillBlocked {
			if terr := o.transition(ctx, p, protocol.StatusRunning, event.TypeProtocolUnblocked, "last blocker cleared", nil); terr != nil {
				return terr
			}
		}
		res = Result{ProtocolID: p.ID, State: p.Status}
		return nil
	})
	return res, err
}

// RetryStep resets a failed or blocked step to pending when retries remain.
func (o *Orchestrator) RetryStep(ctx context.Context, protocolID, stepRunID string) (res Result, err error) {
	err = o.withLease(protocolID, func() error {
		p, gerr := o.store.GetProtocol(ctx, protocolID)
		if gerr != nil {
			return gerr
		}
		if p.Status.IsTerminal() {
			res = Result{ProtocolID: p.ID, State: p.Status, Reason: "protocol is terminal"}
			return domain.ErrTerminal
		}
		r, serr := o.store.GetStepRun(ctx, stepRunID)
		if serr != nil {
			return serr
		}
		if r.Status != step.StatusFailed && r.Status != step.StatusBlocked {
			res = Result{ProtocolID: p.ID, State: p.Status, Reason: "step is not failed or blocked"}
			return fmt.Errorf("retry step in %s: %w", r.Status, domain.ErrConflict)
		}
		snap := o.snapshotFor(p)
		sp, sperr := o.getSpec(ctx, p.ID, p.SpecHash)
		if sperr != nil {
			return sperr
		}
		ss := sp.Step(r.StepIndex)
		if ss == nil {
			return fmt.Errorf("step index %d: %w", r.StepIndex, domain.ErrNotFound)
		}
		if r.Retries >= snap.RetryMaxFor(ss.Policies.RetryMax) {
			res = Result{ProtocolID: p.ID, State: p.Status, Reason: "retries exhausted"}
			return fmt.Errorf("retries exhausted: %w", domain.ErrConflict)
		}

		if _, cerr := o.store.CASStepStatus(ctx, r.ID, r.Status, step.StatusPending); cerr != nil {
			return cerr
		}
		o.emit(ctx, event.Event{
			ProtocolID: p.ID,
			Type:       event.TypeStepRetryScheduled,
			StepIndex:  intPtr(r.StepIndex),
			StepRunID:  r.ID,
			Message:    "manual retry",
			Meta:       map[string]any{"manual": true, "retries": r.Retries},
		})

		if p.Status == protocol.StatusBlocked {
			if terr := o.transition(ctx, p, protocol.StatusRunning, event.TypeProtocolUnblocked, "step reset by retry", nil); terr != nil {
				return terr
			}
		}
		res = Result{ProtocolID: p.ID, State: p.Status, StepRunID: r.ID}
		return nil
	})
	return res, err
}

// Events returns the protocol's journal after sinceSeq, in order.
func (o *Orchestrator) Events(ctx context.Context, protocolID string, sinceSeq int64) ([]event.Event, error) {
	return o.journal.List(ctx, protocolID, sinceSeq)
}

// GetProtocol returns the current protocol run state.
func (o *Orchestrator) GetProtocol(ctx context.Context, protocolID string) (*protocol.Run, error) {
	return o.store.GetProtocol(ctx, protocolID)
}

// ListProtocols returns a project's protocol runs ordered by sequence.
func (o *Orchestrator) ListProtocols(ctx context.Context, projectID string) ([]*protocol.Run, error) {
	return o.store.ListProtocols(ctx, projectID)
}

// OpenClarifications returns the unanswered clarifications that currently
// apply to the protocol, at project, protocol, and step scope.
func (o *Orchestrator) OpenClarifications(ctx context.Context, protocolID string) ([]*clarify.Clarification, error) {
	p, err := o.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	return o.store.ListOpenClarifications(ctx, p.ProjectID, p.ID)
}

// ListStepRuns returns the step runs of the protocol's active spec.
func (o *Orchestrator) ListStepRuns(ctx context.Context, protocolID string) ([]*step.Run, error) {
	p, err := o.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	return o.store.ListStepRuns(ctx, protocolID, p.SpecHash)
}

// signalCancel fires the protocol's in-flight cancellation handle, if any,
// and waits up to the configured grace period for the step to unwind.
func (o *Orchestrator) signalCancel(protocolID string) {
	o.cancelMu.Lock()
	h, ok := o.cancels[protocolID]
	delete(o.cancels, protocolID)
	o.cancelMu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(o.cfg.CancelGrace):
		// grace expired; the step will be force-marked cancelled below
	}
}

func intPtr(i int) *int { return &i }

func remove(cs []*clarify.Clarification, drop *clarify.Clarification) []*clarify.Clarification {
	out := make([]*clarify.Clarification, 0, len(cs))
	for _, c := range cs {
		if c != drop {
			out = append(out, c)
		}
	}
	return out
}
