package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/Strob0t/Maestro/internal/domain/clarify"
	"github.com/Strob0t/Maestro/internal/domain/policy"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/spec"
	"github.com/Strob0t/Maestro/internal/domain/step"
)

// SelectionKind classifies the selector outcome.
type SelectionKind string

const (
	// SelectionBatch: at least one step is eligible for reservation.
	SelectionBatch SelectionKind = "batch"
	// SelectionWait: no step is eligible now, but in-flight steps will
	// unlock more work; the caller should not treat this as blocked.
	SelectionWait SelectionKind = "wait"
	// SelectionBlocked: pending steps exist but are gated by clarifications
	// or policy; the protocol should transition to blocked.
	SelectionBlocked SelectionKind = "blocked"
	// SelectionDone: no pending steps remain.
	SelectionDone SelectionKind = "done"
)

// Selection is the ordered result of one selector evaluation.
type Selection struct {
	Kind SelectionKind
	// Steps is the concurrent batch (members of the earliest eligible
	// parallel group, or a single step), ordered by step index.
	Steps []*step.Run
	// Reasons explains a blocked selection per gated step.
	Reasons []string
}

// selectRunnable computes the next runnable steps for a protocol, honoring
// dependency, clarification, and policy gating. Must be called with the
// protocol lease held so the step snapshot is consistent.
func (o *Orchestrator) selectRunnable(ctx context.Context, p *protocol.Run, sp *spec.ProtocolSpec, runs []*step.Run, snap *policy.Snapshot) (Selection, error) {
	open, err := o.store.ListOpenClarifications(ctx, p.ProjectID, p.ID)
	if err != nil {
		return Selection{}, fmt.Errorf("list clarifications: %w", err)
	}

	byIndex := step.ByIndex(runs)

	type group struct {
		name     string
		minIndex int
		members  []*step.Run
	}
	groups := make(map[string]*group)
	var order []*group

	pendingLeft := false
	inFlight := false
	var blockedReasons []string

	for _, r := range runs {
		switch r.Status {
		case step.StatusReserved, step.StatusRunning, step.StatusNeedsQA:
			inFlight = true
			continue
		case step.StatusBlocked:
			pendingLeft = true
			blockedReasons = append(blockedReasons,
				fmt.Sprintf("step %d blocked: %s", r.StepIndex, r.StatusReason))
			continue
		case step.StatusPending:
			pendingLeft = true
		default:
			continue
		}

		ss := sp.Step(r.StepIndex)
		if ss == nil {
			return Selection{}, fmt.Errorf("step %d missing from spec %s", r.StepIndex, p.SpecHash)
		}

		if !step.DependenciesMet(ss.DependsOn, byIndex) {
			continue
		}

		reason := snap.Evaluate(policy.StepCheck{
			LoopCount:        r.LoopCount,
			DeclaredLoops:    ss.Policies.MaxLoops,
			TokensUsed:       p.TokensUsed,
			StepBudget:       ss.Policies.TokenBudget,
			HasClarification: clarify.AnyBlocking(open, p.ProjectID, p.ID, r.ID),
		})
		if reason != policy.BlockNone {
			blockedReasons = append(blockedReasons,
				fmt.Sprintf("step %d: %s", r.StepIndex, reason))
			continue
		}

		key := ss.ParallelGroup
		if key == "" {
			// singleton group, keyed uniquely by index
			key = fmt.Sprintf("\x00%d", r.StepIndex)
		}
		g, ok := groups[key]
		if !ok {
			g = &group{name: ss.ParallelGroup, minIndex: r.StepIndex}
			groups[key] = g
			order = append(order, g)
		}
		if r.StepIndex < g.minIndex {
			g.minIndex = r.StepIndex
		}
		g.members = append(g.members, r)
	}

	if len(order) > 0 {
		sort.Slice(order, func(i, j int) bool { return order[i].minIndex < order[j].minIndex })
		batch := order[0].members
		sort.Slice(batch, func(i, j int) bool { return batch[i].StepIndex < batch[j].StepIndex })
		return Selection{Kind: SelectionBatch, Steps: batch}, nil
	}

	if !pendingLeft {
		return Selection{Kind: SelectionDone}, nil
	}
	if len(blockedReasons) > 0 && !inFlight {
		return Selection{Kind: SelectionBlocked, Reasons: blockedReasons}, nil
	}
	// pending steps exist but their dependencies are in flight (or pending
	// upstream); nothing to block on, nothing to reserve
	return Selection{Kind: SelectionWait}, nil
}
