// Package service implements the protocol orchestration engine: the state
// machine, planner, runnable-step selector, step executor, QA gating loop,
// and feedback router, coordinated behind a per-protocol exclusive lease.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	maestrotel "github.com/Strob0t/Maestro/internal/adapter/otel"
	"github.com/Strob0t/Maestro/internal/clock"
	"github.com/Strob0t/Maestro/internal/config"
	"github.com/Strob0t/Maestro/internal/domain"
	"github.com/Strob0t/Maestro/internal/domain/clarify"
	"github.com/Strob0t/Maestro/internal/domain/event"
	"github.com/Strob0t/Maestro/internal/domain/policy"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/spec"
	"github.com/Strob0t/Maestro/internal/git"
	"github.com/Strob0t/Maestro/internal/port/agent"
	"github.com/Strob0t/Maestro/internal/port/cache"
	"github.com/Strob0t/Maestro/internal/port/gate"
	"github.com/Strob0t/Maestro/internal/port/journal"
	"github.com/Strob0t/Maestro/internal/port/prompt"
	"github.com/Strob0t/Maestro/internal/port/store"
	"github.com/Strob0t/Maestro/internal/resilience"
)

// AdapterLookup resolves an engine id to an agent adapter. The default wires
// the agent registry; tests inject a lookup returning fakes.
type AdapterLookup func(engineID string) (agent.Adapter, error)

// RepoLocator maps a project id to its local repository path. Projects are
// external collaborators; the orchestrator only needs their checkout location.
type RepoLocator func(projectID string) (string, error)

// ReservationHook is an optional policy seam consulted before a step is
// reserved. Returning a clarification blocks the step until it is answered.
type ReservationHook func(ctx context.Context, p *protocol.Run, s *spec.StepSpec) *clarify.Clarification

// Orchestrator drives protocol runs from creation to terminal state. All
// state mutation for a protocol happens while holding that protocol's lease;
// commands to different protocols proceed in parallel.
type Orchestrator struct {
	store    store.Store
	journal  journal.Journal
	clock    clock.Clock
	worktree *git.Coordinator
	prompts  prompt.Resolver
	gates    gate.Runner
	adapters AdapterLookup
	repos    RepoLocator

	classifier agent.ErrorClassifier
	breaker    *resilience.Breaker
	cfg        *config.Orchestrator
	metrics    *maestrotel.Metrics
	specCache  cache.Cache

	// workers bounds concurrent step executions across all protocols.
	// Reservation refuses new work when saturated instead of queueing.
	workers *semaphore.Weighted

	reservationHook ReservationHook

	leaseMu sync.Mutex
	leases  map[string]*sync.Mutex // protocolID -> exclusive lease

	// cancels tracks in-flight step cancellation handles per protocol.
	cancelMu sync.Mutex
	cancels  map[string]*cancelHandle
}

// cancelHandle pairs a cancellation trigger with a completion signal so the
// cancel command can wait out the grace period.
type cancelHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Options carries the orchestrator's injected collaborators.
type Options struct {
	Store      store.Store
	Journal    journal.Journal
	Clock      clock.Clock
	Worktree   *git.Coordinator
	Prompts    prompt.Resolver
	Gates      gate.Runner
	Adapters   AdapterLookup
	Repos      RepoLocator
	Classifier agent.ErrorClassifier
	Breaker    *resilience.Breaker
	Config     *config.Orchestrator

	// Metrics is optional; nil disables instrument recording.
	Metrics *maestrotel.Metrics

	// SpecCache is optional; a read-through cache for committed spec
	// documents, which are immutable and keyed by content hash.
	SpecCache cache.Cache

	// ReservationHook is optional; nil disables pre-reservation clarifications.
	ReservationHook ReservationHook
}

// NewOrchestrator creates the engine with all dependencies.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Adapters == nil {
		opts.Adapters = func(engineID string) (agent.Adapter, error) {
			return agent.New(engineID, nil)
		}
	}
	if opts.Classifier == nil {
		opts.Classifier = agent.DefaultClassifier{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	return &Orchestrator{
		store:           opts.Store,
		journal:         opts.Journal,
		clock:           opts.Clock,
		worktree:        opts.Worktree,
		prompts:         opts.Prompts,
		gates:           opts.Gates,
		adapters:        opts.Adapters,
		repos:           opts.Repos,
		classifier:      opts.Classifier,
		breaker:         opts.Breaker,
		cfg:             opts.Config,
		metrics:         opts.Metrics,
		specCache:       opts.SpecCache,
		workers:         semaphore.NewWeighted(int64(opts.Config.MaxWorkers)),
		reservationHook: opts.ReservationHook,
		leases:          make(map[string]*sync.Mutex),
		cancels:         make(map[string]*cancelHandle),
	}
}

// lease returns the exclusive lease for one protocol. Contended acquisitions
// queue on the mutex; Go's starvation mode keeps the ordering fair.
func (o *Orchestrator) lease(protocolID string) *sync.Mutex {
	o.leaseMu.Lock()
	defer o.leaseMu.Unlock()
	mu, ok := o.leases[protocolID]
	if !ok {
		mu = &sync.Mutex{}
		o.leases[protocolID] = mu
	}
	return mu
}

// withLease runs fn while holding the protocol's lease.
func (o *Orchestrator) withLease(protocolID string, fn func() error) error {
	mu := o.lease(protocolID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// emit appends one journal event. Must be called with the protocol lease held
// so journal order matches the mutation order observers will replay.
func (o *Orchestrator) emit(ctx context.Context, ev event.Event) {
	ev.Category = event.CategoryFor(ev.Type)
	if _, err := o.journal.Append(ctx, ev); err != nil {
		// The journal is the source of truth; losing an event is a system
		// error worth surfacing loudly even though we cannot roll back.
		slog.Error("journal append failed", "protocol_id", ev.ProtocolID, "type", ev.Type, "error", err)
	}
}

// transition moves the protocol to a new status and emits the paired event
// atomically with respect to the lease.
func (o *Orchestrator) transition(ctx context.Context, p *protocol.Run, to protocol.Status, evType event.Type, reason string, meta map[string]any) error {
	if !protocol.CanTransition(p.Status, to) {
		return fmt.Errorf("transition %s -> %s: %w", p.Status, to, domain.ErrConflict)
	}
	from := p.Status
	p.Status = to
	p.StatusReason = reason
	if to.IsTerminal() {
		now := o.clock.Now()
		p.EndedAt = &now
	}
	if err := o.store.UpdateProtocol(ctx, p); err != nil {
		p.Status = from
		return fmt.Errorf("persist transition %s -> %s: %w", from, to, err)
	}

	if meta == nil {
		meta = map[string]any{}
	}
	meta["from"] = string(from)
	meta["to"] = string(to)
	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       evType,
		Message:    reason,
		Meta:       meta,
	})

	slog.Info("protocol transition",
		"protocol_id", p.ID, "from", from, "to", to, "reason", reason)
	o.recordProtocolTransition(ctx, p, to)
	return nil
}

// recordProtocolTransition updates lifecycle metric instruments.
func (o *Orchestrator) recordProtocolTransition(ctx context.Context, p *protocol.Run, to protocol.Status) {
	if o.metrics == nil {
		return
	}
	switch to {
	case protocol.StatusRunning:
		o.metrics.ProtocolsStarted.Add(ctx, 1)
	case protocol.StatusCompleted:
		o.metrics.ProtocolsCompleted.Add(ctx, 1)
		o.metrics.ProtocolCost.Record(ctx, p.CostUSD)
	case protocol.StatusFailed:
		o.metrics.ProtocolsFailed.Add(ctx, 1)
	}
}

// snapshotFor builds the policy snapshot for a protocol from config defaults.
// Called once at planning time; the resulting hash is frozen on the run.
func (o *Orchestrator) snapshotFor(p *protocol.Run) *policy.Snapshot {
	mode := policy.EnforcementMode(o.cfg.DefaultEnforcement)
	if !mode.Valid() {
		mode = policy.EnforcementWarn
	}
	return &policy.Snapshot{
		Enforcement:           mode,
		TokenBudget:           o.cfg.TokenBudget,
		MaxInlineTriggerDepth: o.cfg.MaxInlineTriggerDepth,
		DefaultMaxLoops:       o.cfg.DefaultMaxLoops,
		DefaultRetryMax:       o.cfg.DefaultRetryMax,
	}
}

// releaseWorktree prunes the protocol's worktree on terminal transitions
// and persists the cleared path.
func (o *Orchestrator) releaseWorktree(ctx context.Context, p *protocol.Run, repoPath string) {
	if p.WorktreePath == "" {
		return
	}
	if err := o.worktree.Release(ctx, repoPath, p.ID); err != nil {
		slog.Warn("worktree release failed", "protocol_id", p.ID, "error", err)
		return
	}
	o.emit(ctx, event.Event{
		ProtocolID: p.ID,
		Type:       event.TypeWorktreeReleased,
		Meta:       map[string]any{"worktree_path": p.WorktreePath, "branch": p.BranchName},
	})
	p.WorktreePath = ""
	if err := o.store.UpdateProtocol(ctx, p); err != nil {
		slog.Warn("persist released worktree failed", "protocol_id", p.ID, "error", err)
	}
}
