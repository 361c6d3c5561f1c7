// Package store defines the persistence port for protocol runs, step runs,
// frozen specs, and clarifications.
package store

import (
	"context"

	"github.com/Strob0t/Maestro/internal/domain/clarify"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/spec"
	"github.com/Strob0t/Maestro/internal/domain/step"
)

// Store is the port interface for orchestrator state. Implementations must
// return domain.ErrNotFound for missing entities and domain.ErrConflict for
// lost compare-and-swap updates.
type Store interface {
	// --- Protocol runs ---

	CreateProtocol(ctx context.Context, p *protocol.Run) error
	GetProtocol(ctx context.Context, id string) (*protocol.Run, error)
	// ListProtocols returns a project's runs ordered by sequence. An empty
	// projectID lists across all projects.
	ListProtocols(ctx context.Context, projectID string) ([]*protocol.Run, error)
	// UpdateProtocol persists p using optimistic locking on p.Version and
	// increments it on success.
	UpdateProtocol(ctx context.Context, p *protocol.Run) error
	// NextProtocolSeq returns the next monotonic per-project sequence number.
	NextProtocolSeq(ctx context.Context, projectID string) (int, error)

	// --- Frozen specs ---

	// PutSpec stores an immutable spec version keyed by (protocolID, hash).
	// Storing the same hash twice is a no-op.
	PutSpec(ctx context.Context, protocolID, hash string, doc *spec.ProtocolSpec) error
	GetSpec(ctx context.Context, protocolID, hash string) (*spec.ProtocolSpec, error)

	// --- Step runs ---

	CreateStepRun(ctx context.Context, r *step.Run) error
	GetStepRun(ctx context.Context, id string) (*step.Run, error)
	// ListStepRuns returns the step runs for the protocol's active spec hash,
	// ordered by step_index.
	ListStepRuns(ctx context.Context, protocolID, specHash string) ([]*step.Run, error)
	// UpdateStepRun persists r with optimistic locking on r.Version.
	UpdateStepRun(ctx context.Context, r *step.Run) error
	// CASStepStatus transitions the step run from one status to another
	// atomically. Returns domain.ErrConflict if the current status differs.
	CASStepStatus(ctx context.Context, id string, from, to step.Status) (*step.Run, error)

	// --- Clarifications ---

	CreateClarification(ctx context.Context, c *clarify.Clarification) error
	GetClarification(ctx context.Context, scope clarify.Scope, scopeID, key string) (*clarify.Clarification, error)
	// ListOpenClarifications returns open clarifications applicable to the
	// protocol: project scope, protocol scope, and all step scopes within it.
	ListOpenClarifications(ctx context.Context, projectID, protocolID string) ([]*clarify.Clarification, error)
	UpdateClarification(ctx context.Context, c *clarify.Clarification) error
}
