// Package memstore provides in-memory implementations of the store and
// journal ports, used by tests and the single-binary development mode.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Strob0t/Maestro/internal/clock"
	"github.com/Strob0t/Maestro/internal/domain"
	"github.com/Strob0t/Maestro/internal/domain/clarify"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/qa"
	"github.com/Strob0t/Maestro/internal/domain/spec"
	"github.com/Strob0t/Maestro/internal/domain/step"
)

// Store is a mutex-guarded in-memory store.Store implementation with the same
// optimistic-locking semantics as the postgres adapter.
type Store struct {
	clk clock.Clock

	mu        sync.RWMutex
	protocols map[string]*protocol.Run
	seqs      map[string]int                      // projectID -> last seq
	specs     map[string]*spec.ProtocolSpec       // protocolID/hash -> spec
	steps     map[string]*step.Run                // stepRunID -> run
	clars     map[string]*clarify.Clarification   // id -> clarification
}

// New creates an empty store.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Store{
		clk:       clk,
		protocols: make(map[string]*protocol.Run),
		seqs:      make(map[string]int),
		specs:     make(map[string]*spec.ProtocolSpec),
		steps:     make(map[string]*step.Run),
		clars:     make(map[string]*clarify.Clarification),
	}
}

func specKey(protocolID, hash string) string { return protocolID + "/" + hash }

func (s *Store) CreateProtocol(_ context.Context, p *protocol.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.protocols[p.ID]; ok {
		return fmt.Errorf("protocol %s: %w", p.ID, domain.ErrConflict)
	}
	p.Version = 1
	p.UpdatedAt = s.clk.Now()
	s.protocols[p.ID] = cloneProtocol(p)
	return nil
}

func (s *Store) GetProtocol(_ context.Context, id string) (*protocol.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.protocols[id]
	if !ok {
		return nil, fmt.Errorf("protocol %s: %w", id, domain.ErrNotFound)
	}
	return cloneProtocol(p), nil
}

func (s *Store) ListProtocols(_ context.Context, projectID string) ([]*protocol.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*protocol.Run
	for _, p := range s.protocols {
		if projectID == "" || p.ProjectID == projectID {
			out = append(out, cloneProtocol(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *Store) UpdateProtocol(_ context.Context, p *protocol.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.protocols[p.ID]
	if !ok {
		return fmt.Errorf("protocol %s: %w", p.ID, domain.ErrNotFound)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("protocol %s version %d: %w", p.ID, p.Version, domain.ErrConflict)
	}
	p.Version++
	p.UpdatedAt = s.clk.Now()
	s.protocols[p.ID] = cloneProtocol(p)
	return nil
}

func (s *Store) NextProtocolSeq(_ context.Context, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[projectID]++
	return s.seqs[projectID], nil
}

func (s *Store) PutSpec(_ context.Context, protocolID, hash string, doc *spec.ProtocolSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := specKey(protocolID, hash)
	if _, ok := s.specs[key]; ok {
		return nil // specs are immutable and content-addressed
	}
	s.specs[key] = doc
	return nil
}

func (s *Store) GetSpec(_ context.Context, protocolID, hash string) (*spec.ProtocolSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.specs[specKey(protocolID, hash)]
	if !ok {
		return nil, fmt.Errorf("spec %s: %w", hash, domain.ErrNotFound)
	}
	return doc, nil
}

func (s *Store) CreateStepRun(_ context.Context, r *step.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[r.ID]; ok {
		return fmt.Errorf("step run %s: %w", r.ID, domain.ErrConflict)
	}
	r.Version = 1
	r.UpdatedAt = s.clk.Now()
	s.steps[r.ID] = cloneStep(r)
	return nil
}

func (s *Store) GetStepRun(_ context.Context, id string) (*step.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.steps[id]
	if !ok {
		return nil, fmt.Errorf("step run %s: %w", id, domain.ErrNotFound)
	}
	return cloneStep(r), nil
}

func (s *Store) ListStepRuns(_ context.Context, protocolID, specHash string) ([]*step.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*step.Run
	for _, r := range s.steps {
		if r.ProtocolID == protocolID && r.SpecHash == specHash {
			out = append(out, cloneStep(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *Store) UpdateStepRun(_ context.Context, r *step.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.steps[r.ID]
	if !ok {
		return fmt.Errorf("step run %s: %w", r.ID, domain.ErrNotFound)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("step run %s version %d: %w", r.ID, r.Version, domain.ErrConflict)
	}
	r.Version++
	r.UpdatedAt = s.clk.Now()
	s.steps[r.ID] = cloneStep(r)
	return nil
}

func (s *Store) CASStepStatus(_ context.Context, id string, from, to step.Status) (*step.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.steps[id]
	if !ok {
		return nil, fmt.Errorf("step run %s: %w", id, domain.ErrNotFound)
	}
	if cur.Status != from {
		return nil, fmt.Errorf("step run %s is %s, not %s: %w", id, cur.Status, from, domain.ErrConflict)
	}
	cur.Status = to
	cur.Version++
	cur.UpdatedAt = s.clk.Now()
	return cloneStep(cur), nil
}

func (s *Store) CreateClarification(_ context.Context, c *clarify.Clarification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.clars {
		if other.Scope == c.Scope && other.ScopeID == c.ScopeID && other.Key == c.Key && other.Status == clarify.StatusOpen {
			return fmt.Errorf("clarification %s already open: %w", c.Key, domain.ErrConflict)
		}
	}
	s.clars[c.ID] = cloneClarification(c)
	return nil
}

func (s *Store) GetClarification(_ context.Context, scope clarify.Scope, scopeID, key string) (*clarify.Clarification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clars {
		if c.Scope == scope && c.ScopeID == scopeID && c.Key == key {
			return cloneClarification(c), nil
		}
	}
	return nil, fmt.Errorf("clarification %s: %w", key, domain.ErrNotFound)
}

func (s *Store) ListOpenClarifications(_ context.Context, projectID, protocolID string) ([]*clarify.Clarification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stepIDs := make(map[string]bool)
	for id, r := range s.steps {
		if r.ProtocolID == protocolID {
			stepIDs[id] = true
		}
	}

	var out []*clarify.Clarification
	for _, c := range s.clars {
		if c.Status != clarify.StatusOpen {
			continue
		}
		switch c.Scope {
		case clarify.ScopeProject:
			if c.ScopeID != projectID {
				continue
			}
		case clarify.ScopeProtocol:
			if c.ScopeID != protocolID {
				continue
			}
		case clarify.ScopeStep:
			if !stepIDs[c.ScopeID] {
				continue
			}
		}
		out = append(out, cloneClarification(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateClarification(_ context.Context, c *clarify.Clarification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clars[c.ID]; !ok {
		return fmt.Errorf("clarification %s: %w", c.ID, domain.ErrNotFound)
	}
	s.clars[c.ID] = cloneClarification(c)
	return nil
}

func cloneProtocol(p *protocol.Run) *protocol.Run {
	out := *p
	if p.LoopCounts != nil {
		out.LoopCounts = make(map[int]int, len(p.LoopCounts))
		for k, v := range p.LoopCounts {
			out.LoopCounts[k] = v
		}
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func cloneStep(r *step.Run) *step.Run {
	out := *r
	if r.Artifacts != nil {
		out.Artifacts = append([]step.Artifact(nil), r.Artifacts...)
	}
	if r.QAVerdict != nil {
		out.QAVerdict = cloneVerdict(r.QAVerdict)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func cloneVerdict(v *qa.Result) *qa.Result {
	out := *v
	if v.Gates != nil {
		out.Gates = make([]qa.GateResult, len(v.Gates))
		for i, g := range v.Gates {
			out.Gates[i] = g
			if g.Findings != nil {
				out.Gates[i].Findings = append([]qa.Finding(nil), g.Findings...)
			}
		}
	}
	if v.Prompt != nil {
		pv := *v.Prompt
		if pv.Findings != nil {
			pv.Findings = append([]qa.Finding(nil), pv.Findings...)
		}
		out.Prompt = &pv
	}
	return &out
}

func cloneClarification(c *clarify.Clarification) *clarify.Clarification {
	out := *c
	if c.Options != nil {
		out.Options = append([]string(nil), c.Options...)
	}
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		out.AnsweredAt = &t
	}
	return &out
}
