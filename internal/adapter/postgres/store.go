package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Maestro/internal/domain"
	"github.com/Strob0t/Maestro/internal/domain/clarify"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/spec"
	"github.com/Strob0t/Maestro/internal/domain/step"
)

// Store implements store.Store using PostgreSQL. Optimistic locking uses the
// version column: updates match on it and bump it in the same statement, so a
// lost race surfaces as zero affected rows.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Protocol runs ---

const protocolColumns = `id, project_id, name, seq, status, base_branch,
	COALESCE(branch_name, ''), COALESCE(worktree_path, ''),
	COALESCE(spec_hash, ''), COALESCE(policy_hash, ''),
	tokens_used, cost_usd, token_budget, inline_depth, loop_counts,
	COALESCE(status_reason, ''), version, created_at, updated_at, ended_at`

func scanProtocol(row scannable) (*protocol.Run, error) {
	var p protocol.Run
	var loopCounts []byte
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.Name, &p.Seq, &p.Status, &p.BaseBranch,
		&p.BranchName, &p.WorktreePath, &p.SpecHash, &p.PolicyHash,
		&p.TokensUsed, &p.CostUSD, &p.TokenBudget, &p.InlineDepth, &loopCounts,
		&p.StatusReason, &p.Version, &p.CreatedAt, &p.UpdatedAt, &p.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(loopCounts) > 0 {
		if err := json.Unmarshal(loopCounts, &p.LoopCounts); err != nil {
			return nil, fmt.Errorf("decode loop counts: %w", err)
		}
	}
	return &p, nil
}

func (s *Store) CreateProtocol(ctx context.Context, p *protocol.Run) error {
	loopCounts, err := json.Marshal(p.LoopCounts)
	if err != nil {
		return fmt.Errorf("encode loop counts: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO protocol_runs (id, project_id, name, seq, status, base_branch, branch_name, worktree_path,
		    spec_hash, policy_hash, tokens_used, cost_usd, token_budget, inline_depth, loop_counts, status_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING version, created_at, updated_at`,
		p.ID, p.ProjectID, p.Name, p.Seq, p.Status, p.BaseBranch, p.BranchName, p.WorktreePath,
		p.SpecHash, p.PolicyHash, p.TokensUsed, p.CostUSD, p.TokenBudget, p.InlineDepth, loopCounts, p.StatusReason)
	if err := row.Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("protocol %s: %w", p.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create protocol %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetProtocol(ctx context.Context, id string) (*protocol.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM protocol_runs WHERE id = $1`, protocolColumns), id)
	p, err := scanProtocol(row)
	if err != nil {
		return nil, notFoundWrap(err, "get protocol %s", id)
	}
	return p, nil
}

func (s *Store) ListProtocols(ctx context.Context, projectID string) ([]*protocol.Run, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM protocol_runs WHERE ($1 = '' OR project_id = $1) ORDER BY project_id, seq ASC`, protocolColumns), projectID)
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	defer rows.Close()

	var out []*protocol.Run
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, fmt.Errorf("list protocols: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProtocol(ctx context.Context, p *protocol.Run) error {
	loopCounts, err := json.Marshal(p.LoopCounts)
	if err != nil {
		return fmt.Errorf("encode loop counts: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE protocol_runs SET status = $2, branch_name = $3, worktree_path = $4, spec_hash = $5,
		    policy_hash = $6, tokens_used = $7, cost_usd = $8, token_budget = $9, inline_depth = $10,
		    loop_counts = $11, status_reason = $12, ended_at = $13, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $14`,
		p.ID, p.Status, p.BranchName, p.WorktreePath, p.SpecHash,
		p.PolicyHash, p.TokensUsed, p.CostUSD, p.TokenBudget, p.InlineDepth,
		loopCounts, p.StatusReason, nullTimePtr(p.EndedAt), p.Version)
	if err != nil {
		return fmt.Errorf("update protocol %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetProtocol(ctx, p.ID); errors.Is(getErr, domain.ErrNotFound) {
			return fmt.Errorf("update protocol %s: %w", p.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("update protocol %s version %d: %w", p.ID, p.Version, domain.ErrConflict)
	}
	p.Version++
	return nil
}

func (s *Store) NextProtocolSeq(ctx context.Context, projectID string) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO protocol_seqs (project_id, seq) VALUES ($1, 1)
		 ON CONFLICT (project_id) DO UPDATE SET seq = protocol_seqs.seq + 1
		 RETURNING seq`, projectID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next protocol seq for %s: %w", projectID, err)
	}
	return seq, nil
}

// --- Frozen specs ---

func (s *Store) PutSpec(ctx context.Context, protocolID, hash string, doc *spec.ProtocolSpec) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	// Content-addressed: the same hash always carries the same document.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO protocol_specs (protocol_id, hash, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (protocol_id, hash) DO NOTHING`,
		protocolID, hash, body)
	if err != nil {
		return fmt.Errorf("put spec %s: %w", hash, err)
	}
	return nil
}

func (s *Store) GetSpec(ctx context.Context, protocolID, hash string) (*spec.ProtocolSpec, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM protocol_specs WHERE protocol_id = $1 AND hash = $2`,
		protocolID, hash).Scan(&body)
	if err != nil {
		return nil, notFoundWrap(err, "get spec %s", hash)
	}
	var doc spec.ProtocolSpec
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode spec %s: %w", hash, err)
	}
	return &doc, nil
}

// --- Step runs ---

const stepColumns = `id, protocol_id, step_index, spec_hash, status, attempts, retries, loop_count,
	tokens_used, cost_usd, COALESCE(prompt_version, ''), artifacts, partial, qa_verdict,
	COALESCE(error, ''), COALESCE(status_reason, ''), version, created_at, updated_at, started_at, ended_at`

func scanStep(row scannable) (*step.Run, error) {
	var r step.Run
	var artifacts, verdict []byte
	err := row.Scan(
		&r.ID, &r.ProtocolID, &r.StepIndex, &r.SpecHash, &r.Status, &r.Attempts, &r.Retries, &r.LoopCount,
		&r.TokensUsed, &r.CostUSD, &r.PromptVersion, &artifacts, &r.Partial, &verdict,
		&r.Error, &r.StatusReason, &r.Version, &r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &r.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	if len(verdict) > 0 {
		if err := json.Unmarshal(verdict, &r.QAVerdict); err != nil {
			return nil, fmt.Errorf("decode qa verdict: %w", err)
		}
	}
	return &r, nil
}

func encodeVerdict(r *step.Run) ([]byte, error) {
	if r.QAVerdict == nil {
		return nil, nil
	}
	b, err := json.Marshal(r.QAVerdict)
	if err != nil {
		return nil, fmt.Errorf("encode qa verdict: %w", err)
	}
	return b, nil
}

func (s *Store) CreateStepRun(ctx context.Context, r *step.Run) error {
	artifacts, err := json.Marshal(r.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	verdict, err := encodeVerdict(r)
	if err != nil {
		return err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO step_runs (id, protocol_id, step_index, spec_hash, status, attempts, retries, loop_count,
		    tokens_used, cost_usd, prompt_version, artifacts, partial, qa_verdict, error, status_reason, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING version, created_at, updated_at`,
		r.ID, r.ProtocolID, r.StepIndex, r.SpecHash, r.Status, r.Attempts, r.Retries, r.LoopCount,
		r.TokensUsed, r.CostUSD, r.PromptVersion, artifacts, r.Partial, verdict, r.Error, r.StatusReason,
		nullTimePtr(r.StartedAt), nullTimePtr(r.EndedAt))
	if err := row.Scan(&r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("step run %s: %w", r.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create step run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetStepRun(ctx context.Context, id string) (*step.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM step_runs WHERE id = $1`, stepColumns), id)
	r, err := scanStep(row)
	if err != nil {
		return nil, notFoundWrap(err, "get step run %s", id)
	}
	return r, nil
}

func (s *Store) ListStepRuns(ctx context.Context, protocolID, specHash string) ([]*step.Run, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM step_runs WHERE protocol_id = $1 AND spec_hash = $2 ORDER BY step_index ASC`, stepColumns),
		protocolID, specHash)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	var out []*step.Run
	for rows.Next() {
		r, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("list step runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStepRun(ctx context.Context, r *step.Run) error {
	artifacts, err := json.Marshal(r.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	verdict, err := encodeVerdict(r)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE step_runs SET status = $2, attempts = $3, retries = $4, loop_count = $5, tokens_used = $6,
		    cost_usd = $7, prompt_version = $8, artifacts = $9, partial = $10, qa_verdict = $11, error = $12,
		    status_reason = $13, started_at = $14, ended_at = $15, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $16`,
		r.ID, r.Status, r.Attempts, r.Retries, r.LoopCount, r.TokensUsed,
		r.CostUSD, r.PromptVersion, artifacts, r.Partial, verdict, r.Error, r.StatusReason,
		nullTimePtr(r.StartedAt), nullTimePtr(r.EndedAt), r.Version)
	if err != nil {
		return fmt.Errorf("update step run %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetStepRun(ctx, r.ID); errors.Is(getErr, domain.ErrNotFound) {
			return fmt.Errorf("update step run %s: %w", r.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("update step run %s version %d: %w", r.ID, r.Version, domain.ErrConflict)
	}
	r.Version++
	return nil
}

func (s *Store) CASStepStatus(ctx context.Context, id string, from, to step.Status) (*step.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE step_runs SET status = $2, version = version + 1, updated_at = now()
		 WHERE id = $1 AND status = $3
		 RETURNING %s`, stepColumns), id, to, from)
	r, err := scanStep(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cas step run %s: %w", id, err)
	}
	cur, getErr := s.GetStepRun(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("step run %s is %s, not %s: %w", id, cur.Status, from, domain.ErrConflict)
}

// --- Clarifications ---

const clarificationColumns = `id, scope, scope_id, key, blocking, status, question, options,
	COALESCE(answer, ''), created_at, answered_at`

func scanClarification(row scannable) (*clarify.Clarification, error) {
	var c clarify.Clarification
	err := row.Scan(
		&c.ID, &c.Scope, &c.ScopeID, &c.Key, &c.Blocking, &c.Status, &c.Question, &c.Options,
		&c.Answer, &c.CreatedAt, &c.AnsweredAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateClarification(ctx context.Context, c *clarify.Clarification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clarifications (id, scope, scope_id, key, blocking, status, question, options, answer, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Scope, c.ScopeID, c.Key, c.Blocking, c.Status, c.Question, pgTextArray(c.Options), c.Answer, c.CreatedAt)
	if err != nil {
		// The partial unique index rejects a second open question with the
		// same scope and key.
		if isUniqueViolation(err) {
			return fmt.Errorf("clarification %s already open: %w", c.Key, domain.ErrConflict)
		}
		return fmt.Errorf("create clarification %s: %w", c.Key, err)
	}
	return nil
}

func (s *Store) GetClarification(ctx context.Context, scope clarify.Scope, scopeID, key string) (*clarify.Clarification, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM clarifications WHERE scope = $1 AND scope_id = $2 AND key = $3
		 ORDER BY created_at DESC LIMIT 1`, clarificationColumns), scope, scopeID, key)
	c, err := scanClarification(row)
	if err != nil {
		return nil, notFoundWrap(err, "get clarification %s", key)
	}
	return c, nil
}

func (s *Store) ListOpenClarifications(ctx context.Context, projectID, protocolID string) ([]*clarify.Clarification, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM clarifications
		 WHERE status = 'open' AND (
		     (scope = 'project' AND scope_id = $1)
		  OR (scope = 'protocol' AND scope_id = $2)
		  OR (scope = 'step' AND scope_id IN (SELECT id FROM step_runs WHERE protocol_id = $2)))
		 ORDER BY created_at ASC`, clarificationColumns), projectID, protocolID)
	if err != nil {
		return nil, fmt.Errorf("list open clarifications: %w", err)
	}
	defer rows.Close()

	var out []*clarify.Clarification
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, fmt.Errorf("list open clarifications: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateClarification(ctx context.Context, c *clarify.Clarification) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE clarifications SET blocking = $2, status = $3, question = $4, options = $5, answer = $6, answered_at = $7
		 WHERE id = $1`,
		c.ID, c.Blocking, c.Status, c.Question, pgTextArray(c.Options), c.Answer, nullTimePtr(c.AnsweredAt))
	if err != nil {
		return fmt.Errorf("update clarification %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update clarification %s: %w", c.ID, domain.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
